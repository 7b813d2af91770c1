package main

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-loyalty-ledger/shared/lifecycle"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/utils"
)

// CreateTenantRequest represents the create tenant request
type CreateTenantRequest struct {
	Name string `json:"name" binding:"required"`
}

// WebhookRequest sets or clears the tenant's webhook. An empty url clears it.
type WebhookRequest struct {
	URL string `json:"url"`
}

// TenantWithKey is returned when a key is issued. The plain key is never
// shown again.
type TenantWithKey struct {
	Tenant *models.Tenant `json:"tenant"`
	APIKey string         `json:"api_key"`
}

type handlers struct {
	tenants *lifecycle.Manager
	logger  *logrus.Logger
}

func tenantID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "invalid tenant id")
		return uuid.Nil, false
	}
	return id, true
}

// handleCreateTenant registers a tenant and provisions its namespace
func (h *handlers) handleCreateTenant(c *gin.Context) {
	var req CreateTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request format")
		return
	}

	tenant, key, err := h.tenants.CreateTenant(c.Request.Context(), req.Name)
	if err != nil {
		utils.RespondError(c, h.logger, err)
		return
	}

	utils.CreatedResponse(c, "Tenant created successfully", TenantWithKey{Tenant: tenant, APIKey: key})
}

// handleGetTenants lists every registered tenant
func (h *handlers) handleGetTenants(c *gin.Context) {
	tenants, err := h.tenants.ListTenants(c.Request.Context())
	if err != nil {
		utils.RespondError(c, h.logger, err)
		return
	}

	utils.OKResponse(c, "Tenants retrieved successfully", tenants)
}

func (h *handlers) handleGetTenant(c *gin.Context) {
	id, ok := tenantID(c)
	if !ok {
		return
	}

	tenant, err := h.tenants.GetTenant(c.Request.Context(), id)
	if err != nil {
		utils.RespondError(c, h.logger, err)
		return
	}

	utils.OKResponse(c, "Tenant retrieved successfully", tenant)
}

// handleDeleteTenant drops the tenant and all of its data
func (h *handlers) handleDeleteTenant(c *gin.Context) {
	id, ok := tenantID(c)
	if !ok {
		return
	}

	if err := h.tenants.DeleteTenant(c.Request.Context(), id); err != nil {
		utils.RespondError(c, h.logger, err)
		return
	}

	utils.OKResponse(c, "Tenant deleted successfully", nil)
}

func (h *handlers) handleRotateKey(c *gin.Context) {
	id, ok := tenantID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	key, err := h.tenants.RotateAPIKey(ctx, id)
	if err != nil {
		utils.RespondError(c, h.logger, err)
		return
	}
	tenant, err := h.tenants.GetTenant(ctx, id)
	if err != nil {
		utils.RespondError(c, h.logger, err)
		return
	}

	utils.OKResponse(c, "API key rotated successfully", TenantWithKey{Tenant: tenant, APIKey: key})
}

func (h *handlers) handleSetWebhook(c *gin.Context) {
	id, ok := tenantID(c)
	if !ok {
		return
	}
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request format")
		return
	}

	tenant, err := h.tenants.SetWebhook(c.Request.Context(), id, req.URL)
	if err != nil {
		utils.RespondError(c, h.logger, err)
		return
	}

	utils.OKResponse(c, "Webhook updated successfully", tenant)
}
