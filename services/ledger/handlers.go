package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-loyalty-ledger/shared/audit"
	"github.com/pavitra93/go-loyalty-ledger/shared/catalog"
	"github.com/pavitra93/go-loyalty-ledger/shared/ledger"
	"github.com/pavitra93/go-loyalty-ledger/shared/middleware"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/redemption"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
	"github.com/pavitra93/go-loyalty-ledger/shared/utils"
)

// API bundles what the handlers need.
type API struct {
	Ledger      *ledger.Ledger
	Catalog     *catalog.Catalog
	Redemptions *redemption.Workflow
	Audit       *audit.Recorder
	Logger      *logrus.Logger
}

// CreateCustomerRequest represents the create customer request
type CreateCustomerRequest struct {
	ID                 *uuid.UUID `json:"id"`
	Name               string     `json:"name" binding:"required"`
	Email              string     `json:"email"`
	Phone              string     `json:"phone"`
	WalletAddress      *string    `json:"wallet_address"`
	PaymentCustomerRef *string    `json:"payment_customer_ref"`
}

// PointsRequest is the body of credit and debit calls.
type PointsRequest struct {
	Amount      int64      `json:"amount" binding:"required"`
	Note        string     `json:"note"`
	ReferenceID *uuid.UUID `json:"reference_id"`
}

// TransferRequest represents a points transfer between two customers
type TransferRequest struct {
	FromCustomerID uuid.UUID `json:"from_customer_id" binding:"required"`
	ToCustomerID   uuid.UUID `json:"to_customer_id" binding:"required"`
	Amount         int64     `json:"amount" binding:"required"`
	Note           string    `json:"note"`
}

// ReverseRequest represents an entry reversal
type ReverseRequest struct {
	Note string `json:"note"`
}

// CreateRewardRequest represents the create reward request
type CreateRewardRequest struct {
	Name       string `json:"name" binding:"required"`
	PointsCost int64  `json:"points_cost" binding:"required"`
	Stock      *int64 `json:"stock"`
	PriceCents *int64 `json:"price_cents"`
	Currency   string `json:"currency"`
}

// UpdateRewardRequest toggles a reward or adds stock.
type UpdateRewardRequest struct {
	Active  *bool  `json:"active"`
	Restock *int64 `json:"restock"`
}

// RedeemRequest represents a redemption. RedemptionID makes retries safe:
// resubmitting the same id returns the recorded outcome.
type RedeemRequest struct {
	CustomerID   uuid.UUID  `json:"customer_id" binding:"required"`
	RewardID     uuid.UUID  `json:"reward_id" binding:"required"`
	RedemptionID *uuid.UUID `json:"redemption_id"`
}

// BalanceResponse is a derived balance.
type BalanceResponse struct {
	CustomerID uuid.UUID `json:"customer_id"`
	Balance    int64     `json:"balance"`
}

// TransferResponse holds both legs of a transfer.
type TransferResponse struct {
	Debit  *models.PointsEntry `json:"debit"`
	Credit *models.PointsEntry `json:"credit"`
}

func (a *API) handle(c *gin.Context) (tenancy.Handle, bool) {
	h, ok := middleware.HandleFromContext(c)
	if !ok {
		utils.UnauthorizedResponse(c, "tenant credential required")
	}
	return h, ok
}

func paramID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		utils.BadRequestResponse(c, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		utils.BadRequestResponse(c, "invalid limit")
		return 0, false
	}
	return limit, true
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		utils.BadRequestResponse(c, "Invalid request format")
		return false
	}
	return true
}

func (a *API) handleCreateCustomer(c *gin.Context) {
	h, ok := a.handle(c)
	if !ok {
		return
	}
	var req CreateCustomerRequest
	if !bindJSON(c, &req) {
		return
	}
	in := catalog.NewCustomer{
		Name:               req.Name,
		Email:              req.Email,
		Phone:              req.Phone,
		WalletAddress:      req.WalletAddress,
		PaymentCustomerRef: req.PaymentCustomerRef,
	}
	if req.ID != nil {
		in.ID = *req.ID
	}
	customer, err := a.Catalog.CreateCustomer(c.Request.Context(), h, in)
	if err != nil {
		utils.RespondError(c, a.Logger, err)
		return
	}
	utils.CreatedResponse(c, "Customer created successfully", customer)
}

func (a *API) handleGetCustomer(c *gin.Context) {
	h, ok := a.handle(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	customer, err := a.Catalog.GetCustomer(c.Request.Context(), h, id)
	if err != nil {
		utils.RespondError(c, a.Logger, err)
		return
	}
	utils.OKResponse(c, "Customer retrieved successfully", customer)
}

func (a *API) handleGetBalance(c *gin.Context) {
	h, ok := a.handle(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	balance, err := a.Ledger.BalanceOf(c.Request.Context(), h, id)
	if err != nil {
		utils.RespondError(c, a.Logger, err)
		return
	}
	utils.OKResponse(c, "Balance retrieved successfully", BalanceResponse{CustomerID: id, Balance: balance})
}

func (a *API) handleListEntries(c *gin.Context) {
	h, ok := a.handle(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	entries, err := a.Ledger.History(c.Request.Context(), h, id, limit)
	if err != nil {
		utils.RespondError(c, a.Logger, err)
		return
	}
	utils.OKResponse(c, "Entries retrieved successfully", entries)
}

func (a *API) handleCredit(c *gin.Context) {
	a.handlePoints(c, a.Ledger.Credit, "Points credited successfully")
}

func (a *API) handleDebit(c *gin.Context) {
	a.handlePoints(c, a.Ledger.Debit, "Points debited successfully")
}

type pointsFunc func(ctx context.Context, h tenancy.Handle, customerID uuid.UUID, amount int64, note string, opts ...ledger.Option) (*models.PointsEntry, error)

func (a *API) handlePoints(c *gin.Context, apply pointsFunc, message string) {
	h, ok := a.handle(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req PointsRequest
	if !bindJSON(c, &req) {
		return
	}
	var opts []ledger.Option
	if req.ReferenceID != nil {
		opts = append(opts, ledger.WithReference(*req.ReferenceID))
	}
	entry, err := apply(c.Request.Context(), h, id, req.Amount, req.Note, opts...)
	if err != nil {
		utils.RespondError(c, a.Logger, err)
		return
	}
	utils.CreatedResponse(c, message, entry)
}

func (a *API) handleTransfer(c *gin.Context) {
	h, ok := a.handle(c)
	if !ok {
		return
	}
	var req TransferRequest
	if !bindJSON(c, &req) {
		return
	}
	out, in, err := a.Ledger.Transfer(c.Request.Context(), h, req.FromCustomerID, req.ToCustomerID, req.Amount, req.Note)
	if err != nil {
		utils.RespondError(c, a.Logger, err)
		return
	}
	utils.CreatedResponse(c, "Points transferred successfully", TransferResponse{Debit: out, Credit: in})
}

func (a *API) handleReverse(c *gin.Context) {
	h, ok := a.handle(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req ReverseRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	entry, err := a.Ledger.Reverse(c.Request.Context(), h, id, req.Note)
	if err != nil {
		utils.RespondError(c, a.Logger, err)
		return
	}
	utils.CreatedResponse(c, "Entry reversed successfully", entry)
}

func (a *API) handleCreateReward(c *gin.Context) {
	h, ok := a.handle(c)
	if !ok {
		return
	}
	var req CreateRewardRequest
	if !bindJSON(c, &req) {
		return
	}
	reward, err := a.Catalog.CreateReward(c.Request.Context(), h, catalog.NewReward{
		Name:       req.Name,
		PointsCost: req.PointsCost,
		Stock:      req.Stock,
		PriceCents: req.PriceCents,
		Currency:   req.Currency,
	})
	if err != nil {
		utils.RespondError(c, a.Logger, err)
		return
	}
	utils.CreatedResponse(c, "Reward created successfully", reward)
}

func (a *API) handleGetReward(c *gin.Context) {
	h, ok := a.handle(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	reward, err := a.Catalog.GetReward(c.Request.Context(), h, id)
	if err != nil {
		utils.RespondError(c, a.Logger, err)
		return
	}
	utils.OKResponse(c, "Reward retrieved successfully", reward)
}

func (a *API) handleUpdateReward(c *gin.Context) {
	h, ok := a.handle(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req UpdateRewardRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Active == nil && req.Restock == nil {
		utils.BadRequestResponse(c, "nothing to update")
		return
	}

	var (
		reward *models.Reward
		err    error
	)
	if req.Restock != nil {
		reward, err = a.Catalog.RestockReward(c.Request.Context(), h, id, *req.Restock)
	}
	if err == nil && req.Active != nil {
		reward, err = a.Catalog.SetRewardActive(c.Request.Context(), h, id, *req.Active)
	}
	if err != nil {
		utils.RespondError(c, a.Logger, err)
		return
	}
	utils.OKResponse(c, "Reward updated successfully", reward)
}

func (a *API) handleRedeem(c *gin.Context) {
	h, ok := a.handle(c)
	if !ok {
		return
	}
	var req RedeemRequest
	if !bindJSON(c, &req) {
		return
	}
	var opts []redemption.Option
	if req.RedemptionID != nil {
		opts = append(opts, redemption.WithRedemptionID(*req.RedemptionID))
	}
	rec, err := a.Redemptions.Redeem(c.Request.Context(), h, req.CustomerID, req.RewardID, opts...)
	if err != nil {
		if rec != nil {
			utils.RespondErrorWithData(c, a.Logger, err, rec)
		} else {
			utils.RespondError(c, a.Logger, err)
		}
		return
	}
	utils.CreatedResponse(c, "Reward redeemed successfully", rec)
}

func (a *API) handleGetRedemption(c *gin.Context) {
	h, ok := a.handle(c)
	if !ok {
		return
	}
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	rec, err := a.Redemptions.Get(c.Request.Context(), h, id)
	if err != nil {
		utils.RespondError(c, a.Logger, err)
		return
	}
	utils.OKResponse(c, "Redemption retrieved successfully", rec)
}

func (a *API) handleListAudit(c *gin.Context) {
	h, ok := a.handle(c)
	if !ok {
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	filter := models.AuditFilter{
		Action:      c.Query("action"),
		SubjectType: c.Query("subject_type"),
		Limit:       limit,
	}
	if raw := c.Query("subject_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			utils.BadRequestResponse(c, "invalid subject_id")
			return
		}
		filter.SubjectID = &id
	}
	entries, err := a.Audit.List(c.Request.Context(), h, filter)
	if err != nil {
		utils.RespondError(c, a.Logger, err)
		return
	}
	utils.OKResponse(c, "Audit entries retrieved successfully", entries)
}
