// Package postgres implements the storage ports on PostgreSQL through gorm.
// Every tenant lives in its own schema. Tenant methods run on the
// transaction txmanager.Postgres bound to the handle and address tables by
// their schema-qualified names, so a query can never land in another
// tenant's schema even if search_path were wrong.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
	"github.com/pavitra93/go-loyalty-ledger/shared/txmanager"
)

//go:embed schema/tenant.sql
var tenantSchema string

// Store is the PostgreSQL storage. It holds no transaction state; each
// call picks up the transaction from its context.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the shared tenant registry.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&models.Tenant{}); err != nil {
		return fmt.Errorf("migrate tenant registry: %w", err)
	}
	return nil
}

// table starts a query on a tenant table inside the transaction bound to h.
func table(ctx context.Context, h tenancy.Handle, name string) (*gorm.DB, error) {
	tx, err := txmanager.Tx(ctx, h)
	if err != nil {
		return nil, err
	}
	// gorm quotes each dotted part, giving "tenant_x"."name".
	return tx.Table(h.Namespace() + "." + name), nil
}

// schemaStatements renders the tenant DDL for h.
func schemaStatements(h tenancy.Handle) []string {
	ddl := strings.ReplaceAll(tenantSchema, "{{schema}}", h.QuotedNamespace())
	var out []string
	for _, stmt := range strings.Split(ddl, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return txmanager.Classify(err)
}

func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w", op, txmanager.Classify(err))
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
