package txmanager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

// Postgres runs transactions on a gorm connection, one schema per tenant.
type Postgres struct {
	db        *gorm.DB
	pool      *Pool
	isolation sql.IsolationLevel
}

// NewPostgres creates a manager. isolation accepts the DB_ISOLATION values
// "read committed" and "serializable".
func NewPostgres(db *gorm.DB, pool *Pool, isolation string) (*Postgres, error) {
	level, err := ParseIsolation(isolation)
	if err != nil {
		return nil, err
	}
	return &Postgres{db: db, pool: pool, isolation: level}, nil
}

// ParseIsolation maps a config string to a sql isolation level.
//
// Repeatable read is refused: its snapshot is taken before the customer
// row lock is granted, so a balance summed after the lock can miss a debit
// committed while waiting for it. Serializable aborts that case with a
// serialization failure instead.
func ParseIsolation(s string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "read committed", "read_committed":
		return sql.LevelReadCommitted, nil
	case "repeatable read", "repeatable_read":
		return 0, fmt.Errorf("isolation level %q cannot guard balances, use read committed or serializable", s)
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return 0, fmt.Errorf("unsupported isolation level %q", s)
	}
}

// Run executes fn in a transaction bound to h.
func (m *Postgres) Run(ctx context.Context, h tenancy.Handle, fn func(ctx context.Context) error) error {
	parent, joined, err := Join(ctx, h)
	if err != nil {
		return err
	}
	if joined {
		return fn(ctx)
	}
	if parent != nil {
		return m.bindAdmin(ctx, parent, h, fn)
	}
	return m.begin(ctx, h, fn)
}

// RunAdmin executes fn in a transaction not bound to any tenant.
func (m *Postgres) RunAdmin(ctx context.Context, fn func(ctx context.Context) error) error {
	if s, ok := FromContext(ctx); ok {
		if !s.Admin() {
			return fmt.Errorf("%w: admin work inside tenant transaction", apperrors.ErrNamespaceMismatch)
		}
		return fn(ctx)
	}
	return m.begin(ctx, tenancy.Handle{}, fn)
}

func (m *Postgres) begin(ctx context.Context, h tenancy.Handle, fn func(ctx context.Context) error) (err error) {
	release, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	tx := m.db.WithContext(ctx).Begin(&sql.TxOptions{Isolation: m.isolation})
	if tx.Error != nil {
		return fmt.Errorf("begin transaction: %w", Classify(tx.Error))
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		}
	}()

	if !h.IsZero() {
		if err = setSearchPath(tx, h); err != nil {
			return err
		}
	}

	scope := NewScope(h, tx)
	if err = fn(WithScope(ctx, scope)); err != nil {
		if !h.IsZero() {
			return classifyTenant(err)
		}
		return Classify(err)
	}
	if err = tx.Commit().Error; err != nil {
		return fmt.Errorf("commit transaction: %w", Classify(err))
	}
	scope.RunHooks()
	return nil
}

// bindAdmin points the admin transaction at h for the duration of fn.
func (m *Postgres) bindAdmin(ctx context.Context, parent *Scope, h tenancy.Handle, fn func(ctx context.Context) error) error {
	tx, ok := parent.Conn().(*gorm.DB)
	if !ok {
		return fmt.Errorf("admin scope carries %T, want *gorm.DB", parent.Conn())
	}
	if err := setSearchPath(tx, h); err != nil {
		return err
	}
	err := fn(WithScope(ctx, parent.Bind(h, tx)))
	if resetErr := tx.Exec("SET LOCAL search_path TO public").Error; resetErr != nil && err == nil {
		err = fmt.Errorf("reset search_path: %w", Classify(resetErr))
	}
	return err
}

func setSearchPath(tx *gorm.DB, h tenancy.Handle) error {
	if err := tx.Exec("SET LOCAL search_path TO " + h.QuotedNamespace() + ", public").Error; err != nil {
		return fmt.Errorf("set search_path for %s: %w", h.Namespace(), Classify(err))
	}
	return nil
}

// Tx returns the gorm transaction bound to h in ctx.
func Tx(ctx context.Context, h tenancy.Handle) (*gorm.DB, error) {
	s, err := Current(ctx, h)
	if err != nil {
		return nil, err
	}
	return gormConn(s)
}

// AdminTx returns the gorm transaction of the admin scope in ctx.
func AdminTx(ctx context.Context) (*gorm.DB, error) {
	s, err := CurrentAdmin(ctx)
	if err != nil {
		return nil, err
	}
	return gormConn(s)
}

func gormConn(s *Scope) (*gorm.DB, error) {
	tx, ok := s.Conn().(*gorm.DB)
	if !ok {
		return nil, fmt.Errorf("scope carries %T, want *gorm.DB", s.Conn())
	}
	return tx, nil
}

// Classify maps PostgreSQL failures onto the shared sentinels. Errors that
// already carry a sentinel, and non-database errors, pass through.
func Classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", apperrors.ErrRetriableConflict, pgErr.Message)
	case "23505":
		return fmt.Errorf("%w: %s", apperrors.ErrDuplicate, pgErr.ConstraintName)
	case "53300":
		return fmt.Errorf("%w: %s", apperrors.ErrPoolExhausted, pgErr.Message)
	}
	return err
}

// classifyTenant is Classify for tenant-bound work. A handle cached before
// its tenant was deleted points at a schema that no longer exists, which is
// a stale credential rather than a server fault.
func classifyTenant(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "3F000", "42P01":
			return fmt.Errorf("%w: tenant namespace no longer exists", apperrors.ErrInvalidTenantCredential)
		}
	}
	return Classify(err)
}
