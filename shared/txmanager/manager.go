// Package txmanager scopes units of work to exactly one tenant namespace.
//
// A Run binds a database transaction to a tenancy.Handle and carries it in
// the context. Storage code pulls the transaction back out with Current and
// refuses to work without one, so nothing reaches a namespace outside a
// transaction bound to it.
package txmanager

import (
	"context"
	"fmt"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
)

// Manager runs units of work inside a transaction bound to one tenant.
type Manager interface {
	Run(ctx context.Context, h tenancy.Handle, fn func(ctx context.Context) error) error
}

// AdminManager also runs unbound transactions over the tenant registry and
// namespace DDL. A tenant Run nested in RunAdmin joins the admin transaction.
type AdminManager interface {
	Manager
	RunAdmin(ctx context.Context, fn func(ctx context.Context) error) error
}

type scopeKey struct{}

// Scope is the transaction carried by a context.
type Scope struct {
	handle tenancy.Handle
	conn   any
	root   *Scope
	hooks  []func()
}

// NewScope starts a root scope. A zero handle marks an admin scope.
func NewScope(h tenancy.Handle, conn any) *Scope {
	s := &Scope{handle: h, conn: conn}
	s.root = s
	return s
}

// Bind derives a tenant scope sharing this scope's transaction and hooks.
func (s *Scope) Bind(h tenancy.Handle, conn any) *Scope {
	return &Scope{handle: h, conn: conn, root: s.root}
}

func (s *Scope) Handle() tenancy.Handle { return s.handle }

// Conn returns the driver transaction.
func (s *Scope) Conn() any { return s.conn }

// Admin reports whether the scope is not bound to a tenant.
func (s *Scope) Admin() bool { return s.handle.IsZero() }

// RunHooks executes the commit hooks of the root scope in registration order.
func (s *Scope) RunHooks() {
	hooks := s.root.hooks
	s.root.hooks = nil
	for _, fn := range hooks {
		fn()
	}
}

// WithScope returns a context carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope carried by ctx, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}

// Current returns the scope bound to h. It fails with ErrNoTransaction when
// ctx carries no transaction and with ErrNamespaceMismatch when the carried
// transaction belongs to another tenant.
func Current(ctx context.Context, h tenancy.Handle) (*Scope, error) {
	s, ok := FromContext(ctx)
	if !ok {
		return nil, apperrors.ErrNoTransaction
	}
	if s.handle != h {
		return nil, fmt.Errorf("%w: bound to %q, requested %q", apperrors.ErrNamespaceMismatch, s.handle.Namespace(), h.Namespace())
	}
	return s, nil
}

// CurrentAdmin returns the admin scope carried by ctx.
func CurrentAdmin(ctx context.Context) (*Scope, error) {
	s, ok := FromContext(ctx)
	if !ok {
		return nil, apperrors.ErrNoTransaction
	}
	if !s.Admin() {
		return nil, fmt.Errorf("%w: admin work inside tenant transaction %q", apperrors.ErrNamespaceMismatch, s.handle.Namespace())
	}
	return s, nil
}

// Join decides how a Run for h relates to the transaction already in ctx.
// It returns (nil, false) when a new transaction is needed, (s, true) when
// s is already bound to h, and (s, false) when s is an admin scope the run
// should bind into.
func Join(ctx context.Context, h tenancy.Handle) (*Scope, bool, error) {
	if h.IsZero() {
		return nil, false, apperrors.ErrTenantNotFound
	}
	s, ok := FromContext(ctx)
	if !ok {
		return nil, false, nil
	}
	if s.handle == h {
		return s, true, nil
	}
	if s.Admin() {
		return s, false, nil
	}
	return nil, false, fmt.Errorf("%w: bound to %q, requested %q", apperrors.ErrNamespaceMismatch, s.handle.Namespace(), h.Namespace())
}

// OnCommit registers fn to run after the outermost transaction in ctx
// commits. Hooks are dropped on rollback. Outside a transaction fn runs
// immediately.
func OnCommit(ctx context.Context, fn func()) {
	s, ok := FromContext(ctx)
	if !ok {
		fn()
		return
	}
	s.root.hooks = append(s.root.hooks, fn)
}
