// Package memory is an in-process implementation of every storage port and
// of the transaction manager. Transactions on one tenant are serialized and
// work on a private copy that replaces the committed state on success, so
// rollback is simply dropping the copy.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavitra93/go-loyalty-ledger/shared/apperrors"
	"github.com/pavitra93/go-loyalty-ledger/shared/models"
	"github.com/pavitra93/go-loyalty-ledger/shared/tenancy"
	"github.com/pavitra93/go-loyalty-ledger/shared/txmanager"
)

// Store holds the registry and every tenant namespace in memory.
type Store struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]models.Tenant
	data    map[string]*namespaceData
	locks   map[string]chan struct{}

	admin chan struct{}
	pool  *txmanager.Pool

	// FailProvisioning, when set, is consulted before a namespace is
	// created and aborts provisioning with the returned error.
	FailProvisioning func(h tenancy.Handle) error
}

// New creates an empty store. A nil pool gets a generous default.
func New(pool *txmanager.Pool) *Store {
	if pool == nil {
		pool = txmanager.NewPool(64, 5*time.Second, nil)
	}
	return &Store{
		tenants: make(map[uuid.UUID]models.Tenant),
		data:    make(map[string]*namespaceData),
		locks:   make(map[string]chan struct{}),
		admin:   make(chan struct{}, 1),
		pool:    pool,
	}
}

type tenantTx struct {
	data *namespaceData
}

type adminTx struct {
	tenants map[uuid.UUID]models.Tenant
	// touched holds working copies of namespaces this transaction read or
	// changed. A nil value marks a dropped namespace.
	touched map[string]*namespaceData
	unlocks []func()
}

// Run executes fn in a transaction bound to h.
func (s *Store) Run(ctx context.Context, h tenancy.Handle, fn func(ctx context.Context) error) error {
	parent, joined, err := txmanager.Join(ctx, h)
	if err != nil {
		return err
	}
	if joined {
		return fn(ctx)
	}
	if parent != nil {
		at := parent.Conn().(*adminTx)
		d, err := s.bindAdmin(ctx, at, h.Namespace())
		if err != nil {
			return err
		}
		if d == nil {
			return apperrors.ErrTenantNotFound
		}
		return fn(txmanager.WithScope(ctx, parent.Bind(h, &tenantTx{data: d})))
	}

	release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	unlock, err := s.lockNamespace(ctx, h.Namespace())
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.Lock()
	committed, ok := s.data[h.Namespace()]
	s.mu.Unlock()
	if !ok {
		return apperrors.ErrTenantNotFound
	}

	tx := &tenantTx{data: committed.clone()}
	scope := txmanager.NewScope(h, tx)
	if err := fn(txmanager.WithScope(ctx, scope)); err != nil {
		return err
	}

	s.mu.Lock()
	s.data[h.Namespace()] = tx.data
	s.mu.Unlock()
	scope.RunHooks()
	return nil
}

// RunAdmin executes fn in a transaction over the registry and namespaces.
func (s *Store) RunAdmin(ctx context.Context, fn func(ctx context.Context) error) error {
	if scope, ok := txmanager.FromContext(ctx); ok {
		if !scope.Admin() {
			return fmt.Errorf("%w: admin work inside tenant transaction", apperrors.ErrNamespaceMismatch)
		}
		return fn(ctx)
	}

	release, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	select {
	case s.admin <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.admin }()

	s.mu.Lock()
	at := &adminTx{
		tenants: make(map[uuid.UUID]models.Tenant, len(s.tenants)),
		touched: make(map[string]*namespaceData),
	}
	for id, t := range s.tenants {
		at.tenants[id] = t
	}
	s.mu.Unlock()
	defer func() {
		for i := len(at.unlocks) - 1; i >= 0; i-- {
			at.unlocks[i]()
		}
	}()

	scope := txmanager.NewScope(tenancy.Handle{}, at)
	if err := fn(txmanager.WithScope(ctx, scope)); err != nil {
		return err
	}

	s.mu.Lock()
	s.tenants = at.tenants
	for ns, d := range at.touched {
		if d == nil {
			delete(s.data, ns)
			continue
		}
		s.data[ns] = d
	}
	s.mu.Unlock()
	scope.RunHooks()
	return nil
}

// bindAdmin returns the admin transaction's working copy of a namespace,
// locking the namespace on first touch. It returns nil for namespaces that
// do not exist.
func (s *Store) bindAdmin(ctx context.Context, at *adminTx, ns string) (*namespaceData, error) {
	if d, ok := at.touched[ns]; ok {
		return d, nil
	}
	unlock, err := s.lockNamespace(ctx, ns)
	if err != nil {
		return nil, err
	}
	at.unlocks = append(at.unlocks, unlock)

	s.mu.Lock()
	committed, ok := s.data[ns]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}
	d := committed.clone()
	at.touched[ns] = d
	return d, nil
}

func (s *Store) lockNamespace(ctx context.Context, ns string) (func(), error) {
	s.mu.Lock()
	lock, ok := s.locks[ns]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[ns] = lock
	}
	s.mu.Unlock()

	select {
	case lock <- struct{}{}:
		return func() { <-lock }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) tenantData(ctx context.Context, h tenancy.Handle) (*namespaceData, error) {
	scope, err := txmanager.Current(ctx, h)
	if err != nil {
		return nil, err
	}
	tx, ok := scope.Conn().(*tenantTx)
	if !ok {
		return nil, fmt.Errorf("scope carries %T, not a memory transaction", scope.Conn())
	}
	return tx.data, nil
}

func (s *Store) adminData(ctx context.Context) (*adminTx, error) {
	scope, err := txmanager.CurrentAdmin(ctx)
	if err != nil {
		return nil, err
	}
	at, ok := scope.Conn().(*adminTx)
	if !ok {
		return nil, fmt.Errorf("scope carries %T, not a memory transaction", scope.Conn())
	}
	return at, nil
}
