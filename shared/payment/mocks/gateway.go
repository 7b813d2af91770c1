// Package mocks provides a scriptable payment gateway for tests.
package mocks

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/pavitra93/go-loyalty-ledger/shared/payment"
)

// Gateway records every call and answers from the configured funcs. Unset
// funcs authorize everything, void successfully and look up what was
// authorized through this mock.
type Gateway struct {
	mu sync.Mutex

	AuthorizeFunc func(ctx context.Context, req payment.AuthorizationRequest) (*payment.Authorization, error)
	VoidFunc      func(ctx context.Context, ref string) error
	LookupFunc    func(ctx context.Context, redemptionID uuid.UUID) (*payment.Authorization, error)

	AuthorizeCalls []payment.AuthorizationRequest
	VoidCalls      []string
	LookupCalls    []uuid.UUID

	holds map[uuid.UUID]*payment.Authorization
}

func NewGateway() *Gateway {
	return &Gateway{holds: make(map[uuid.UUID]*payment.Authorization)}
}

func (g *Gateway) Authorize(ctx context.Context, req payment.AuthorizationRequest) (*payment.Authorization, error) {
	g.mu.Lock()
	g.AuthorizeCalls = append(g.AuthorizeCalls, req)
	fn := g.AuthorizeFunc
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if hold, ok := g.holds[req.RedemptionID]; ok {
		return hold, nil
	}
	hold := &payment.Authorization{Ref: "pi_" + req.RedemptionID.String(), State: payment.StateAuthorized}
	g.holds[req.RedemptionID] = hold
	return hold, nil
}

func (g *Gateway) Void(ctx context.Context, ref string) error {
	g.mu.Lock()
	g.VoidCalls = append(g.VoidCalls, ref)
	fn := g.VoidFunc
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, ref)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for id, hold := range g.holds {
		if hold.Ref == ref {
			g.holds[id] = &payment.Authorization{Ref: ref, State: payment.StateVoided}
		}
	}
	return nil
}

func (g *Gateway) Lookup(ctx context.Context, redemptionID uuid.UUID) (*payment.Authorization, error) {
	g.mu.Lock()
	g.LookupCalls = append(g.LookupCalls, redemptionID)
	fn := g.LookupFunc
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, redemptionID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if hold, ok := g.holds[redemptionID]; ok {
		return hold, nil
	}
	return &payment.Authorization{State: payment.StateNotFound}, nil
}

// Hold places an authorization as if a previous call had succeeded at the
// provider without the caller seeing the answer.
func (g *Gateway) Hold(redemptionID uuid.UUID, ref string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.holds[redemptionID] = &payment.Authorization{Ref: ref, State: payment.StateAuthorized}
}

// HoldState returns the provider-side state for a redemption.
func (g *Gateway) HoldState(redemptionID uuid.UUID) payment.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if hold, ok := g.holds[redemptionID]; ok {
		return hold.State
	}
	return payment.StateNotFound
}

func (g *Gateway) AuthorizeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.AuthorizeCalls)
}

func (g *Gateway) VoidCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.VoidCalls)
}

func (g *Gateway) LookupCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.LookupCalls)
}

var _ payment.Gateway = (*Gateway)(nil)
