package msh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pondersource/phase4/pkg/pmode"
)

// PModeResolver finds the P-Mode governing an incoming message. It backs
// both static point-to-point configurations and lookups against an
// external P-Mode source.
type PModeResolver interface {
	// ResolveByID returns the P-Mode named by AgreementRef/@pmode
	ResolveByID(ctx context.Context, id string) (*pmode.PMode, error)
	// Resolve returns the P-Mode for an exchange between two parties. An
	// empty address matches any endpoint.
	Resolve(ctx context.Context, initiatorID, responderID, address string) (*pmode.PMode, error)
	// ResolveByMPC returns the P-Mode of a pull channel
	ResolveByMPC(ctx context.Context, mpc string) (*pmode.PMode, error)
}

// StaticPModeResolver resolves against a fixed pmode.Registry
type StaticPModeResolver struct {
	registry *pmode.Registry
}

// NewStaticPModeResolver creates a resolver over registry
func NewStaticPModeResolver(registry *pmode.Registry) *StaticPModeResolver {
	return &StaticPModeResolver{registry: registry}
}

// ResolveByID implements PModeResolver
func (r *StaticPModeResolver) ResolveByID(ctx context.Context, id string) (*pmode.PMode, error) {
	p, ok := r.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", pmode.ErrPModeNotFound, id)
	}
	return p, nil
}

// Resolve implements PModeResolver
func (r *StaticPModeResolver) Resolve(ctx context.Context, initiatorID, responderID, address string) (*pmode.PMode, error) {
	return r.registry.Resolve(initiatorID, responderID, address)
}

// ResolveByMPC implements PModeResolver. The first P-Mode (by ID) whose
// leg 1 uses mpc wins; an empty mpc stands for the default MPC.
func (r *StaticPModeResolver) ResolveByMPC(ctx context.Context, mpc string) (*pmode.PMode, error) {
	if mpc == "" {
		mpc = pmode.DefaultMPCID
	}
	for _, id := range r.registry.IDs() {
		p, ok := r.registry.Get(id)
		if !ok || p.Leg1 == nil {
			continue
		}
		legMPC := pmode.DefaultMPCID
		if p.Leg1.BusinessInfo != nil && p.Leg1.BusinessInfo.MPC != "" {
			legMPC = p.Leg1.BusinessInfo.MPC
		}
		if legMPC == mpc {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: mpc=%q", pmode.ErrPModeNotFound, mpc)
}

// PModeLookupFunc fetches a P-Mode from an external source, e.g. a partner
// directory. key is either a P-Mode ID or "initiator|responder".
type PModeLookupFunc func(ctx context.Context, key string) (*pmode.PMode, error)

// DynamicPModeResolver caches the results of a lookup function
type DynamicPModeResolver struct {
	mu       sync.RWMutex
	cache    map[string]*cachedPMode
	lookup   PModeLookupFunc
	cacheTTL time.Duration
	now      func() time.Time
}

type cachedPMode struct {
	pmode     *pmode.PMode
	expiresAt time.Time
}

// NewDynamicPModeResolver creates a resolver calling lookup on cache misses
func NewDynamicPModeResolver(lookup PModeLookupFunc, cacheTTL time.Duration) *DynamicPModeResolver {
	return &DynamicPModeResolver{
		cache:    make(map[string]*cachedPMode),
		lookup:   lookup,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// ResolveByID implements PModeResolver
func (r *DynamicPModeResolver) ResolveByID(ctx context.Context, id string) (*pmode.PMode, error) {
	return r.resolve(ctx, id)
}

// Resolve implements PModeResolver. The address is not part of the key.
func (r *DynamicPModeResolver) Resolve(ctx context.Context, initiatorID, responderID, address string) (*pmode.PMode, error) {
	return r.resolve(ctx, initiatorID+"|"+responderID)
}

// ResolveByMPC implements PModeResolver; pull channels are not discovered
func (r *DynamicPModeResolver) ResolveByMPC(ctx context.Context, mpc string) (*pmode.PMode, error) {
	return nil, fmt.Errorf("%w: mpc=%q", pmode.ErrPModeNotFound, mpc)
}

func (r *DynamicPModeResolver) resolve(ctx context.Context, key string) (*pmode.PMode, error) {
	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && r.now().Before(cached.expiresAt) {
		return cached.pmode, nil
	}

	if r.lookup == nil {
		return nil, fmt.Errorf("%w: no lookup function configured", pmode.ErrPModeNotFound)
	}
	p, err := r.lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", pmode.ErrPModeNotFound, key)
	}

	r.mu.Lock()
	r.cache[key] = &cachedPMode{pmode: p, expiresAt: r.now().Add(r.cacheTTL)}
	r.mu.Unlock()
	return p, nil
}

// Invalidate drops a cached entry
func (r *DynamicPModeResolver) Invalidate(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, key)
}

// MultiPModeResolver tries resolvers in order, e.g. static first and
// dynamic second
type MultiPModeResolver struct {
	resolvers []PModeResolver
}

// NewMultiPModeResolver creates a resolver chaining resolvers
func NewMultiPModeResolver(resolvers ...PModeResolver) *MultiPModeResolver {
	return &MultiPModeResolver{resolvers: resolvers}
}

// ResolveByID implements PModeResolver
func (r *MultiPModeResolver) ResolveByID(ctx context.Context, id string) (*pmode.PMode, error) {
	return r.first(func(res PModeResolver) (*pmode.PMode, error) { return res.ResolveByID(ctx, id) })
}

// Resolve implements PModeResolver
func (r *MultiPModeResolver) Resolve(ctx context.Context, initiatorID, responderID, address string) (*pmode.PMode, error) {
	return r.first(func(res PModeResolver) (*pmode.PMode, error) {
		return res.Resolve(ctx, initiatorID, responderID, address)
	})
}

// ResolveByMPC implements PModeResolver
func (r *MultiPModeResolver) ResolveByMPC(ctx context.Context, mpc string) (*pmode.PMode, error) {
	return r.first(func(res PModeResolver) (*pmode.PMode, error) { return res.ResolveByMPC(ctx, mpc) })
}

func (r *MultiPModeResolver) first(fn func(PModeResolver) (*pmode.PMode, error)) (*pmode.PMode, error) {
	var errs []error
	for _, res := range r.resolvers {
		p, err := fn(res)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no resolvers configured", pmode.ErrPModeNotFound)
	}
	return nil, errors.Join(errs...)
}
