package pmode

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrPModeNotFound is returned when no PMode matches a lookup
var ErrPModeNotFound = errors.New("P-Mode not found")

// Registry holds PModes shared by concurrent requests. Entries are
// validated and cloned on registration and replaced as a whole, so a reader
// never observes a half-updated PMode.
type Registry struct {
	mu     sync.RWMutex
	pmodes map[string]*PMode
	idFunc IDProvider
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		pmodes: make(map[string]*PMode),
		idFunc: DefaultIDProvider,
	}
}

// WithIDProvider sets how IDs are derived from party IDs in Resolve
func (r *Registry) WithIDProvider(fn IDProvider) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn != nil {
		r.idFunc = fn
	}
	return r
}

// Register validates p and stores a private copy of it, replacing any
// PMode with the same ID.
func (r *Registry) Register(p *PMode) error {
	if err := p.Validate(); err != nil {
		return err
	}
	stored := p.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pmodes[stored.ID] = stored
	return nil
}

// Get retrieves a PMode by ID. The returned value must not be modified.
func (r *Registry) Get(id string) (*PMode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pmodes[id]
	return p, ok
}

// Remove deletes a PMode
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pmodes, id)
}

// IDs returns the registered IDs in sorted order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.pmodes))
	for id := range r.pmodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered PModes
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pmodes)
}

// Resolve finds the PMode for an exchange between two parties. The ID
// derived from both party IDs wins; otherwise the first PMode (by ID) whose
// parties match is used. An empty address matches any leg 1 address.
func (r *Registry) Resolve(initiatorID, responderID, address string) (*PMode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if initiatorID != "" && responderID != "" {
		if p, ok := r.pmodes[r.idFunc(initiatorID, responderID)]; ok {
			return p, nil
		}
	}

	ids := make([]string, 0, len(r.pmodes))
	for id := range r.pmodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := r.pmodes[id]
		if !partyMatches(p.Initiator, initiatorID) || !partyMatches(p.Responder, responderID) {
			continue
		}
		if address != "" && p.Leg1.Address() != "" && p.Leg1.Address() != address {
			continue
		}
		return p, nil
	}
	return nil, fmt.Errorf("%w: initiator=%q responder=%q", ErrPModeNotFound, initiatorID, responderID)
}

func partyMatches(party *Party, id string) bool {
	if id == "" {
		return true
	}
	return party != nil && party.ID == id
}
