package msh

import (
	"context"
	"fmt"
	"sync"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/security"
)

// Processor handles one SOAP header element. It may read and update the
// state and append to errs. Returning a non-nil error marks the header as
// failed; processing of further headers stops.
type Processor interface {
	ProcessHeaderElement(ctx context.Context, doc *etree.Document, header *etree.Element,
		attachments []*attachment.Attachment, state *MessageState, errs *message.ErrorList) error
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, doc *etree.Document, header *etree.Element,
	attachments []*attachment.Attachment, state *MessageState, errs *message.ErrorList) error

// ProcessHeaderElement implements Processor
func (f ProcessorFunc) ProcessHeaderElement(ctx context.Context, doc *etree.Document, header *etree.Element,
	attachments []*attachment.Attachment, state *MessageState, errs *message.ErrorList) error {
	return f(ctx, doc, header, attachments, state, errs)
}

type registration struct {
	name      QName
	processor Processor
}

// Registry holds header processors in registration order. The order is the
// order in which they run against an incoming message.
type Registry struct {
	mu      sync.RWMutex
	entries []registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// NewDefaultRegistry registers the ebMS Messaging processor followed by the
// WS-Security processor. binding may be nil when no security processing is
// needed; the Security header then stays unprocessed.
func NewDefaultRegistry(resolver PModeResolver, binding security.Binding, fallback *pmode.PMode) *Registry {
	r := NewRegistry()
	_ = r.Register(QNameMessaging, &MessagingProcessor{Resolver: resolver, Fallback: fallback})
	if binding != nil {
		_ = r.Register(QNameSecurity, &SecurityProcessor{Binding: binding})
	}
	return r
}

// Register appends a processor for the header element name
func (r *Registry) Register(name QName, p Processor) error {
	if p == nil {
		return fmt.Errorf("processor for %s is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateProcessor, name)
		}
	}
	r.entries = append(r.entries, registration{name: name, processor: p})
	return nil
}

// Processor returns the processor registered for name
func (r *Registry) Processor(name QName) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.name == name {
			return e.processor, true
		}
	}
	return nil, false
}

// Contains reports whether a processor is registered for name
func (r *Registry) Contains(name QName) bool {
	_, ok := r.Processor(name)
	return ok
}

// Names returns the registered names in order
func (r *Registry) Names() []QName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]QName, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}
	return names
}

func (r *Registry) snapshot() []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]registration(nil), r.entries...)
}
