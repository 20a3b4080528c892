package msh

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/soap"
)

// ProfileValidator checks incoming user messages against the rules of a
// network profile. Findings are appended to errs.
type ProfileValidator interface {
	ValidatePMode(p *pmode.PMode, errs *message.ErrorList)
	ValidateUserMessage(um *message.UserMessage, errs *message.ErrorList)
}

// Profile is a named set of rules. Validator may be nil.
type Profile struct {
	ID          string
	DisplayName string
	Validator   ProfileValidator
}

// ProfileSelector decides which profile applies to an incoming message
type ProfileSelector interface {
	// ProfileID returns "" when no profile applies
	ProfileID(state *MessageState) string
	ValidateAgainstProfile() bool
}

// StaticProfileSelector selects the same profile for every message
type StaticProfileSelector struct {
	ID       string
	Validate bool
}

// ProfileID implements ProfileSelector
func (s StaticProfileSelector) ProfileID(*MessageState) string { return s.ID }

// ValidateAgainstProfile implements ProfileSelector
func (s StaticProfileSelector) ValidateAgainstProfile() bool { return s.Validate }

// ProfileRegistry holds the known profiles
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewProfileRegistry creates a registry holding profiles
func NewProfileRegistry(profiles ...*Profile) (*ProfileRegistry, error) {
	r := &ProfileRegistry{profiles: make(map[string]*Profile)}
	for _, p := range profiles {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a profile; IDs must be unique
func (r *ProfileRegistry) Register(p *Profile) error {
	if p == nil || p.ID == "" {
		return errors.New("profile ID is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[p.ID]; ok {
		return fmt.Errorf("profile %q already registered", p.ID)
	}
	r.profiles[p.ID] = p
	return nil
}

// Get returns the profile with the given ID
func (r *ProfileRegistry) Get(id string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	return p, ok
}

// IDs returns the registered profile IDs, sorted
func (r *ProfileRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CommonProfileID identifies the profile backed by CommonValidator
const CommonProfileID = "common"

// CommonValidator enforces the baseline every AS4 profile builds on
type CommonValidator struct {
	// SOAPVersion is the required SOAP version; Unknown accepts both
	SOAPVersion       soap.Version
	RequireSigning    bool
	RequireEncryption bool
}

// NewCommonProfile returns the AS4 baseline profile: SOAP 1.2 with signed
// messages
func NewCommonProfile() *Profile {
	return &Profile{
		ID:          CommonProfileID,
		DisplayName: "AS4 common",
		Validator:   &CommonValidator{SOAPVersion: soap.SOAP12, RequireSigning: true},
	}
}

// ValidatePMode implements ProfileValidator
func (v *CommonValidator) ValidatePMode(p *pmode.PMode, errs *message.ErrorList) {
	if p == nil {
		errs.AddDef(message.EbmsProcessingModeMismatch, "P-Mode is missing")
		return
	}
	if p.Leg1 == nil {
		errs.AddDef(message.EbmsProcessingModeMismatch, fmt.Sprintf("P-Mode %s has no leg 1", p.ID))
		return
	}
	if v.SOAPVersion != soap.Unknown && p.Leg1.SOAPVersion() != v.SOAPVersion {
		errs.AddDef(message.EbmsProcessingModeMismatch,
			fmt.Sprintf("P-Mode %s uses %s, %s is required", p.ID, p.Leg1.SOAPVersion(), v.SOAPVersion))
	}
	if v.RequireSigning && !p.Leg1.Security.IsSigningEnabled() {
		errs.AddDef(message.EbmsProcessingModeMismatch, fmt.Sprintf("P-Mode %s does not sign messages", p.ID))
	}
	if v.RequireEncryption && !p.Leg1.Security.IsEncryptionEnabled() {
		errs.AddDef(message.EbmsProcessingModeMismatch, fmt.Sprintf("P-Mode %s does not encrypt attachments", p.ID))
	}
}

// ValidateUserMessage implements ProfileValidator
func (v *CommonValidator) ValidateUserMessage(um *message.UserMessage, errs *message.ErrorList) {
	if um == nil {
		errs.AddDef(message.EbmsValueInconsistent, "UserMessage is missing")
		return
	}
	if um.PartyInfo == nil || um.PartyInfo.From == nil || len(um.PartyInfo.From.PartyId) == 0 {
		errs.AddDef(message.EbmsValueInconsistent, "PartyInfo/From/PartyId is missing")
	}
	if um.PartyInfo == nil || um.PartyInfo.To == nil || len(um.PartyInfo.To.PartyId) == 0 {
		errs.AddDef(message.EbmsValueInconsistent, "PartyInfo/To/PartyId is missing")
	}
	if um.CollaborationInfo == nil {
		errs.AddDef(message.EbmsValueInconsistent, "CollaborationInfo is missing")
		return
	}
	if um.CollaborationInfo.Service.Value == "" {
		errs.AddDef(message.EbmsValueInconsistent, "CollaborationInfo/Service is missing")
	}
	if um.CollaborationInfo.Action == "" {
		errs.AddDef(message.EbmsValueInconsistent, "CollaborationInfo/Action is missing")
	}
}
