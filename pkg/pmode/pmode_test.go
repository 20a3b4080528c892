package pmode

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pondersource/phase4/pkg/compression"
	"github.com/pondersource/phase4/pkg/soap"
)

func twoWayPMode() *PMode {
	p := Default()
	p.ID = "two-way"
	p.MEP = MEPTwoWay
	p.MEPBinding = BindingPushPush
	p.Leg2 = &Leg{Protocol: &Protocol{Address: "https://b.example.com/as4", SOAPVersion: soap.SOAP11}}
	return p
}

func TestDefaultPMode(t *testing.T) {
	p := Default()

	if p.ID != DefaultPModeID {
		t.Errorf("expected ID %q, got %q", DefaultPModeID, p.ID)
	}
	if p.MEP != MEPOneWay {
		t.Errorf("expected one-way MEP, got %s", p.MEP)
	}
	if p.MEPBinding != BindingPush {
		t.Errorf("expected push binding, got %s", p.MEPBinding)
	}
	if p.Leg2 != nil {
		t.Error("one-way default P-Mode must not have leg2")
	}
	if p.Leg1 == nil || p.Leg1.BusinessInfo == nil {
		t.Fatal("expected leg1 with business info")
	}
	if p.Leg1.BusinessInfo.MPC != DefaultMPCID {
		t.Errorf("expected default MPC, got %q", p.Leg1.BusinessInfo.MPC)
	}
	if p.Leg1.SOAPVersion() != soap.SOAP12 {
		t.Errorf("expected SOAP 1.2, got %s", p.Leg1.SOAPVersion())
	}
	if p.Leg1.Security != nil || p.ReceptionAwareness != nil {
		t.Error("default P-Mode has neither security nor reception awareness")
	}
	if p.Initiator.Role != DefaultInitiatorURL || p.Responder.Role != DefaultResponderURL {
		t.Error("unexpected party roles")
	}
	if err := p.Validate(); err != nil {
		t.Errorf("default P-Mode should validate: %v", err)
	}
}

func TestIsPing(t *testing.T) {
	if !IsPing(Default()) {
		t.Error("default P-Mode uses test service and action and must be a ping")
	}

	p := Default()
	p.Leg1.BusinessInfo.Action = "urn:order"
	if IsPing(p) {
		t.Error("a business action is not a ping")
	}

	if IsPing(nil) {
		t.Error("nil P-Mode is not a ping")
	}
	if IsPing(&PMode{ID: "x", Leg1: &Leg{}}) {
		t.Error("leg without business info is not a ping")
	}
}

func TestValidate_LegInvariant(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(p *PMode)
		wantErr bool
	}{
		{"one-way without leg2", func(p *PMode) {}, false},
		{"one-way with leg2", func(p *PMode) { p.Leg2 = &Leg{} }, true},
		{"two-way without leg2", func(p *PMode) { p.MEP = MEPTwoWay; p.MEPBinding = BindingPushPush }, true},
		{"binding mismatch", func(p *PMode) { p.MEPBinding = BindingPushPull }, true},
		{"missing id", func(p *PMode) { p.ID = "" }, true},
		{"missing leg1", func(p *PMode) { p.Leg1 = nil }, true},
		{"negative retries", func(p *PMode) {
			p.ReceptionAwareness = &ReceptionAwareness{Enabled: true, Retry: &RetryConfig{Enabled: true, MaxRetries: -1}}
		}, true},
		{"retry without interval", func(p *PMode) {
			p.ReceptionAwareness = &ReceptionAwareness{Enabled: true, Retry: &RetryConfig{Enabled: true, MaxRetries: 3}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.mutate(p)
			err := p.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err != nil && !errors.Is(err, ErrInvalidPMode) {
				t.Errorf("expected ErrInvalidPMode, got %v", err)
			}
		})
	}

	if err := twoWayPMode().Validate(); err != nil {
		t.Errorf("two-way P-Mode with leg2 should validate: %v", err)
	}
}

func TestReceptionAwareness_Retries(t *testing.T) {
	ra := &ReceptionAwareness{
		Enabled: true,
		Retry:   &RetryConfig{Enabled: true, MaxRetries: 3, RetryInterval: time.Second},
	}
	if !ra.IsRetryEnabled() || ra.MaxRetries() != 3 || ra.RetryInterval() != time.Second {
		t.Errorf("unexpected retry settings: %v %d %s", ra.IsRetryEnabled(), ra.MaxRetries(), ra.RetryInterval())
	}

	ra.Retry.MaxRetries = 0
	if ra.IsRetryEnabled() {
		t.Error("zero retries must disable retrying even when enabled")
	}

	var none *ReceptionAwareness
	if none.MaxRetries() != 0 || none.IsDuplicateDetectionEnabled() {
		t.Error("nil reception awareness means no retries and no duplicate detection")
	}
}

func TestLegFor(t *testing.T) {
	p := twoWayPMode()
	if p.LegFor(false) != p.Leg1 {
		t.Error("request uses leg1")
	}
	if p.LegFor(true) != p.Leg2 {
		t.Error("reply in two-way exchange uses leg2")
	}
	if Default().LegFor(true) == nil {
		t.Error("reply in one-way exchange falls back to leg1")
	}
}

func TestClone_IsDeep(t *testing.T) {
	p := Default()
	p.Leg1.Security = &Security{X509: &X509Config{Sign: &SignConfig{Algorithm: AlgoRSASHA256, HashFunction: HashSHA256}}}
	c := p.Clone()

	c.Leg1.BusinessInfo.Action = "changed"
	c.Leg1.Security.X509.Sign.Algorithm = AlgoRSASHA512
	c.Initiator.ID = "other"

	if p.Leg1.BusinessInfo.Action != DefaultActionURL {
		t.Error("business info shared between clone and original")
	}
	if p.Leg1.Security.X509.Sign.Algorithm != AlgoRSASHA256 {
		t.Error("sign config shared between clone and original")
	}
	if p.Initiator.ID != DefaultFromURL {
		t.Error("party shared between clone and original")
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(Default()); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, ok := r.Get(DefaultPModeID)
	if !ok {
		t.Fatal("expected to retrieve pmode")
	}
	if got.ID != DefaultPModeID {
		t.Errorf("expected ID %q, got %q", DefaultPModeID, got.ID)
	}

	if _, ok := r.Get("nonexistent"); ok {
		t.Error("expected miss for nonexistent pmode")
	}

	r.Remove(DefaultPModeID)
	if r.Len() != 0 {
		t.Error("pmode should be removed")
	}
}

func TestRegistry_RejectsInvalid(t *testing.T) {
	r := NewRegistry()
	p := Default()
	p.Leg2 = &Leg{}

	if err := r.Register(p); err == nil {
		t.Fatal("one-way P-Mode with leg2 must be rejected at registration")
	}
	if r.Len() != 0 {
		t.Error("invalid P-Mode must not be stored")
	}
}

func TestRegistry_StoresCopy(t *testing.T) {
	r := NewRegistry()
	p := Default()
	if err := r.Register(p); err != nil {
		t.Fatal(err)
	}

	p.Leg1.BusinessInfo.Action = "mutated-after-register"

	got, _ := r.Get(DefaultPModeID)
	if got.Leg1.BusinessInfo.Action != DefaultActionURL {
		t.Error("registry entry changed through caller's pointer")
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := NewRegistry()

	byID := Default()
	byID.ID = DefaultIDProvider("sender", "receiver")
	byID.Initiator.ID = "ignored"
	byID.Responder.ID = "ignored"

	byParty := Default()
	byParty.ID = "by-party"
	byParty.Initiator.ID = "alice"
	byParty.Responder.ID = "bob"

	for _, p := range []*PMode{byID, byParty} {
		if err := r.Register(p); err != nil {
			t.Fatal(err)
		}
	}

	got, err := r.Resolve("sender", "receiver", "")
	if err != nil || got.ID != byID.ID {
		t.Errorf("expected resolution by derived ID, got %v, %v", got, err)
	}

	got, err = r.Resolve("alice", "bob", "")
	if err != nil || got.ID != "by-party" {
		t.Errorf("expected resolution by parties, got %v, %v", got, err)
	}

	_, err = r.Resolve("alice", "carol", "")
	if !errors.Is(err, ErrPModeNotFound) {
		t.Errorf("expected ErrPModeNotFound, got %v", err)
	}
}

func TestRegistry_ConcurrentReplace(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Default()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p := Default()
				p.Leg1.BusinessInfo.Action = "a"
				p.Leg1.BusinessInfo.Service = "s"
				_ = r.Register(p)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				got, ok := r.Get(DefaultPModeID)
				if !ok {
					continue
				}
				bi := got.Leg1.BusinessInfo
				mixed := (bi.Action == "a") != (bi.Service == "s")
				if mixed {
					t.Error("observed a partially updated P-Mode")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestPMode_YAML(t *testing.T) {
	src := `
id: peppol
mep: oneWay
mepBinding: push
initiator:
  id: sender
responder:
  id: receiver
leg1:
  protocol:
    address: https://ap.example.com/as4
    soapVersion: "1.2"
  businessInfo:
    service: urn:svc
    action: urn:act
  security:
    x509:
      sign:
        algorithm: http://www.w3.org/2001/04/xmldsig-more#rsa-sha256
        hashFunction: http://www.w3.org/2001/04/xmlenc#sha256
payloadService:
  compression: gzip
receptionAwareness:
  enabled: true
  retry:
    enabled: true
    maxRetries: 2
    retryInterval: 10s
`
	var p PMode
	if err := yaml.Unmarshal([]byte(src), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.MEP != MEPOneWay || p.MEPBinding != BindingPush {
		t.Errorf("unexpected MEP %s / %s", p.MEP, p.MEPBinding)
	}
	if p.PayloadService.Compression != compression.GZIP {
		t.Error("expected gzip compression")
	}
	if p.ReceptionAwareness.RetryInterval() != 10*time.Second {
		t.Errorf("unexpected retry interval %s", p.ReceptionAwareness.RetryInterval())
	}
	if !p.Leg1.Security.IsSigningEnabled() {
		t.Error("expected signing to be enabled")
	}
}
