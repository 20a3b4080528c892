// Package pmode implements Processing Mode configuration for AS4
package pmode

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pondersource/phase4/pkg/compression"
	"github.com/pondersource/phase4/pkg/soap"
)

// ebMS defaults used when nothing else is configured
const (
	ebmsPrefix = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"

	DefaultRole         = ebmsPrefix + "defaultRole"
	DefaultResponderURL = ebmsPrefix + "responder"
	DefaultToURL        = ebmsPrefix + "defaultTo"
	DefaultInitiatorURL = ebmsPrefix + "initiator"
	DefaultFromURL      = ebmsPrefix + "defaultFrom"
	DefaultActionURL    = ebmsPrefix + "test"
	DefaultServiceURL   = ebmsPrefix + "service"
	DefaultMPCID        = ebmsPrefix + "defaultMPC"

	// DefaultPModeID is the ID of the PMode returned by Default
	DefaultPModeID = "default-pmode"
)

// MEP is the message exchange pattern
type MEP string

const (
	MEPOneWay MEP = ebmsPrefix + "oneWay"
	MEPTwoWay MEP = ebmsPrefix + "twoWay"
)

// IsTwoWay reports whether the pattern needs a second leg
func (m MEP) IsTwoWay() bool { return m == MEPTwoWay }

// UnmarshalYAML accepts the full URI or the short names oneWay / twoWay
func (m *MEP) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimPrefix(s, ebmsPrefix)) {
	case "oneway", "one-way", "":
		*m = MEPOneWay
	case "twoway", "two-way":
		*m = MEPTwoWay
	default:
		return fmt.Errorf("unknown MEP %q", s)
	}
	return nil
}

// MEPBinding is the transport binding of a MEP
type MEPBinding string

const (
	BindingPush     MEPBinding = ebmsPrefix + "push"
	BindingPull     MEPBinding = ebmsPrefix + "pull"
	BindingPushPush MEPBinding = ebmsPrefix + "pushAndPush"
	BindingPushPull MEPBinding = ebmsPrefix + "pushAndPull"
	BindingPullPush MEPBinding = ebmsPrefix + "pullAndPush"
)

// RequiredMEP returns the exchange pattern this binding belongs to
func (b MEPBinding) RequiredMEP() MEP {
	switch b {
	case BindingPushPush, BindingPushPull, BindingPullPush:
		return MEPTwoWay
	default:
		return MEPOneWay
	}
}

// UnmarshalYAML accepts the full URI or its last path segment
func (b *MEPBinding) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	short := strings.TrimPrefix(s, ebmsPrefix)
	for _, known := range []MEPBinding{BindingPush, BindingPull, BindingPushPush, BindingPushPull, BindingPullPush} {
		if strings.EqualFold(short, strings.TrimPrefix(string(known), ebmsPrefix)) {
			*b = known
			return nil
		}
	}
	if s == "" {
		*b = BindingPush
		return nil
	}
	return fmt.Errorf("unknown MEP binding %q", s)
}

// Signature algorithms
type SignatureAlgorithm string

const (
	AlgoRSASHA256   SignatureAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgoRSASHA384   SignatureAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	AlgoRSASHA512   SignatureAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
	AlgoECDSASHA256 SignatureAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
	AlgoEd25519     SignatureAlgorithm = "http://www.w3.org/2021/04/xmldsig-more#eddsa-ed25519"
)

// Hash algorithms
type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "http://www.w3.org/2001/04/xmlenc#sha256"
	HashSHA384 HashAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	HashSHA512 HashAlgorithm = "http://www.w3.org/2001/04/xmlenc#sha512"
)

// Data encryption algorithms
type DataEncryptionAlgorithm string

const (
	DataAlgoAES128GCM DataEncryptionAlgorithm = "http://www.w3.org/2009/xmlenc11#aes128-gcm"
	DataAlgoAES256GCM DataEncryptionAlgorithm = "http://www.w3.org/2009/xmlenc11#aes256-gcm"
)

// Canonicalization algorithms
type CanonicalizationAlgorithm string

const (
	C14NExclusive CanonicalizationAlgorithm = "http://www.w3.org/2001/10/xml-exc-c14n#"
	C14NInclusive CanonicalizationAlgorithm = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
)

// Token reference methods
type TokenReferenceMethod string

const (
	TokenRefBinarySecurityToken TokenReferenceMethod = "BinarySecurityToken"
	TokenRefKeyIdentifier       TokenReferenceMethod = "KeyIdentifier"
	TokenRefIssuerSerial        TokenReferenceMethod = "IssuerSerial"
	TokenRefThumbprint          TokenReferenceMethod = "Thumbprint"
)

// Receipt reply patterns
const (
	ReplyPatternResponse = "response"
	ReplyPatternCallback = "callback"
)

var (
	// ErrInvalidPMode is wrapped by every validation failure
	ErrInvalidPMode = errors.New("invalid P-Mode")
)

// PMode is an AS4 Processing Mode. Values held by a Registry are never
// mutated; use Clone to derive a modified copy.
type PMode struct {
	ID                 string              `yaml:"id"`
	Initiator          *Party              `yaml:"initiator"`
	Responder          *Party              `yaml:"responder"`
	AgreementRef       string              `yaml:"agreementRef"`
	MEP                MEP                 `yaml:"mep"`
	MEPBinding         MEPBinding          `yaml:"mepBinding"`
	Leg1               *Leg                `yaml:"leg1"`
	Leg2               *Leg                `yaml:"leg2"`
	PayloadService     *PayloadService     `yaml:"payloadService"`
	ReceptionAwareness *ReceptionAwareness `yaml:"receptionAwareness"`
}

// Party is an initiator or responder of an exchange
type Party struct {
	IDType   string `yaml:"idType"`
	ID       string `yaml:"id"`
	Role     string `yaml:"role"`
	UserName string `yaml:"userName"`
	Password string `yaml:"password"`
}

// Leg represents one leg of a message exchange
type Leg struct {
	Protocol      *Protocol      `yaml:"protocol"`
	BusinessInfo  *BusinessInfo  `yaml:"businessInfo"`
	ErrorHandling *ErrorHandling `yaml:"errorHandling"`
	Reliability   *Reliability   `yaml:"reliability"`
	Security      *Security      `yaml:"security"`
}

// Protocol contains protocol parameters
type Protocol struct {
	Address     string       `yaml:"address"`
	SOAPVersion soap.Version `yaml:"soapVersion"`
}

// BusinessInfo contains business-level message information
type BusinessInfo struct {
	Service             string     `yaml:"service"`
	ServiceType         string     `yaml:"serviceType"`
	Action              string     `yaml:"action"`
	MPC                 string     `yaml:"mpc"`
	PayloadProfileMaxKB int        `yaml:"payloadProfileMaxKB"`
	Properties          []Property `yaml:"properties"`
}

// Property represents a message or part property
type Property struct {
	Name     string `yaml:"name"`
	Value    string `yaml:"value"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// ErrorHandling contains error handling configuration
type ErrorHandling struct {
	ReportSenderErrorsTo           string `yaml:"reportSenderErrorsTo"`
	ReportReceiverErrorsTo         string `yaml:"reportReceiverErrorsTo"`
	ReportAsResponse               bool   `yaml:"reportAsResponse"`
	ProcessErrorNotifyConsumer     bool   `yaml:"processErrorNotifyConsumer"`
	ProcessErrorNotifyProducer     bool   `yaml:"processErrorNotifyProducer"`
	DeliveryFailuresNotifyProducer bool   `yaml:"deliveryFailuresNotifyProducer"`
}

// Reliability is kept for WS-Reliability settings; AS4 uses reception
// awareness instead so it carries no behaviour.
type Reliability struct {
	AtLeastOnce bool `yaml:"atLeastOnce"`
	AtMostOnce  bool `yaml:"atMostOnce"`
	InOrder     bool `yaml:"inOrder"`
}

// Security contains security parameters
type Security struct {
	WSSVersion  string       `yaml:"wssVersion"`
	X509        *X509Config  `yaml:"x509"`
	SendReceipt *SendReceipt `yaml:"sendReceipt"`
}

// X509Config contains X.509 certificate-based security settings
type X509Config struct {
	Sign       *SignConfig       `yaml:"sign"`
	Encryption *EncryptionConfig `yaml:"encryption"`
}

// SignConfig contains signing configuration
type SignConfig struct {
	Algorithm        SignatureAlgorithm        `yaml:"algorithm"`
	HashFunction     HashAlgorithm             `yaml:"hashFunction"`
	Canonicalization CanonicalizationAlgorithm `yaml:"canonicalization"`
	TokenReference   TokenReferenceMethod      `yaml:"tokenReference"`
}

// EncryptionConfig contains encryption configuration
type EncryptionConfig struct {
	Algorithm       DataEncryptionAlgorithm `yaml:"algorithm"`
	MinimumStrength int                     `yaml:"minimumStrength"`
}

// SendReceipt contains receipt sending configuration
type SendReceipt struct {
	Enabled        bool   `yaml:"enabled"`
	ReplyPattern   string `yaml:"replyPattern"`
	NonRepudiation bool   `yaml:"nonRepudiation"`
}

// PayloadService contains payload handling configuration
type PayloadService struct {
	Compression compression.Mode `yaml:"compression"`
}

// ReceptionAwareness contains reliability parameters
type ReceptionAwareness struct {
	Enabled            bool                      `yaml:"enabled"`
	Retry              *RetryConfig              `yaml:"retry"`
	DuplicateDetection *DuplicateDetectionConfig `yaml:"duplicateDetection"`
}

// RetryConfig contains retry parameters
type RetryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryInterval time.Duration `yaml:"retryInterval"`
}

// DuplicateDetectionConfig contains duplicate detection parameters
type DuplicateDetectionConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window"`
}

// IsRetryEnabled reports whether a failed send is attempted again.
// A zero MaxRetries disables retries whatever the Enabled flags say.
func (ra *ReceptionAwareness) IsRetryEnabled() bool {
	return ra != nil && ra.Enabled && ra.Retry != nil && ra.Retry.Enabled && ra.Retry.MaxRetries > 0
}

// MaxRetries returns the effective number of retries (0 when disabled)
func (ra *ReceptionAwareness) MaxRetries() int {
	if !ra.IsRetryEnabled() {
		return 0
	}
	return ra.Retry.MaxRetries
}

// RetryInterval returns the wait between two attempts (0 when disabled)
func (ra *ReceptionAwareness) RetryInterval() time.Duration {
	if !ra.IsRetryEnabled() {
		return 0
	}
	return ra.Retry.RetryInterval
}

// IsDuplicateDetectionEnabled reports whether received message IDs are tracked
func (ra *ReceptionAwareness) IsDuplicateDetectionEnabled() bool {
	return ra != nil && ra.Enabled && ra.DuplicateDetection != nil && ra.DuplicateDetection.Enabled
}

// IsSigningEnabled reports whether the leg asks for signed messages
func (s *Security) IsSigningEnabled() bool {
	return s != nil && s.X509 != nil && s.X509.Sign != nil &&
		s.X509.Sign.Algorithm != "" && s.X509.Sign.HashFunction != ""
}

// IsEncryptionEnabled reports whether the leg asks for encrypted attachments
func (s *Security) IsEncryptionEnabled() bool {
	return s != nil && s.X509 != nil && s.X509.Encryption != nil && s.X509.Encryption.Algorithm != ""
}

// IsNonRepudiation reports whether receipts must carry NonRepudiationInformation
func (s *Security) IsNonRepudiation() bool {
	return s != nil && s.SendReceipt != nil && s.SendReceipt.NonRepudiation
}

// IDProvider derives a PMode ID from the initiator and responder IDs
type IDProvider func(initiatorID, responderID string) string

// DefaultIDProvider joins both party IDs with a dash
func DefaultIDProvider(initiatorID, responderID string) string {
	return initiatorID + "-" + responderID
}

// Default creates the ebMS default P-Mode: one-way push on the test
// service and action without security or reliability.
func Default() *PMode {
	return &PMode{
		ID:         DefaultPModeID,
		Initiator:  &Party{ID: DefaultFromURL, Role: DefaultInitiatorURL},
		Responder:  &Party{ID: DefaultToURL, Role: DefaultResponderURL},
		MEP:        MEPOneWay,
		MEPBinding: BindingPush,
		Leg1: &Leg{
			Protocol: &Protocol{
				Address:     "HTTP 1.1",
				SOAPVersion: soap.Default,
			},
			BusinessInfo: &BusinessInfo{
				Service: DefaultServiceURL,
				Action:  DefaultActionURL,
				MPC:     DefaultMPCID,
			},
		},
	}
}

// IsPing reports whether the PMode describes the ebMS ping exchange (test
// service and test action on leg 1). Ping messages are never handed to the
// application.
func IsPing(p *PMode) bool {
	if p == nil || p.Leg1 == nil || p.Leg1.BusinessInfo == nil {
		return false
	}
	bi := p.Leg1.BusinessInfo
	return bi.Action == DefaultActionURL && bi.Service == DefaultServiceURL
}

// Validate checks the structural invariants of a PMode
func (p *PMode) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil P-Mode", ErrInvalidPMode)
	}
	if p.ID == "" {
		return fmt.Errorf("%w: ID is required", ErrInvalidPMode)
	}
	if p.Leg1 == nil {
		return fmt.Errorf("%w: %s: leg1 is required", ErrInvalidPMode, p.ID)
	}
	mep := p.MEP
	if mep == "" {
		mep = MEPOneWay
	}
	if mep.IsTwoWay() {
		if p.Leg2 == nil {
			return fmt.Errorf("%w: %s: two-way MEP requires leg2", ErrInvalidPMode, p.ID)
		}
	} else if p.Leg2 != nil {
		return fmt.Errorf("%w: %s: one-way MEP must not define leg2", ErrInvalidPMode, p.ID)
	}
	if p.MEPBinding != "" && p.MEPBinding.RequiredMEP() != mep {
		return fmt.Errorf("%w: %s: binding %s does not fit MEP %s", ErrInvalidPMode, p.ID, p.MEPBinding, mep)
	}
	if ra := p.ReceptionAwareness; ra != nil && ra.Retry != nil {
		if ra.Retry.MaxRetries < 0 {
			return fmt.Errorf("%w: %s: maxRetries must not be negative", ErrInvalidPMode, p.ID)
		}
		if ra.IsRetryEnabled() && ra.Retry.RetryInterval <= 0 {
			return fmt.Errorf("%w: %s: retryInterval must be positive when retries are enabled", ErrInvalidPMode, p.ID)
		}
	}
	for i, leg := range []*Leg{p.Leg1, p.Leg2} {
		if leg == nil || leg.Protocol == nil {
			continue
		}
		if leg.Protocol.SOAPVersion != soap.Unknown && !leg.Protocol.SOAPVersion.IsValid() {
			return fmt.Errorf("%w: %s: leg%d has an invalid SOAP version", ErrInvalidPMode, p.ID, i+1)
		}
	}
	return nil
}

// LegFor picks the leg that governs a message: leg 2 for a reply in a
// two-way exchange, leg 1 otherwise.
func (p *PMode) LegFor(isReply bool) *Leg {
	if p == nil {
		return nil
	}
	if isReply && p.MEP.IsTwoWay() && p.Leg2 != nil {
		return p.Leg2
	}
	return p.Leg1
}

// SOAPVersion returns the leg's SOAP version or the AS4 default
func (l *Leg) SOAPVersion() soap.Version {
	if l == nil || l.Protocol == nil || !l.Protocol.SOAPVersion.IsValid() {
		return soap.Default
	}
	return l.Protocol.SOAPVersion
}

// Address returns the leg's endpoint address, or "" when unset
func (l *Leg) Address() string {
	if l == nil || l.Protocol == nil {
		return ""
	}
	return l.Protocol.Address
}

// Clone returns a deep copy of the PMode
func (p *PMode) Clone() *PMode {
	if p == nil {
		return nil
	}
	c := *p
	c.Initiator = clonePtr(p.Initiator)
	c.Responder = clonePtr(p.Responder)
	c.Leg1 = p.Leg1.clone()
	c.Leg2 = p.Leg2.clone()
	c.PayloadService = clonePtr(p.PayloadService)
	if p.ReceptionAwareness != nil {
		ra := *p.ReceptionAwareness
		ra.Retry = clonePtr(ra.Retry)
		ra.DuplicateDetection = clonePtr(ra.DuplicateDetection)
		c.ReceptionAwareness = &ra
	}
	return &c
}

func (l *Leg) clone() *Leg {
	if l == nil {
		return nil
	}
	c := *l
	c.Protocol = clonePtr(l.Protocol)
	if l.BusinessInfo != nil {
		bi := *l.BusinessInfo
		bi.Properties = append([]Property(nil), l.BusinessInfo.Properties...)
		c.BusinessInfo = &bi
	}
	c.ErrorHandling = clonePtr(l.ErrorHandling)
	c.Reliability = clonePtr(l.Reliability)
	if l.Security != nil {
		s := *l.Security
		s.SendReceipt = clonePtr(s.SendReceipt)
		if s.X509 != nil {
			x := *s.X509
			x.Sign = clonePtr(x.Sign)
			x.Encryption = clonePtr(x.Encryption)
			s.X509 = &x
		}
		c.Security = &s
	}
	return &c
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
