package security

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/sirosfoundation/go-trust/pkg/authzen"
	"github.com/sirosfoundation/go-trust/pkg/authzenclient"
)

var (
	ErrCertificateExpired     = errors.New("certificate has expired")
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	ErrCertificateUntrusted   = errors.New("certificate is not trusted")
	ErrCertificateRevoked     = errors.New("certificate has been revoked")
	ErrInvalidCertificate     = errors.New("certificate validation failed")
)

// Purpose is the intended usage of a certificate. It doubles as the
// AuthZEN action name.
type Purpose string

const (
	PurposeSigning    Purpose = "signing"
	PurposeEncryption Purpose = "encryption"
	PurposeTLSServer  Purpose = "tls-server"
	PurposeTLSClient  Purpose = "tls-client"
)

// keyUsages maps a purpose to the extended key usages accepted for it
func (p Purpose) keyUsages() []x509.ExtKeyUsage {
	switch p {
	case PurposeSigning:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning, x509.ExtKeyUsageEmailProtection, x509.ExtKeyUsageAny}
	case PurposeEncryption:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection, x509.ExtKeyUsageAny}
	case PurposeTLSServer:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case PurposeTLSClient:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		return []x509.ExtKeyUsage{x509.ExtKeyUsageAny}
	}
}

// CertificateValidator decides whether a certificate may be used for a
// purpose. Implementations cover CA trust chains, pinned peers and the
// AuthZEN trust framework (draft-johansson-authzen-trust).
type CertificateValidator interface {
	ValidateCertificate(ctx context.Context, cert *x509.Certificate, intermediates []*x509.Certificate, purpose Purpose) error
	ValidateCertificateChain(ctx context.Context, chain []*x509.Certificate, purpose Purpose) error
}

func validateChain(ctx context.Context, v CertificateValidator, chain []*x509.Certificate, purpose Purpose) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty chain", ErrInvalidCertificate)
	}
	return v.ValidateCertificate(ctx, chain[0], chain[1:], purpose)
}

func checkValidity(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return ErrCertificateNotYetValid
	}
	if now.After(cert.NotAfter) {
		return ErrCertificateExpired
	}
	return nil
}

// DefaultCertificateValidator implements traditional PKI validation
type DefaultCertificateValidator struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewDefaultCertificateValidator creates a validator using traditional PKI.
// A nil pool means the system roots.
func NewDefaultCertificateValidator(roots *x509.CertPool) *DefaultCertificateValidator {
	return &DefaultCertificateValidator{
		roots: roots,
		now:   time.Now,
	}
}

// ValidateCertificate validates a single certificate against the trust store
func (v *DefaultCertificateValidator) ValidateCertificate(_ context.Context, cert *x509.Certificate, intermediates []*x509.Certificate, purpose Purpose) error {
	if cert == nil {
		return fmt.Errorf("%w: nil certificate", ErrInvalidCertificate)
	}
	now := v.now()
	if err := checkValidity(cert, now); err != nil {
		return err
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		CurrentTime:   now,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     purpose.keyUsages(),
	}
	for _, intermediate := range intermediates {
		opts.Intermediates.AddCert(intermediate)
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	return nil
}

// ValidateCertificateChain validates a certificate chain
func (v *DefaultCertificateValidator) ValidateCertificateChain(ctx context.Context, chain []*x509.Certificate, purpose Purpose) error {
	return validateChain(ctx, v, chain, purpose)
}

// PinnedCertificateValidator accepts exactly the configured certificates.
// It suits bilateral setups where partners exchange self-signed
// certificates out of band.
type PinnedCertificateValidator struct {
	pinned []*x509.Certificate
	now    func() time.Time
}

// NewPinnedCertificateValidator creates a validator trusting certs
func NewPinnedCertificateValidator(certs ...*x509.Certificate) *PinnedCertificateValidator {
	return &PinnedCertificateValidator{pinned: certs, now: time.Now}
}

// ValidateCertificate checks validity dates and membership of the pin set
func (v *PinnedCertificateValidator) ValidateCertificate(_ context.Context, cert *x509.Certificate, _ []*x509.Certificate, _ Purpose) error {
	if cert == nil {
		return fmt.Errorf("%w: nil certificate", ErrInvalidCertificate)
	}
	if err := checkValidity(cert, v.now()); err != nil {
		return err
	}
	for _, p := range v.pinned {
		if p.Equal(cert) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not pinned", ErrCertificateUntrusted, cert.Subject.CommonName)
}

// ValidateCertificateChain validates the leaf of chain
func (v *PinnedCertificateValidator) ValidateCertificateChain(ctx context.Context, chain []*x509.Certificate, purpose Purpose) error {
	return validateChain(ctx, v, chain, purpose)
}

// AuthZENTrustValidator asks an AuthZEN Policy Decision Point whether the
// name of a certificate is bound to its key for a purpose. The PDP fronts
// trust registries such as ETSI trust status lists or OpenID Federation.
type AuthZENTrustValidator struct {
	client        *authzenclient.Client
	defaultAction Purpose
	timeout       time.Duration
}

// NewAuthZENTrustValidator creates a validator for the PDP at pdpEndpoint
// (base URL or full /evaluation URL)
func NewAuthZENTrustValidator(pdpEndpoint string) *AuthZENTrustValidator {
	return NewAuthZENTrustValidatorWithClient(authzenclient.New(pdpEndpoint))
}

// NewAuthZENTrustValidatorWithClient creates a validator using a pre-configured authzenclient
func NewAuthZENTrustValidatorWithClient(client *authzenclient.Client) *AuthZENTrustValidator {
	return &AuthZENTrustValidator{
		client:        client,
		defaultAction: PurposeSigning,
		timeout:       30 * time.Second,
	}
}

// WithDefaultAction sets the action used when no purpose is given
func (v *AuthZENTrustValidator) WithDefaultAction(action Purpose) *AuthZENTrustValidator {
	v.defaultAction = action
	return v
}

// WithTimeout bounds each PDP evaluation
func (v *AuthZENTrustValidator) WithTimeout(d time.Duration) *AuthZENTrustValidator {
	v.timeout = d
	return v
}

// ValidateCertificate sends the certificate and chain as x5c (RFC 7517
// section 4.7) to the PDP and fails unless the decision is positive.
func (v *AuthZENTrustValidator) ValidateCertificate(ctx context.Context, cert *x509.Certificate, chain []*x509.Certificate, purpose Purpose) error {
	if cert == nil {
		return fmt.Errorf("%w: nil certificate", ErrInvalidCertificate)
	}

	x5c := make([]interface{}, 0, 1+len(chain))
	x5c = append(x5c, base64.StdEncoding.EncodeToString(cert.Raw))
	for _, intermediate := range chain {
		x5c = append(x5c, base64.StdEncoding.EncodeToString(intermediate.Raw))
	}

	subjectName := subjectName(cert)
	if subjectName == "" {
		return fmt.Errorf("%w: certificate has no identifiable subject name", ErrInvalidCertificate)
	}

	action := purpose
	if action == "" {
		action = v.defaultAction
	}

	request := &authzen.EvaluationRequest{
		Subject: authzen.Subject{
			Type: "key",
			ID:   subjectName,
		},
		Resource: authzen.Resource{
			Type: "x5c",
			ID:   subjectName,
			Key:  x5c,
		},
	}
	if action != "" {
		request.Action = &authzen.Action{Name: string(action)}
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	response, err := v.client.Evaluate(ctx, request)
	if err != nil {
		return fmt.Errorf("AuthZEN evaluation failed: %w", err)
	}
	if !response.Decision {
		if response.Context != nil && response.Context.Reason != nil {
			return fmt.Errorf("%w: %v", ErrCertificateUntrusted, response.Context.Reason)
		}
		return ErrCertificateUntrusted
	}
	return nil
}

// ValidateCertificateChain validates a certificate chain using AuthZEN
func (v *AuthZENTrustValidator) ValidateCertificateChain(ctx context.Context, chain []*x509.Certificate, purpose Purpose) error {
	return validateChain(ctx, v, chain, purpose)
}

// subjectName picks the name bound to the key: CN, then the first DNS
// name, email address or URI.
func subjectName(cert *x509.Certificate) string {
	switch {
	case cert.Subject.CommonName != "":
		return cert.Subject.CommonName
	case len(cert.DNSNames) > 0:
		return cert.DNSNames[0]
	case len(cert.EmailAddresses) > 0:
		return cert.EmailAddresses[0]
	case len(cert.URIs) > 0:
		return cert.URIs[0].String()
	}
	return ""
}
