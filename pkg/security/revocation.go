package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

// RevocationChecker reports ErrCertificateRevoked for a revoked
// certificate and other errors when the status cannot be determined.
type RevocationChecker interface {
	CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) error
}

// OCSPConfig configures OCSP checking behavior
type OCSPConfig struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	// CRLFallback enables CRL checking if OCSP fails
	CRLFallback  bool
	CacheTimeout time.Duration
	// StrictMode fails if revocation status cannot be determined
	StrictMode bool
}

// DefaultOCSPConfig returns default configuration
func DefaultOCSPConfig() *OCSPConfig {
	return &OCSPConfig{
		Timeout:      10 * time.Second,
		CRLFallback:  true,
		CacheTimeout: time.Hour,
	}
}

// OCSPRevocationChecker checks OCSP first and falls back to CRLs
type OCSPRevocationChecker struct {
	config     *OCSPConfig
	httpClient *http.Client
	crls       *ttlCache[*x509.RevocationList]
	ocsp       *ttlCache[error]
}

// NewOCSPRevocationChecker creates a new OCSP-based revocation checker
func NewOCSPRevocationChecker(config *OCSPConfig) *OCSPRevocationChecker {
	if config == nil {
		config = DefaultOCSPConfig()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &OCSPRevocationChecker{
		config:     config,
		httpClient: client,
		crls:       newTTLCache[*x509.RevocationList](config.CacheTimeout),
		ocsp:       newTTLCache[error](config.CacheTimeout),
	}
}

// CheckRevocation checks certificate revocation status
func (c *OCSPRevocationChecker) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("certificate is nil")
	}
	if issuer == nil {
		return fmt.Errorf("issuer certificate is nil")
	}

	ocspErr := c.checkOCSP(ctx, cert, issuer)
	if ocspErr == nil || errors.Is(ocspErr, ErrCertificateRevoked) {
		return ocspErr
	}

	if c.config.CRLFallback {
		crlErr := c.checkCRL(ctx, cert, issuer)
		if crlErr == nil || errors.Is(crlErr, ErrCertificateRevoked) {
			return crlErr
		}
		if c.config.StrictMode {
			return fmt.Errorf("revocation check failed: OCSP: %v, CRL: %v", ocspErr, crlErr)
		}
	}

	if c.config.StrictMode {
		return fmt.Errorf("OCSP check failed: %w", ocspErr)
	}
	return nil
}

func (c *OCSPRevocationChecker) checkOCSP(ctx context.Context, cert, issuer *x509.Certificate) error {
	key := cert.SerialNumber.String()
	if cached, ok := c.ocsp.get(key); ok {
		return cached
	}
	if len(cert.OCSPServer) == 0 {
		return fmt.Errorf("no OCSP server URL in certificate")
	}

	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return fmt.Errorf("failed to create OCSP request: %w", err)
	}
	raw, err := c.doOCSPRequest(ctx, cert.OCSPServer[0], req)
	if err != nil {
		return fmt.Errorf("OCSP request failed: %w", err)
	}
	resp, err := ocsp.ParseResponse(raw, issuer)
	if err != nil {
		return fmt.Errorf("failed to parse OCSP response: %w", err)
	}

	var result error
	switch resp.Status {
	case ocsp.Good:
	case ocsp.Revoked:
		result = ErrCertificateRevoked
	case ocsp.Unknown:
		result = fmt.Errorf("OCSP status unknown")
	default:
		result = fmt.Errorf("unexpected OCSP status: %d", resp.Status)
	}
	c.ocsp.set(key, result)
	return result
}

// doOCSPRequest POSTs the request and retries with GET (RFC 6960 A.1)
func (c *OCSPRevocationChecker) doOCSPRequest(ctx context.Context, ocspURL string, request []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ocspURL, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")

	if body, err := c.fetch(httpReq); err == nil {
		return body, nil
	}

	reqURL := ocspURL + "/" + url.PathEscape(base64.StdEncoding.EncodeToString(request))
	httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "application/ocsp-response")
	return c.fetch(httpReq)
}

func (c *OCSPRevocationChecker) fetch(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d", req.URL.Host, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *OCSPRevocationChecker) checkCRL(ctx context.Context, cert, issuer *x509.Certificate) error {
	if len(cert.CRLDistributionPoints) == 0 {
		return fmt.Errorf("no CRL distribution points in certificate")
	}

	var lastErr error
	for _, dp := range cert.CRLDistributionPoints {
		crl, err := c.fetchCRL(ctx, dp, issuer)
		if err != nil {
			lastErr = err
			continue
		}
		for _, revoked := range crl.RevokedCertificateEntries {
			if revoked.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				return ErrCertificateRevoked
			}
		}
		return nil
	}
	return fmt.Errorf("failed to check CRL: %w", lastErr)
}

func (c *OCSPRevocationChecker) fetchCRL(ctx context.Context, crlURL string, issuer *x509.Certificate) (*x509.RevocationList, error) {
	if cached, ok := c.crls.get(crlURL); ok {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, crlURL, nil)
	if err != nil {
		return nil, err
	}
	body, err := c.fetch(req)
	if err != nil {
		return nil, err
	}
	crl, err := x509.ParseRevocationList(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL: %w", err)
	}
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("CRL signature invalid: %w", err)
	}

	c.crls.set(crlURL, crl)
	return crl, nil
}

// ttlCache is a concurrency safe map whose entries expire after ttl
type ttlCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]ttlEntry[T]
	ttl     time.Duration
}

type ttlEntry[T any] struct {
	value  T
	stored time.Time
}

func newTTLCache[T any](ttl time.Duration) *ttlCache[T] {
	return &ttlCache[T]{entries: make(map[string]ttlEntry[T]), ttl: ttl}
}

func (c *ttlCache[T]) get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.stored) > c.ttl {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[T]) set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ttlEntry[T]{value: value, stored: time.Now()}
}

// RevocationAwareCertValidator wraps a CertificateValidator with revocation checking
type RevocationAwareCertValidator struct {
	base    CertificateValidator
	checker RevocationChecker
	// Issuers are consulted when the presented chain does not include the
	// issuer of the end-entity certificate
	Issuers []*x509.Certificate
}

// NewRevocationAwareCertValidator creates a validator with revocation checking
func NewRevocationAwareCertValidator(base CertificateValidator, checker RevocationChecker) *RevocationAwareCertValidator {
	return &RevocationAwareCertValidator{
		base:    base,
		checker: checker,
	}
}

// ValidateCertificate runs the base validation and then checks the
// end-entity certificate against its issuer. Without a known issuer the
// revocation check is skipped.
func (v *RevocationAwareCertValidator) ValidateCertificate(ctx context.Context, cert *x509.Certificate, chain []*x509.Certificate, purpose Purpose) error {
	if err := v.base.ValidateCertificate(ctx, cert, chain, purpose); err != nil {
		return err
	}
	if v.checker == nil {
		return nil
	}
	issuer := v.issuerOf(cert, chain)
	if issuer == nil {
		return nil
	}
	return v.checker.CheckRevocation(ctx, cert, issuer)
}

func (v *RevocationAwareCertValidator) issuerOf(cert *x509.Certificate, chain []*x509.Certificate) *x509.Certificate {
	for _, candidates := range [][]*x509.Certificate{chain, v.Issuers} {
		for _, c := range candidates {
			if cert.CheckSignatureFrom(c) == nil {
				return c
			}
		}
	}
	return nil
}

// ValidateCertificateChain validates a certificate chain with revocation checking
func (v *RevocationAwareCertValidator) ValidateCertificateChain(ctx context.Context, chain []*x509.Certificate, purpose Purpose) error {
	return validateChain(ctx, v, chain, purpose)
}
