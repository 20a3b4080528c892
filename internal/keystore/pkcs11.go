//go:build pkcs11

package keystore

import (
	"context"
	"crypto/x509"
	"fmt"
	"strings"
	"sync"

	"github.com/ThalesGroup/crypto11"
)

// PKCS11Provider implements Provider using a PKCS#11 token (HSM/smart card)
type PKCS11Provider struct {
	ctx             *crypto11.Context
	keyLabelPattern string
	mu              sync.RWMutex
	signers         map[string]*keySigner
}

// NewPKCS11Provider creates a new PKCS#11 provider
func NewPKCS11Provider(cfg *PKCS11Config) (*PKCS11Provider, error) {
	config := &crypto11.Config{
		Path: cfg.ModulePath,
		Pin:  cfg.PIN,
	}
	if cfg.SlotID != nil {
		slotID := int(*cfg.SlotID)
		config.SlotNumber = &slotID
	}
	if cfg.SlotLabel != "" {
		config.TokenLabel = cfg.SlotLabel
	}

	ctx, err := crypto11.Configure(config)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}

	pattern := cfg.KeyLabelPattern
	if pattern == "" {
		pattern = DefaultKeyLabelPattern
	}
	return &PKCS11Provider{
		ctx:             ctx,
		keyLabelPattern: pattern,
		signers:         make(map[string]*keySigner),
	}, nil
}

// Signer returns the signer of keyID
func (p *PKCS11Provider) Signer(_ context.Context, keyID string) (Signer, error) {
	if keyID == "" {
		return nil, ErrNoKeyID
	}

	p.mu.RLock()
	if s, ok := p.signers[keyID]; ok {
		p.mu.RUnlock()
		return s, nil
	}
	p.mu.RUnlock()

	s, err := p.loadSigner(p.keyLabel(keyID))
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.signers[keyID] = s
	p.mu.Unlock()
	return s, nil
}

// Certificate returns the certificate stored under the key's label
func (p *PKCS11Provider) Certificate(_ context.Context, keyID string) (*x509.Certificate, error) {
	if keyID == "" {
		return nil, ErrNoKeyID
	}
	cert, err := p.ctx.FindCertificate(nil, []byte(p.keyLabel(keyID)), nil)
	if err != nil {
		return nil, fmt.Errorf("finding certificate: %w", err)
	}
	if cert == nil {
		return nil, ErrKeyNotFound
	}
	return cert, nil
}

// ListKeys returns the key pairs that have a certificate with the same label
func (p *PKCS11Provider) ListKeys(_ context.Context) ([]KeyInfo, error) {
	certs, err := p.ctx.FindAllPairedCertificates()
	if err != nil {
		return nil, fmt.Errorf("listing certificates: %w", err)
	}
	prefix, suffix, _ := strings.Cut(p.keyLabelPattern, keyIDPlaceholder)

	var keys []KeyInfo
	for _, tlsCert := range certs {
		cert := tlsCert.Leaf
		if cert == nil && len(tlsCert.Certificate) > 0 {
			cert, err = x509.ParseCertificate(tlsCert.Certificate[0])
			if err != nil {
				continue
			}
		}
		if cert == nil {
			continue
		}
		label := cert.Subject.CommonName
		keyID := strings.TrimSuffix(strings.TrimPrefix(label, prefix), suffix)
		keys = append(keys, keyInfo(keyID, label, cert))
	}
	return keys, nil
}

// Close releases PKCS#11 resources
func (p *PKCS11Provider) Close() error {
	return p.ctx.Close()
}

func (p *PKCS11Provider) keyLabel(keyID string) string {
	return strings.ReplaceAll(p.keyLabelPattern, keyIDPlaceholder, keyID)
}

func (p *PKCS11Provider) loadSigner(label string) (*keySigner, error) {
	key, err := p.ctx.FindKeyPair(nil, []byte(label))
	if err != nil {
		return nil, fmt.Errorf("finding key pair: %w", err)
	}
	if key == nil {
		return nil, ErrKeyNotFound
	}

	cert, err := p.ctx.FindCertificate(nil, []byte(label), nil)
	if err != nil {
		return nil, fmt.Errorf("finding certificate: %w", err)
	}
	if cert == nil {
		return nil, fmt.Errorf("%w: no certificate labelled %q", ErrKeyNotFound, label)
	}
	return &keySigner{Signer: key, cert: cert}, nil
}
