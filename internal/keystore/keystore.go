// Package keystore provides the local keys of the MSH.
//
// A Provider hands out signers for message signing. Two backends exist:
//
//   - File: PEM key and certificate files (development)
//   - PKCS#11: keys kept in an HSM or smart card (build tag pkcs11)
//
// The X25519 key that decrypts incoming attachments is always read from a
// PEM file, see LoadDecryptionKey.
package keystore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"time"

	"github.com/pondersource/phase4/pkg/pmode"
)

// Common errors
var (
	ErrKeyNotFound = errors.New("signing key not found")
	ErrNoKeyID     = errors.New("key ID is required")
)

// Provider provides signing keys
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Signer returns the signer of keyID
	Signer(ctx context.Context, keyID string) (Signer, error)

	// Certificate returns the certificate of keyID without unlocking it
	Certificate(ctx context.Context, keyID string) (*x509.Certificate, error)

	// ListKeys returns every key with a certificate
	ListKeys(ctx context.Context) ([]KeyInfo, error)

	// Close releases any resources held by the provider
	Close() error
}

// Signer is a private key together with its certificate
type Signer interface {
	crypto.Signer

	Certificate() *x509.Certificate

	// Algorithm is the XML signature algorithm that fits the key
	Algorithm() pmode.SignatureAlgorithm
}

// KeyInfo describes a signing key
type KeyInfo struct {
	KeyID              string
	Label              string
	Algorithm          string
	KeySize            int
	NotBefore          time.Time
	NotAfter           time.Time
	CertificateSubject string
}

func keyInfo(keyID, label string, cert *x509.Certificate) KeyInfo {
	return KeyInfo{
		KeyID:              keyID,
		Label:              label,
		Algorithm:          keyAlgorithmName(cert.PublicKey),
		KeySize:            keySize(cert.PublicKey),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		CertificateSubject: cert.Subject.String(),
	}
}

// keySigner implements Signer for any crypto.Signer
type keySigner struct {
	crypto.Signer
	cert *x509.Certificate
}

func (s *keySigner) Certificate() *x509.Certificate { return s.cert }

func (s *keySigner) Algorithm() pmode.SignatureAlgorithm {
	return algorithmFor(s.Public())
}

func algorithmFor(pub crypto.PublicKey) pmode.SignatureAlgorithm {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return pmode.AlgoECDSASHA256
	case ed25519.PublicKey:
		return pmode.AlgoEd25519
	default:
		return pmode.AlgoRSASHA256
	}
}

func keyAlgorithmName(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return "EC"
	case *rsa.PublicKey:
		return "RSA"
	case ed25519.PublicKey:
		return "Ed25519"
	default:
		return "Unknown"
	}
}

func keySize(pub crypto.PublicKey) int {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		return k.Curve.Params().BitSize
	case *rsa.PublicKey:
		return k.N.BitLen()
	case ed25519.PublicKey:
		return 256
	default:
		return 0
	}
}
