package security

import (
	"crypto"
	"crypto/ecdh"
	"fmt"

	"github.com/pondersource/phase4/pkg/pmode"
)

// SigningParams selects the algorithms of an outgoing signature. Signing
// happens only when both the signature and the digest algorithm are set.
type SigningParams struct {
	Algorithm        pmode.SignatureAlgorithm
	DigestAlgorithm  pmode.HashAlgorithm
	Canonicalization pmode.CanonicalizationAlgorithm
	TokenReference   pmode.TokenReferenceMethod
}

// DefaultSigningParams returns RSA-SHA256 with a SHA-256 digest and a
// BinarySecurityToken reference.
func DefaultSigningParams() SigningParams {
	return SigningParams{
		Algorithm:        pmode.AlgoRSASHA256,
		DigestAlgorithm:  pmode.HashSHA256,
		Canonicalization: pmode.C14NExclusive,
		TokenReference:   pmode.TokenRefBinarySecurityToken,
	}
}

// IsSigningEnabled reports whether both algorithms are set
func (p SigningParams) IsSigningEnabled() bool {
	return p.Algorithm != "" && p.DigestAlgorithm != ""
}

// SetFromPMode copies the signing settings of a leg security section. A
// nil section or one without signing settings disables signing.
func (p *SigningParams) SetFromPMode(sec *pmode.Security) {
	if sec == nil || sec.X509 == nil || sec.X509.Sign == nil {
		p.Algorithm = ""
		p.DigestAlgorithm = ""
		return
	}
	sign := sec.X509.Sign
	p.Algorithm = sign.Algorithm
	p.DigestAlgorithm = sign.HashFunction
	if sign.Canonicalization != "" {
		p.Canonicalization = sign.Canonicalization
	}
	if sign.TokenReference != "" {
		p.TokenReference = sign.TokenReference
	}
}

// CryptParams selects attachment encryption. Encryption happens only when
// both the algorithm and the recipient key are set.
type CryptParams struct {
	Algorithm    pmode.DataEncryptionAlgorithm
	RecipientKey *ecdh.PublicKey
	// HKDFInfo defaults to DefaultHKDFInfo
	HKDFInfo []byte
	// EncryptBody additionally encrypts the SOAP body payload element
	EncryptBody bool
}

// IsEncryptionEnabled reports whether attachments should be encrypted
func (p CryptParams) IsEncryptionEnabled() bool {
	return p.Algorithm != "" && p.RecipientKey != nil
}

// SetFromPMode copies the encryption algorithm of a leg security section
func (p *CryptParams) SetFromPMode(sec *pmode.Security) {
	if sec == nil || sec.X509 == nil || sec.X509.Encryption == nil {
		p.Algorithm = ""
		return
	}
	p.Algorithm = sec.X509.Encryption.Algorithm
}

// hashFor maps a digest algorithm URI to a hash function
func hashFor(alg pmode.HashAlgorithm) (crypto.Hash, error) {
	switch alg {
	case pmode.HashSHA256, "":
		return crypto.SHA256, nil
	case pmode.HashSHA384:
		return crypto.SHA384, nil
	case pmode.HashSHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("unsupported digest algorithm %q", alg)
	}
}

// signatureHashFor maps a signature algorithm URI to the hash it signs.
// Ed25519 signs the message itself and reports 0.
func signatureHashFor(alg pmode.SignatureAlgorithm) (crypto.Hash, error) {
	switch alg {
	case pmode.AlgoRSASHA256, pmode.AlgoECDSASHA256:
		return crypto.SHA256, nil
	case pmode.AlgoRSASHA384:
		return crypto.SHA384, nil
	case pmode.AlgoRSASHA512:
		return crypto.SHA512, nil
	case pmode.AlgoEd25519:
		return 0, nil
	default:
		return 0, fmt.Errorf("unsupported signature algorithm %q", alg)
	}
}
