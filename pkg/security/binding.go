package security

import (
	"context"
	"crypto"
	"crypto/ecdh"
	"crypto/x509"
	"log/slog"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/soap"
)

// Credentials are the local keys of an MSH. Signer may be backed by a
// software key or a PKCS#11 token.
type Credentials struct {
	Signer        crypto.Signer
	Certificate   *x509.Certificate
	DecryptionKey *ecdh.PrivateKey
	// Peers resolve signatures that reference their certificate by
	// KeyIdentifier or IssuerSerial instead of embedding it
	Peers []*x509.Certificate
}

// Binding is the crypto layer used by the client and the receiver
type Binding interface {
	Sign(doc *etree.Document, v soap.Version, messagingID string, attachments []*attachment.Attachment, params SigningParams) (*etree.Document, error)
	Verify(ctx context.Context, doc *etree.Document, v soap.Version, attachments []*attachment.Attachment) (*VerificationResult, error)
	EncryptAttachments(doc *etree.Document, v soap.Version, attachments []*attachment.Attachment, params CryptParams) (*etree.Document, []*attachment.Attachment, error)
	Decrypt(doc *etree.Document, v soap.Version, attachments []*attachment.Attachment) (*DecryptionResult, error)
}

// DecryptionResult is the outcome of Binding.Decrypt. Document is the
// envelope with the body payload restored; BodyDecrypted reports whether it
// differs from the input.
type DecryptionResult struct {
	Document      *etree.Document
	Attachments   []*attachment.Attachment
	BodyDecrypted bool
}

// DefaultBinding implements Binding with XMLSigner, XMLVerifier and X25519
// attachment encryption
type DefaultBinding struct {
	creds    Credentials
	signer   *XMLSigner
	verifier *XMLVerifier
	hkdfInfo []byte
	logger   *slog.Logger
}

// BindingOption configures a DefaultBinding
type BindingOption func(*DefaultBinding)

// WithValidator sets the trust decision for signing certificates
func WithValidator(v CertificateValidator) BindingOption {
	return func(b *DefaultBinding) { b.verifier.Validator = v }
}

// WithHKDFInfo overrides DefaultHKDFInfo for decryption
func WithHKDFInfo(info []byte) BindingOption {
	return func(b *DefaultBinding) { b.hkdfInfo = info }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) BindingOption {
	return func(b *DefaultBinding) { b.logger = l }
}

// NewDefaultBinding creates a binding. Signing is available only when
// creds carry a signer and a certificate.
func NewDefaultBinding(creds Credentials, opts ...BindingOption) *DefaultBinding {
	b := &DefaultBinding{
		creds:    creds,
		verifier: &XMLVerifier{Peers: creds.Peers},
		hkdfInfo: DefaultHKDFInfo,
		logger:   slog.Default(),
	}
	if creds.Signer != nil && creds.Certificate != nil {
		b.signer, _ = NewXMLSigner(creds.Signer, creds.Certificate)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Sign implements Binding
func (b *DefaultBinding) Sign(doc *etree.Document, v soap.Version, messagingID string, attachments []*attachment.Attachment, params SigningParams) (*etree.Document, error) {
	if b.signer == nil {
		return nil, ErrNoSigningKey
	}
	signed, err := b.signer.Sign(doc, v, messagingID, attachments, params)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("signed message",
		slog.String("algorithm", string(params.Algorithm)),
		slog.Int("attachments", len(attachments)))
	return signed, nil
}

// Verify implements Binding
func (b *DefaultBinding) Verify(ctx context.Context, doc *etree.Document, v soap.Version, attachments []*attachment.Attachment) (*VerificationResult, error) {
	res, err := b.verifier.Verify(ctx, doc, v, attachments)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("verified signature",
		slog.String("subject", res.Certificate.Subject.String()),
		slog.String("algorithm", res.SignatureAlgorithm))
	return res, nil
}

// EncryptAttachments implements Binding
func (b *DefaultBinding) EncryptAttachments(doc *etree.Document, v soap.Version, attachments []*attachment.Attachment, params CryptParams) (*etree.Document, []*attachment.Attachment, error) {
	return EncryptAttachments(doc, v, attachments, params)
}

// Decrypt implements Binding
func (b *DefaultBinding) Decrypt(doc *etree.Document, v soap.Version, attachments []*attachment.Attachment) (*DecryptionResult, error) {
	out, atts, bodyDecrypted, err := Decrypt(doc, v, attachments, b.creds.DecryptionKey, b.hkdfInfo)
	if err != nil {
		return nil, err
	}
	return &DecryptionResult{Document: out, Attachments: atts, BodyDecrypted: bodyDecrypted}, nil
}
