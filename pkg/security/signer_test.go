package security

import (
	"context"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/soap"
)

func TestSignVerify_Algorithms(t *testing.T) {
	cases := []struct {
		name string
		kind keyKind
		alg  pmode.SignatureAlgorithm
	}{
		{"rsa-sha256", keyRSA, pmode.AlgoRSASHA256},
		{"rsa-sha512", keyRSA, pmode.AlgoRSASHA512},
		{"ecdsa-sha256", keyECDSA, pmode.AlgoECDSASHA256},
		{"ed25519", keyEd25519, pmode.AlgoEd25519},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, cert := newTestIdentity(t, tc.kind, "sender", 1, time.Time{}, time.Time{})
			signer, err := NewXMLSigner(key, cert)
			require.NoError(t, err)

			doc, messagingID := newTestEnvelope(t, soap.SOAP12)
			att := attachment.NewFromBytes("att1@phase4", "application/xml", []byte("<Invoice/>"))

			params := DefaultSigningParams()
			params.Algorithm = tc.alg
			signed, err := signer.Sign(doc, soap.SOAP12, messagingID, []*attachment.Attachment{att}, params)
			require.NoError(t, err)
			assert.False(t, IsSigned(doc, soap.SOAP12), "input must stay untouched")

			wire := reparse(t, signed)
			require.True(t, IsSigned(wire, soap.SOAP12))

			res, err := (&XMLVerifier{}).Verify(context.Background(), wire, soap.SOAP12, []*attachment.Attachment{att})
			require.NoError(t, err)
			assert.Equal(t, string(tc.alg), res.SignatureAlgorithm)
			assert.True(t, res.Certificate.Equal(cert))
			assert.Len(t, res.References, 3)
		})
	}
}

func TestSignVerify_SOAP11(t *testing.T) {
	key, cert := newTestIdentity(t, keyRSA, "sender", 1, time.Time{}, time.Time{})
	signer, err := NewXMLSigner(key, cert)
	require.NoError(t, err)

	doc, _ := newTestEnvelope(t, soap.SOAP11)
	signed, err := signer.Sign(doc, soap.SOAP11, "", nil, DefaultSigningParams())
	require.NoError(t, err)

	security := child(soap.SOAP11.Header(signed), message.NsWSSE, "Security")
	require.NotNil(t, security)
	assert.Equal(t, "1", security.SelectAttrValue("S11:mustUnderstand", ""))

	_, err = (&XMLVerifier{}).Verify(context.Background(), reparse(t, signed), soap.SOAP11, nil)
	require.NoError(t, err)
}

func TestSignVerify_TokenReferences(t *testing.T) {
	for _, method := range []pmode.TokenReferenceMethod{
		pmode.TokenRefKeyIdentifier,
		pmode.TokenRefIssuerSerial,
		pmode.TokenRefThumbprint,
	} {
		t.Run(string(method), func(t *testing.T) {
			key, cert := newTestIdentity(t, keyRSA, "sender", 42, time.Time{}, time.Time{})
			signer, err := NewXMLSigner(key, cert)
			require.NoError(t, err)

			doc, messagingID := newTestEnvelope(t, soap.SOAP12)
			params := DefaultSigningParams()
			params.TokenReference = method
			signed, err := signer.Sign(doc, soap.SOAP12, messagingID, nil, params)
			require.NoError(t, err)
			wire := reparse(t, signed)

			_, err = (&XMLVerifier{}).Verify(context.Background(), wire, soap.SOAP12, nil)
			assert.ErrorIs(t, err, ErrUnknownSigner, "certificate is not embedded")

			res, err := (&XMLVerifier{Peers: []*x509.Certificate{cert}}).Verify(context.Background(), wire, soap.SOAP12, nil)
			require.NoError(t, err)
			assert.True(t, res.Certificate.Equal(cert))
		})
	}
}

func TestVerify_TamperedBody(t *testing.T) {
	key, cert := newTestIdentity(t, keyRSA, "sender", 1, time.Time{}, time.Time{})
	signer, err := NewXMLSigner(key, cert)
	require.NoError(t, err)

	doc, messagingID := newTestEnvelope(t, soap.SOAP12)
	signed, err := signer.Sign(doc, soap.SOAP12, messagingID, nil, DefaultSigningParams())
	require.NoError(t, err)

	wire := reparse(t, signed)
	id := wire.FindElement("//ID")
	require.NotNil(t, id)
	id.SetText("INV-2")

	_, err = (&XMLVerifier{}).Verify(context.Background(), wire, soap.SOAP12, nil)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerify_AttachmentDigestMismatch(t *testing.T) {
	key, cert := newTestIdentity(t, keyECDSA, "sender", 1, time.Time{}, time.Time{})
	signer, err := NewXMLSigner(key, cert)
	require.NoError(t, err)

	doc, messagingID := newTestEnvelope(t, soap.SOAP12)
	att := attachment.NewFromBytes("att1@phase4", "text/plain", []byte("original"))
	params := DefaultSigningParams()
	params.Algorithm = pmode.AlgoECDSASHA256
	signed, err := signer.Sign(doc, soap.SOAP12, messagingID, []*attachment.Attachment{att}, params)
	require.NoError(t, err)

	forged := attachment.NewFromBytes("att1@phase4", "text/plain", []byte("forged"))
	_, err = (&XMLVerifier{}).Verify(context.Background(), reparse(t, signed), soap.SOAP12, []*attachment.Attachment{forged})
	assert.ErrorIs(t, err, ErrSignatureInvalid)

	_, err = (&XMLVerifier{}).Verify(context.Background(), reparse(t, signed), soap.SOAP12, nil)
	assert.ErrorIs(t, err, ErrSignatureInvalid, "missing attachment")
}

func TestVerify_UntrustedCertificate(t *testing.T) {
	key, cert := newTestIdentity(t, keyRSA, "sender", 1, time.Time{}, time.Time{})
	_, other := newTestIdentity(t, keyRSA, "other", 2, time.Time{}, time.Time{})
	signer, err := NewXMLSigner(key, cert)
	require.NoError(t, err)

	doc, messagingID := newTestEnvelope(t, soap.SOAP12)
	signed, err := signer.Sign(doc, soap.SOAP12, messagingID, nil, DefaultSigningParams())
	require.NoError(t, err)

	ver := &XMLVerifier{Validator: NewPinnedCertificateValidator(other)}
	_, err = ver.Verify(context.Background(), reparse(t, signed), soap.SOAP12, nil)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerify_Unsigned(t *testing.T) {
	doc, _ := newTestEnvelope(t, soap.SOAP12)
	_, err := (&XMLVerifier{}).Verify(context.Background(), doc, soap.SOAP12, nil)
	assert.ErrorIs(t, err, ErrNoSignature)
}

func TestSign_Errors(t *testing.T) {
	_, err := NewXMLSigner(nil, nil)
	assert.ErrorIs(t, err, ErrNoSigningKey)

	key, cert := newTestIdentity(t, keyECDSA, "sender", 1, time.Time{}, time.Time{})
	signer, err := NewXMLSigner(key, cert)
	require.NoError(t, err)
	doc, _ := newTestEnvelope(t, soap.SOAP12)

	_, err = signer.Sign(doc, soap.SOAP12, "", nil, SigningParams{})
	assert.ErrorIs(t, err, ErrSigningDisabled)

	// RSA algorithm with an ECDSA key
	_, err = signer.Sign(doc, soap.SOAP12, "", nil, DefaultSigningParams())
	assert.ErrorIs(t, err, ErrSigningFailed)
}

func TestSigningParams_SetFromPMode(t *testing.T) {
	p := DefaultSigningParams()
	p.SetFromPMode(&pmode.Security{X509: &pmode.X509Config{Sign: &pmode.SignConfig{
		Algorithm:      pmode.AlgoEd25519,
		HashFunction:   pmode.HashSHA512,
		TokenReference: pmode.TokenRefIssuerSerial,
	}}})
	assert.Equal(t, pmode.AlgoEd25519, p.Algorithm)
	assert.Equal(t, pmode.HashSHA512, p.DigestAlgorithm)
	assert.Equal(t, pmode.C14NExclusive, p.Canonicalization)
	assert.Equal(t, pmode.TokenRefIssuerSerial, p.TokenReference)
	assert.True(t, p.IsSigningEnabled())

	p.SetFromPMode(nil)
	assert.False(t, p.IsSigningEnabled())
}
