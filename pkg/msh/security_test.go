package msh

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/security"
	"github.com/pondersource/phase4/pkg/soap"
)

// stubBinding fails on demand and otherwise passes documents through
type stubBinding struct {
	decryptErr error
	verifyErr  error
	verified   int
}

func (b *stubBinding) Sign(doc *etree.Document, _ soap.Version, _ string, _ []*attachment.Attachment, _ security.SigningParams) (*etree.Document, error) {
	return doc, nil
}

func (b *stubBinding) Verify(_ context.Context, _ *etree.Document, _ soap.Version, _ []*attachment.Attachment) (*security.VerificationResult, error) {
	b.verified++
	if b.verifyErr != nil {
		return nil, b.verifyErr
	}
	return &security.VerificationResult{}, nil
}

func (b *stubBinding) EncryptAttachments(doc *etree.Document, _ soap.Version, atts []*attachment.Attachment, _ security.CryptParams) (*etree.Document, []*attachment.Attachment, error) {
	return doc, atts, nil
}

func (b *stubBinding) Decrypt(doc *etree.Document, _ soap.Version, atts []*attachment.Attachment) (*security.DecryptionResult, error) {
	if b.decryptErr != nil {
		return nil, b.decryptErr
	}
	return &security.DecryptionResult{Document: doc, Attachments: atts}, nil
}

func newSigningIdentity(t *testing.T, cn string) (crypto.Signer, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func signedEncryptedPMode() *pmode.PMode {
	pm := newTestPMode()
	pm.Leg1.Security = &pmode.Security{
		X509: &pmode.X509Config{
			Sign:       &pmode.SignConfig{Algorithm: pmode.AlgoRSASHA256, HashFunction: pmode.HashSHA256},
			Encryption: &pmode.EncryptionConfig{Algorithm: pmode.DataAlgoAES128GCM},
		},
		SendReceipt: &pmode.SendReceipt{Enabled: true, NonRepudiation: true},
	}
	return pm
}

type securedPeers struct {
	sender   *security.DefaultBinding
	receiver *security.DefaultBinding
	params   security.CryptParams
}

func newSecuredPeers(t *testing.T) *securedPeers {
	t.Helper()
	key, cert := newSigningIdentity(t, "sender")
	decKey, err := security.GenerateX25519KeyPair()
	require.NoError(t, err)
	return &securedPeers{
		sender: security.NewDefaultBinding(security.Credentials{Signer: key, Certificate: cert}),
		receiver: security.NewDefaultBinding(security.Credentials{DecryptionKey: decKey},
			security.WithValidator(security.NewPinnedCertificateValidator(cert))),
		params: security.CryptParams{Algorithm: pmode.DataAlgoAES128GCM, RecipientKey: decKey.PublicKey()},
	}
}

// secure signs and encrypts a user message carrying att the way a sending
// MSH does
func (p *securedPeers) secure(t *testing.T, att *attachment.Attachment) (*etree.Document, []*attachment.Attachment) {
	t.Helper()
	pi := message.NewPartInfo(att.ID)
	doc, messagingID, err := message.NewMessagingDocument(soap.SOAP12, userMessaging(newTestUserMessage(t, pi)), nil)
	require.NoError(t, err)
	atts := []*attachment.Attachment{att}
	signed, err := p.sender.Sign(doc, soap.SOAP12, messagingID, atts, security.DefaultSigningParams())
	require.NoError(t, err)
	encDoc, encAtts, err := p.sender.EncryptAttachments(signed, soap.SOAP12, atts, p.params)
	require.NoError(t, err)
	return encDoc, encAtts
}

func newSecuredHandler(t *testing.T, binding security.Binding, pm *pmode.PMode) *Handler {
	t.Helper()
	processors := NewDefaultRegistry(NewStaticPModeResolver(newTestRegistry(t, pm)), binding, nil)
	h, err := NewHandler(Config{Processors: processors})
	require.NoError(t, err)
	return h
}

func TestSecurityProcessor_SignedAndEncrypted(t *testing.T) {
	peers := newSecuredPeers(t)
	h := newSecuredHandler(t, peers.receiver, signedEncryptedPMode())

	att := attachment.NewFromBytes("order@example.org", "application/xml", []byte("<Order/>"))
	doc, encAtts := peers.secure(t, att)
	body, header := serializeMultipart(t, soap.SOAP12, doc, encAtts...)

	state, errs, err := process(t, h, header, body)
	require.NoError(t, err)
	require.Empty(t, errs)
	assert.True(t, state.Signed)
	require.NotNil(t, state.Verification)
	assert.NotEmpty(t, state.Verification.References)

	require.True(t, state.HasDecryptedAttachments())
	atts := state.Attachments()
	require.Len(t, atts, 1)
	data, err := atts[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, "<Order/>", string(data))

	orig, err := state.OriginalAttachments[0].Bytes()
	require.NoError(t, err)
	assert.NotEqual(t, "<Order/>", string(orig))
}

func TestSecurityProcessor_UntrustedSigner(t *testing.T) {
	peers := newSecuredPeers(t)
	_, other := newSigningIdentity(t, "someone-else")
	receiver := security.NewDefaultBinding(security.Credentials{},
		security.WithValidator(security.NewPinnedCertificateValidator(other)))
	pm := signedEncryptedPMode()
	pm.Leg1.Security.X509.Encryption = nil
	h := newSecuredHandler(t, receiver, pm)

	pi := message.NewPartInfo("a@example.org")
	att := attachment.NewFromBytes("a@example.org", "text/plain", []byte("hello"))
	doc, messagingID, err := message.NewMessagingDocument(soap.SOAP12, userMessaging(newTestUserMessage(t, pi)), nil)
	require.NoError(t, err)
	signed, err := peers.sender.Sign(doc, soap.SOAP12, messagingID, []*attachment.Attachment{att}, security.DefaultSigningParams())
	require.NoError(t, err)
	body, header := serializeMultipart(t, soap.SOAP12, signed, att)

	state, errs, err := process(t, h, header, body)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "EBMS:0101", errs[0].ErrorCode)
	assert.False(t, state.HeaderProcessingSuccessful)
	assert.False(t, state.Signed)
}

func TestSecurityProcessor_DecryptionFailure(t *testing.T) {
	peers := newSecuredPeers(t)
	stub := &stubBinding{decryptErr: errors.New("wrong key")}
	h := newSecuredHandler(t, stub, signedEncryptedPMode())

	att := attachment.NewFromBytes("order@example.org", "application/xml", []byte("<Order/>"))
	doc, encAtts := peers.secure(t, att)
	body, header := serializeMultipart(t, soap.SOAP12, doc, encAtts...)

	_, errs, err := process(t, h, header, body)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "EBMS:0102", errs[0].ErrorCode)
	assert.Zero(t, stub.verified, "verification must not run after a failed decryption")
}

func TestSecurityProcessor_UnencryptedAttachments(t *testing.T) {
	peers := newSecuredPeers(t)
	h := newSecuredHandler(t, peers.receiver, signedEncryptedPMode())

	pi := message.NewPartInfo("a@example.org")
	att := attachment.NewFromBytes("a@example.org", "text/plain", []byte("hello"))
	doc, messagingID, err := message.NewMessagingDocument(soap.SOAP12, userMessaging(newTestUserMessage(t, pi)), nil)
	require.NoError(t, err)
	signed, err := peers.sender.Sign(doc, soap.SOAP12, messagingID, []*attachment.Attachment{att}, security.DefaultSigningParams())
	require.NoError(t, err)
	body, header := serializeMultipart(t, soap.SOAP12, signed, att)

	state, errs, err := process(t, h, header, body)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "EBMS:0103", errs[0].ErrorCode)
	assert.True(t, state.Signed)
}
