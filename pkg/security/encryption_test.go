package security

import (
	"context"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml/xmlenc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/soap"
)

func TestX25519Encryptor_EncryptElement(t *testing.T) {
	privateKey, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	doc := etree.NewDocument()
	root := doc.CreateElement("Secret")
	root.SetText("This is confidential data")

	encData, err := NewX25519Encryptor(privateKey.PublicKey(), []byte("Test HKDF Info"), "").EncryptElement(root)
	require.NoError(t, err)
	assert.Equal(t, xmlenc.AlgorithmAES128GCM, encData.EncryptionMethod.Algorithm)
	require.NotNil(t, encData.KeyInfo)
	assert.NotNil(t, encData.KeyInfo.EncryptedKey)

	decrypted, err := NewX25519Decryptor(privateKey, []byte("Test HKDF Info")).DecryptElement(encData)
	require.NoError(t, err)
	assert.Equal(t, "Secret", decrypted.Tag)
	assert.Equal(t, "This is confidential data", decrypted.Text())
}

func TestX25519Decryptor_MissingKeyInfo(t *testing.T) {
	privateKey, err := GenerateX25519KeyPair()
	require.NoError(t, err)

	_, err = NewX25519Decryptor(privateKey, nil).DecryptElement(&xmlenc.EncryptedData{})
	assert.Error(t, err)
}

func newCryptParams(t *testing.T) (CryptParams, *Credentials) {
	t.Helper()
	key, err := GenerateX25519KeyPair()
	require.NoError(t, err)
	return CryptParams{Algorithm: pmode.DataAlgoAES128GCM, RecipientKey: key.PublicKey()},
		&Credentials{DecryptionKey: key}
}

func TestEncryptAttachments_RoundTrip(t *testing.T) {
	params, creds := newCryptParams(t)
	doc, _ := newTestEnvelope(t, soap.SOAP12)

	atts := []*attachment.Attachment{
		attachment.NewFromBytes("a@phase4", "application/xml", []byte("<Order/>")),
		attachment.NewFromBytes("b@phase4", "application/pdf", []byte("%PDF-1.7 ...")),
	}

	encDoc, encAtts, err := EncryptAttachments(doc, soap.SOAP12, atts, params)
	require.NoError(t, err)
	require.Len(t, encAtts, 2)
	assert.False(t, IsEncrypted(doc, soap.SOAP12), "input must stay untouched")
	assert.True(t, IsEncrypted(encDoc, soap.SOAP12))

	for i, enc := range encAtts {
		assert.Equal(t, atts[i].ID, enc.ID)
		assert.Equal(t, attachment.DefaultMimeType, enc.MimeType)
		ciphertext, err := enc.Bytes()
		require.NoError(t, err)
		plain, err := atts[i].Bytes()
		require.NoError(t, err)
		assert.NotEqual(t, plain, ciphertext)
	}

	security := child(soap.SOAP12.Header(encDoc), message.NsWSSE, "Security")
	require.NotNil(t, security)
	assert.Len(t, children(security, message.NsXENC, "EncryptedData"), 2)

	// reverse order proves matching by Content-ID
	wire := reparse(t, encDoc)
	res, err := NewDefaultBinding(*creds).Decrypt(wire, soap.SOAP12, []*attachment.Attachment{encAtts[1], encAtts[0]})
	require.NoError(t, err)
	assert.False(t, res.BodyDecrypted)

	require.Len(t, res.Attachments, 2)
	got, err := res.Attachments[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7 ..."), got)
	assert.Equal(t, "application/pdf", res.Attachments[0].MimeType)

	got, err = res.Attachments[1].Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("<Order/>"), got)
	assert.Equal(t, "application/xml", res.Attachments[1].MimeType)
}

func TestEncryptAttachments_WrongKey(t *testing.T) {
	params, _ := newCryptParams(t)
	_, other := newCryptParams(t)
	doc, _ := newTestEnvelope(t, soap.SOAP12)
	atts := []*attachment.Attachment{attachment.NewFromBytes("a@phase4", "text/plain", []byte("secret"))}

	encDoc, encAtts, err := EncryptAttachments(doc, soap.SOAP12, atts, params)
	require.NoError(t, err)

	_, err = NewDefaultBinding(*other).Decrypt(reparse(t, encDoc), soap.SOAP12, encAtts)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEncryptBody_RoundTrip(t *testing.T) {
	params, creds := newCryptParams(t)
	params.EncryptBody = true
	doc, _ := newTestEnvelope(t, soap.SOAP12)

	encDoc, _, err := EncryptAttachments(doc, soap.SOAP12, nil, params)
	require.NoError(t, err)
	assert.Nil(t, encDoc.FindElement("//ID"))
	assert.True(t, IsEncrypted(encDoc, soap.SOAP12))

	res, err := NewDefaultBinding(*creds).Decrypt(reparse(t, encDoc), soap.SOAP12, nil)
	require.NoError(t, err)
	assert.True(t, res.BodyDecrypted)

	id := res.Document.FindElement("//ID")
	require.NotNil(t, id)
	assert.Equal(t, "INV-1", id.Text())
}

func TestSignThenEncrypt_DecryptThenVerify(t *testing.T) {
	key, cert := newTestIdentity(t, keyRSA, "sender", 1, time.Time{}, time.Time{})
	params, creds := newCryptParams(t)

	sender := NewDefaultBinding(Credentials{Signer: key, Certificate: cert})
	receiver := NewDefaultBinding(*creds, WithValidator(NewPinnedCertificateValidator(cert)))

	doc, messagingID := newTestEnvelope(t, soap.SOAP12)
	atts := []*attachment.Attachment{attachment.NewFromBytes("a@phase4", "application/xml", []byte("<Order/>"))}

	signed, err := sender.Sign(doc, soap.SOAP12, messagingID, atts, DefaultSigningParams())
	require.NoError(t, err)
	encDoc, encAtts, err := sender.EncryptAttachments(signed, soap.SOAP12, atts, params)
	require.NoError(t, err)

	wire := reparse(t, encDoc)
	_, err = receiver.Verify(context.Background(), wire, soap.SOAP12, encAtts)
	assert.ErrorIs(t, err, ErrSignatureInvalid, "signature covers the plaintext")

	dec, err := receiver.Decrypt(wire, soap.SOAP12, encAtts)
	require.NoError(t, err)
	res, err := receiver.Verify(context.Background(), dec.Document, soap.SOAP12, dec.Attachments)
	require.NoError(t, err)
	assert.True(t, res.Certificate.Equal(cert))
}

func TestEncryptAttachments_Disabled(t *testing.T) {
	doc, _ := newTestEnvelope(t, soap.SOAP12)
	_, _, err := EncryptAttachments(doc, soap.SOAP12, nil, CryptParams{})
	assert.ErrorIs(t, err, ErrEncryptionDisabled)

	_, err = NewDefaultBinding(Credentials{}).Decrypt(doc, soap.SOAP12, nil)
	assert.ErrorIs(t, err, ErrNoDecryptionKey)
}

func TestParseEncryptedKeyElement_RoundTrip(t *testing.T) {
	key, err := GenerateX25519KeyPair()
	require.NoError(t, err)
	ka, err := xmlenc.NewX25519KeyAgreement(key.PublicKey(), xmlenc.DefaultHKDFParams(DefaultHKDFInfo))
	require.NoError(t, err)
	cek := make([]byte, 16)
	ek, err := ka.WrapKey(cek, xmlenc.KeyWrapAlgorithmForContentAlgorithm(xmlenc.AlgorithmAES128GCM))
	require.NoError(t, err)
	ek.ReferenceList = []xmlenc.DataReference{{URI: "#ED-1"}}

	parsed, err := parseEncryptedKeyElement(encryptedKeyToElement(ek, "EK-1"))
	require.NoError(t, err)
	require.Len(t, parsed.ReferenceList, 1)
	assert.Equal(t, "#ED-1", parsed.ReferenceList[0].URI)

	got, err := unwrapKey(parsed, key, DefaultHKDFInfo)
	require.NoError(t, err)
	assert.Equal(t, cek, got)
}
