package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"

	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/soap"
)

type keyKind int

const (
	keyRSA keyKind = iota
	keyECDSA
	keyEd25519
)

// newTestIdentity creates a key and a self-signed certificate valid from
// notBefore to notAfter. Zero times mean one hour ago and one day ahead.
func newTestIdentity(t *testing.T, kind keyKind, cn string, serial int64, notBefore, notAfter time.Time) (crypto.Signer, *x509.Certificate) {
	t.Helper()

	var key crypto.Signer
	var err error
	switch kind {
	case keyRSA:
		key, err = rsa.GenerateKey(rand.Reader, 2048)
	case keyECDSA:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case keyEd25519:
		_, key, err = ed25519.GenerateKey(rand.Reader)
	}
	require.NoError(t, err)

	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	if notAfter.IsZero() {
		notAfter = time.Now().Add(24 * time.Hour)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"phase4 test"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

// newTestEnvelope builds an envelope with a UserMessage header and a body
// payload
func newTestEnvelope(t *testing.T, v soap.Version) (*etree.Document, string) {
	t.Helper()

	um, err := message.NewUserMessage(
		message.NewMessageInfo(message.NewMessageID(), "", time.Time{}),
		message.WithFrom("urn:oasis:names:tc:ebcore:partyid-type:unregistered", "sender", "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/initiator"),
		message.WithTo("urn:oasis:names:tc:ebcore:partyid-type:unregistered", "receiver", "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/responder"),
		message.WithService("", "http://docs.oasis-open.org/ebxml-msg/as4/200902/service"),
		message.WithAction("http://docs.oasis-open.org/ebxml-msg/as4/200902/action"),
	).Build()
	require.NoError(t, err)

	messagingID := "_" + generateID()
	messaging, err := message.MessagingElement(&message.Messaging{UserMessage: []*message.UserMessage{um}}, v, messagingID)
	require.NoError(t, err)

	payload := etree.NewElement("Invoice")
	payload.CreateAttr("xmlns", "urn:example:invoice")
	payload.CreateElement("ID").SetText("INV-1")

	return message.NewSOAPDocument(v, messaging, payload), messagingID
}

// reparse serializes and parses doc, as the wire would
func reparse(t *testing.T, doc *etree.Document) *etree.Document {
	t.Helper()
	data, err := doc.WriteToBytes()
	require.NoError(t, err)
	out := etree.NewDocument()
	require.NoError(t, out.ReadFromBytes(data))
	return out
}
