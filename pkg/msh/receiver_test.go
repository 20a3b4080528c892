package msh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/dump"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/reliability"
	"github.com/pondersource/phase4/pkg/security"
	"github.com/pondersource/phase4/pkg/soap"
)

type recordingConsumer struct {
	deliveries []*Delivery
	payloads   [][]byte
	err        error
}

func (c *recordingConsumer) Consume(ctx context.Context, d *Delivery) error {
	c.deliveries = append(c.deliveries, d)
	for _, att := range d.Attachments {
		data, err := att.Bytes()
		if err != nil {
			return err
		}
		c.payloads = append(c.payloads, data)
	}
	return c.err
}

func newTestReceiver(t *testing.T, h *Handler, cfg ReceiverConfig) *Receiver {
	t.Helper()
	cfg.Handler = h
	cfg.TempDir = t.TempDir()
	rc, err := NewReceiver(cfg)
	require.NoError(t, err)
	return rc
}

func post(t *testing.T, rc http.Handler, header http.Header, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/as4", bytes.NewReader(body))
	for k, vs := range header {
		req.Header[k] = vs
	}
	rec := httptest.NewRecorder()
	rc.ServeHTTP(rec, req)
	return rec
}

// responseSignal decodes the signal message of a synchronous response
func responseSignal(t *testing.T, rec *httptest.ResponseRecorder) *message.SignalMessage {
	t.Helper()
	v, ok := soap.FromMimeType(rec.Header().Get("Content-Type"))
	require.True(t, ok, "content type %q", rec.Header().Get("Content-Type"))
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(rec.Body.Bytes()))
	m, err := message.ParseMessaging(message.FindMessaging(doc, v))
	require.NoError(t, err)
	require.Len(t, m.SignalMessage, 1)
	return m.SignalMessage[0]
}

func TestNewReceiver_RequiresHandler(t *testing.T) {
	_, err := NewReceiver(ReceiverConfig{})
	assert.Error(t, err)
}

func TestReceiver_MethodNotAllowed(t *testing.T) {
	rc := newTestReceiver(t, newTestHandler(t, newTestPMode()), ReceiverConfig{})
	rec := httptest.NewRecorder()
	rc.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/as4", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestReceiver_UserMessageReceipt(t *testing.T) {
	consumer := &recordingConsumer{}
	rc := newTestReceiver(t, newTestHandler(t, newTestPMode()), ReceiverConfig{Consumer: consumer})

	att := attachment.NewFromBytes("invoice@example.org", "application/xml", []byte("<Invoice/>"))
	um := newTestUserMessage(t, message.NewPartInfo(att.ID))
	doc := newEnvelope(t, soap.SOAP12, userMessaging(um), nil)
	body, header := serializeMultipart(t, soap.SOAP12, doc, att)

	rec := post(t, rc, header, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, soap.SOAP12.ContentType(), rec.Header().Get("Content-Type"))

	sm := responseSignal(t, rec)
	require.NotNil(t, sm.Receipt)
	assert.Equal(t, um.MessageInfo.MessageId, sm.MessageInfo.RefToMessageId)
	assert.Contains(t, string(sm.Receipt.Content), "UserMessage")

	require.Len(t, consumer.deliveries, 1)
	assert.Equal(t, um.MessageInfo.MessageId, consumer.deliveries[0].UserMessage.MessageInfo.MessageId)
	assert.Equal(t, []byte("<Invoice/>"), consumer.payloads[0])
	assert.NotEmpty(t, consumer.deliveries[0].Metadata.RemoteAddr)
}

func TestReceiver_SOAP11Response(t *testing.T) {
	pm := newTestPMode()
	pm.Leg1.Protocol.SOAPVersion = soap.SOAP11
	rc := newTestReceiver(t, newTestHandler(t, pm), ReceiverConfig{})

	doc := newEnvelope(t, soap.SOAP11, userMessaging(newTestUserMessage(t)), etree.NewElement("Payload"))
	body, header := serializePlain(t, soap.SOAP11, doc)

	rec := post(t, rc, header, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, soap.SOAP11.ContentType(), rec.Header().Get("Content-Type"))
	assert.NotNil(t, responseSignal(t, rec).Receipt)
}

func TestReceiver_DuplicateNotDeliveredTwice(t *testing.T) {
	consumer := &recordingConsumer{}
	detector := reliability.NewMemoryDetector(0)
	rc := newTestReceiver(t, newTestHandler(t, newTestPMode()), ReceiverConfig{Consumer: consumer, Detector: detector})

	doc := newEnvelope(t, soap.SOAP12, userMessaging(newTestUserMessage(t)), nil)
	body, header := serializePlain(t, soap.SOAP12, doc)

	for i := 0; i < 2; i++ {
		rec := post(t, rc, header, body)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotNil(t, responseSignal(t, rec).Receipt, "duplicates are acknowledged again")
	}
	assert.Len(t, consumer.deliveries, 1)
}

func TestReceiver_ConsumerFailureAllowsRedelivery(t *testing.T) {
	consumer := &recordingConsumer{err: errors.New("backend down")}
	detector := reliability.NewMemoryDetector(0)
	rc := newTestReceiver(t, newTestHandler(t, newTestPMode()), ReceiverConfig{Consumer: consumer, Detector: detector})

	um := newTestUserMessage(t)
	doc := newEnvelope(t, soap.SOAP12, userMessaging(um), nil)
	body, header := serializePlain(t, soap.SOAP12, doc)

	rec := post(t, rc, header, body)
	require.Equal(t, http.StatusOK, rec.Code)
	sm := responseSignal(t, rec)
	require.Len(t, sm.Error, 1)
	assert.Equal(t, "EBMS:0004", sm.Error[0].ErrorCode)
	assert.Equal(t, um.MessageInfo.MessageId, sm.Error[0].RefToMessageInError)

	consumer.err = nil
	rec = post(t, rc, header, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, responseSignal(t, rec).Receipt)
	assert.Len(t, consumer.deliveries, 2)
}

func TestReceiver_ConsumerProcessingError(t *testing.T) {
	consumer := &recordingConsumer{err: message.EbmsValueInconsistent.Errorf("unknown invoice type")}
	rc := newTestReceiver(t, newTestHandler(t, newTestPMode()), ReceiverConfig{Consumer: consumer})

	doc := newEnvelope(t, soap.SOAP12, userMessaging(newTestUserMessage(t)), nil)
	body, header := serializePlain(t, soap.SOAP12, doc)

	sm := responseSignal(t, post(t, rc, header, body))
	require.Len(t, sm.Error, 1)
	assert.Equal(t, "EBMS:0003", sm.Error[0].ErrorCode)
	assert.Equal(t, "unknown invoice type", sm.Error[0].ErrorDetail)
}

func TestReceiver_PingNotDelivered(t *testing.T) {
	consumer := &recordingConsumer{}
	rc := newTestReceiver(t, newTestHandler(t, pmode.Default()), ReceiverConfig{Consumer: consumer})

	um, err := message.NewUserMessage(message.NewMessageInfo(message.NewMessageID(), "", time.Time{}),
		message.WithFrom(partyType, pmode.DefaultFromURL, pmode.DefaultInitiatorURL),
		message.WithTo(partyType, pmode.DefaultToURL, pmode.DefaultResponderURL),
		message.WithService("", pmode.DefaultServiceURL),
		message.WithAction(pmode.DefaultActionURL),
	).Build()
	require.NoError(t, err)
	doc := newEnvelope(t, soap.SOAP12, userMessaging(um), nil)
	body, header := serializePlain(t, soap.SOAP12, doc)

	rec := post(t, rc, header, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, responseSignal(t, rec).Receipt)
	assert.Empty(t, consumer.deliveries)
}

func TestReceiver_ReceiptDisabled(t *testing.T) {
	for _, sr := range []*pmode.SendReceipt{
		{Enabled: false},
		{Enabled: true, ReplyPattern: pmode.ReplyPatternCallback},
	} {
		pm := newTestPMode()
		pm.Leg1.Security = &pmode.Security{SendReceipt: sr}
		rc := newTestReceiver(t, newTestHandler(t, pm), ReceiverConfig{})

		doc := newEnvelope(t, soap.SOAP12, userMessaging(newTestUserMessage(t)), nil)
		body, header := serializePlain(t, soap.SOAP12, doc)

		rec := post(t, rc, header, body)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Zero(t, rec.Body.Len())
	}
}

func TestReceiver_EbmsErrorSignal(t *testing.T) {
	consumer := &recordingConsumer{}
	rc := newTestReceiver(t, newTestHandler(t, newTestPMode()), ReceiverConfig{Consumer: consumer})

	um := newTestUserMessage(t, message.NewPartInfo("missing@example.org"))
	doc := newEnvelope(t, soap.SOAP12, userMessaging(um), nil)
	body, header := serializePlain(t, soap.SOAP12, doc)

	rec := post(t, rc, header, body)
	require.Equal(t, http.StatusOK, rec.Code)
	sm := responseSignal(t, rec)
	require.Len(t, sm.Error, 1)
	assert.Equal(t, "EBMS:0011", sm.Error[0].ErrorCode)
	assert.Equal(t, um.MessageInfo.MessageId, sm.MessageInfo.RefToMessageId)
	assert.Empty(t, consumer.deliveries)
}

func TestReceiver_ProtocolFailure(t *testing.T) {
	rc := newTestReceiver(t, newTestHandler(t, newTestPMode()), ReceiverConfig{})

	header := http.Header{}
	header.Set("Content-Type", soap.SOAP12.ContentType())
	rec := post(t, rc, header, []byte("not xml"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	sm := responseSignal(t, rec)
	require.Len(t, sm.Error, 1)
	assert.Equal(t, "EBMS:0004", sm.Error[0].ErrorCode)

	// no P-Mode for the parties
	other := newTestUserMessage(t)
	other.PartyInfo.From.PartyId[0].Value = "stranger"
	doc := newEnvelope(t, soap.SOAP11, userMessaging(other), nil)
	body, h := serializePlain(t, soap.SOAP11, doc)
	rc = newTestReceiver(t, newTestHandler(t), ReceiverConfig{})
	rec = post(t, rc, h, body)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, soap.SOAP11.ContentType(), rec.Header().Get("Content-Type"))
}

func TestReceiver_PullRequestEmptyChannel(t *testing.T) {
	rc := newTestReceiver(t, newTestHandler(t, newTestPMode()), ReceiverConfig{})

	sm := message.NewPullRequestSignal(message.NewMessageInfo(message.NewMessageID(), "", time.Time{}), "urn:test")
	doc, _, err := message.NewSignalDocument(soap.SOAP12, sm)
	require.NoError(t, err)
	body, header := serializePlain(t, soap.SOAP12, doc)

	rec := post(t, rc, header, body)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := responseSignal(t, rec)
	require.Len(t, resp.Error, 1)
	assert.Equal(t, "EBMS:0006", resp.Error[0].ErrorCode)
	assert.Equal(t, string(message.SeverityWarning), resp.Error[0].Severity)
}

func TestReceiver_IncomingSignalAccepted(t *testing.T) {
	processors := NewDefaultRegistry(NewStaticPModeResolver(pmode.NewRegistry()), nil, newTestPMode())
	h, err := NewHandler(Config{Processors: processors})
	require.NoError(t, err)
	rc := newTestReceiver(t, h, ReceiverConfig{})

	sm := message.NewReceiptSignal(message.NewMessageInfo(message.NewMessageID(), "orig@test", time.Time{}), []byte("<x/>"))
	doc, _, err := message.NewSignalDocument(soap.SOAP12, sm)
	require.NoError(t, err)
	body, header := serializePlain(t, soap.SOAP12, doc)

	rec := post(t, rc, header, body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestReceiver_NonRepudiationReceipt(t *testing.T) {
	peers := newSecuredPeers(t)
	pm := signedEncryptedPMode()
	h := newSecuredHandler(t, peers.receiver, pm)
	rc := newTestReceiver(t, h, ReceiverConfig{Consumer: &recordingConsumer{}})

	att := attachment.NewFromBytes("order@example.org", "application/xml", []byte("<Order/>"))
	doc, encAtts := peers.secure(t, att)
	body, header := serializeMultipart(t, soap.SOAP12, doc, encAtts...)

	rec := post(t, rc, header, body)
	require.Equal(t, http.StatusOK, rec.Code)
	sm := responseSignal(t, rec)
	require.NotNil(t, sm.Receipt)
	content := string(sm.Receipt.Content)
	assert.Contains(t, content, "NonRepudiationInformation")
	assert.Contains(t, content, "MessagePartNRInformation")
}

func TestReceiver_SignsResponses(t *testing.T) {
	key, cert := newSigningIdentity(t, "receiver")
	pm := newTestPMode()
	pm.Leg1.Security = &pmode.Security{X509: &pmode.X509Config{
		Sign: &pmode.SignConfig{Algorithm: pmode.AlgoRSASHA256, HashFunction: pmode.HashSHA256},
	}}
	// the incoming message is unsigned, so it fails the policy and the
	// error signal is signed with the receiver's key
	binding := security.NewDefaultBinding(security.Credentials{Signer: key, Certificate: cert})
	h := newSecuredHandler(t, binding, pm)
	rc := newTestReceiver(t, h, ReceiverConfig{Binding: binding})

	doc := newEnvelope(t, soap.SOAP12, userMessaging(newTestUserMessage(t)), nil)
	body, header := serializePlain(t, soap.SOAP12, doc)

	rec := post(t, rc, header, body)
	require.Equal(t, http.StatusOK, rec.Code)
	sm := responseSignal(t, rec)
	require.Len(t, sm.Error, 1)
	assert.Equal(t, "EBMS:0103", sm.Error[0].ErrorCode)

	resp := etree.NewDocument()
	require.NoError(t, resp.ReadFromBytes(rec.Body.Bytes()))
	assert.True(t, security.IsSigned(resp, soap.SOAP12))
	_, err := security.NewDefaultBinding(security.Credentials{},
		security.WithValidator(security.NewPinnedCertificateValidator(cert))).
		Verify(context.Background(), resp, soap.SOAP12, nil)
	assert.NoError(t, err)
}

func TestReceiver_IncomingDump(t *testing.T) {
	var dumped bytes.Buffer
	dumper := dump.IncomingDumperFunc(func(ctx context.Context, header http.Header) (io.WriteCloser, error) {
		if err := dump.WriteHeaders(&dumped, header); err != nil {
			return nil, err
		}
		return nopCloser{&dumped}, nil
	})
	rc := newTestReceiver(t, newTestHandler(t, newTestPMode()), ReceiverConfig{IncomingDumper: dumper})

	doc := newEnvelope(t, soap.SOAP12, userMessaging(newTestUserMessage(t)), nil)
	body, header := serializePlain(t, soap.SOAP12, doc)

	rec := post(t, rc, header, body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(dumped.String(), "Content-Type: "+soap.SOAP12.ContentType()+"\r\n"))
	assert.True(t, strings.HasSuffix(dumped.String(), string(body)))
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }
