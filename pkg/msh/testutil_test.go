package msh

import (
	"bytes"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/mime"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/resource"
	"github.com/pondersource/phase4/pkg/soap"
)

const (
	testService = "urn:example:service"
	testAction  = "urn:example:action"
	partyType   = "urn:oasis:names:tc:ebcore:partyid-type:unregistered"
)

func newTestPMode() *pmode.PMode {
	return &pmode.PMode{
		ID:         "sender-receiver",
		Initiator:  &pmode.Party{ID: "sender", Role: pmode.DefaultInitiatorURL},
		Responder:  &pmode.Party{ID: "receiver", Role: pmode.DefaultResponderURL},
		MEP:        pmode.MEPOneWay,
		MEPBinding: pmode.BindingPush,
		Leg1: &pmode.Leg{
			Protocol:     &pmode.Protocol{SOAPVersion: soap.SOAP12},
			BusinessInfo: &pmode.BusinessInfo{Service: testService, Action: testAction, MPC: "urn:test"},
		},
		ReceptionAwareness: &pmode.ReceptionAwareness{
			Enabled:            true,
			DuplicateDetection: &pmode.DuplicateDetectionConfig{Enabled: true, Window: time.Hour},
		},
	}
}

func newTestRegistry(t *testing.T, pmodes ...*pmode.PMode) *pmode.Registry {
	t.Helper()
	reg := pmode.NewRegistry()
	for _, p := range pmodes {
		require.NoError(t, reg.Register(p))
	}
	return reg
}

func newTestHandler(t *testing.T, pmodes ...*pmode.PMode) *Handler {
	t.Helper()
	processors := NewDefaultRegistry(NewStaticPModeResolver(newTestRegistry(t, pmodes...)), nil, nil)
	h, err := NewHandler(Config{Processors: processors})
	require.NoError(t, err)
	return h
}

func newTestUserMessage(t *testing.T, parts ...message.PartInfo) *message.UserMessage {
	t.Helper()
	opts := []message.Option{
		message.WithFrom(partyType, "sender", pmode.DefaultInitiatorURL),
		message.WithTo(partyType, "receiver", pmode.DefaultResponderURL),
		message.WithService("", testService),
		message.WithAction(testAction),
	}
	for _, pi := range parts {
		opts = append(opts, message.WithPartInfo(pi))
	}
	um, err := message.NewUserMessage(message.NewMessageInfo(message.NewMessageID(), "", time.Time{}), opts...).Build()
	require.NoError(t, err)
	return um
}

func newEnvelope(t *testing.T, v soap.Version, m *message.Messaging, payload *etree.Element) *etree.Document {
	t.Helper()
	doc, _, err := message.NewMessagingDocument(v, m, payload)
	require.NoError(t, err)
	return doc
}

func userMessaging(um *message.UserMessage) *message.Messaging {
	return &message.Messaging{UserMessage: []*message.UserMessage{um}}
}

// serializeMultipart renders doc and atts the way a sender puts them on the wire
func serializeMultipart(t *testing.T, v soap.Version, doc *etree.Document, atts ...*attachment.Attachment) ([]byte, http.Header) {
	t.Helper()
	body, ct, err := mime.NewMessage(v, doc, atts).Serialize()
	require.NoError(t, err)
	h := http.Header{}
	h.Set("Content-Type", ct)
	return body, h
}

func serializePlain(t *testing.T, v soap.Version, doc *etree.Document) ([]byte, http.Header) {
	t.Helper()
	body, err := doc.WriteToBytes()
	require.NoError(t, err)
	h := http.Header{}
	h.Set("Content-Type", v.ContentType())
	return body, h
}

// process runs parse and the pipeline over a serialized request
func process(t *testing.T, h *Handler, header http.Header, body []byte) (*MessageState, []*message.Error, error) {
	t.Helper()
	scope := resource.NewScope(t.TempDir())
	t.Cleanup(func() { _ = scope.Close() })

	in, err := h.Parse(context.Background(), header, bytes.NewReader(body), scope)
	require.NoError(t, err)
	return h.ProcessEbmsMessage(context.Background(), in, scope)
}
