package message

import (
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pondersource/phase4/pkg/soap"
)

const unregistered = "urn:oasis:names:tc:ebcore:partyid-type:unregistered"

func testUserMessage(t *testing.T) *UserMessage {
	t.Helper()
	um, err := NewUserMessage(
		NewMessageInfo("msg-1@test", "", time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)),
		WithFrom(unregistered, "sender", "http://example.com/initiator"),
		WithTo(unregistered, "receiver", "http://example.com/responder"),
		WithService("", "urn:service"),
		WithAction("urn:action"),
		WithConversationId("conv-1"),
		WithMessageProperty(PropertyOriginalSender, "C1"),
		WithPartInfo(NewPartInfo("att1")),
	).Build()
	require.NoError(t, err)
	return um
}

func TestUserMessageBuilder_BasicCreation(t *testing.T) {
	um := testUserMessage(t)

	assert.Equal(t, "msg-1@test", um.MessageInfo.MessageId)
	assert.Equal(t, "sender", um.PartyInfo.From.PartyId[0].Value)
	assert.Equal(t, "receiver", um.PartyInfo.To.PartyId[0].Value)
	assert.Equal(t, "urn:service", um.CollaborationInfo.Service.Value)
	assert.Equal(t, "urn:action", um.CollaborationInfo.Action)
	assert.Equal(t, "conv-1", um.CollaborationInfo.ConversationId)
	assert.Len(t, um.PayloadInfo.PartInfo, 1)
}

func TestUserMessageBuilder_Validation(t *testing.T) {
	info := NewMessageInfo("id", "", time.Time{})
	tests := []struct {
		name string
		opts []Option
		want string
	}{
		{"missing from", []Option{WithTo(unregistered, "r", ""), WithService("", "s"), WithAction("a")}, "sender"},
		{"missing to", []Option{WithFrom(unregistered, "s", ""), WithService("", "s"), WithAction("a")}, "receiver"},
		{"missing service", []Option{WithFrom(unregistered, "s", ""), WithTo(unregistered, "r", ""), WithAction("a")}, "service"},
		{"missing action", []Option{WithFrom(unregistered, "s", ""), WithTo(unregistered, "r", ""), WithService("", "s")}, "action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewUserMessage(info, tt.opts...).Build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUserMessageBuilder_GeneratesConversationID(t *testing.T) {
	um, err := NewUserMessage(NewMessageInfo("id", "", time.Time{}),
		WithFrom(unregistered, "s", ""), WithTo(unregistered, "r", ""),
		WithService("", "s"), WithAction("a"),
	).Build()
	require.NoError(t, err)
	assert.NotEmpty(t, um.CollaborationInfo.ConversationId)
}

func TestNewMessageID_Unique(t *testing.T) {
	a, b := NewMessageID(), NewMessageID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasSuffix(a, MessageIDSuffix))
}

func TestMessagingElement_Prefixed(t *testing.T) {
	m := &Messaging{UserMessage: []*UserMessage{testUserMessage(t)}}

	elem, err := MessagingElement(m, soap.SOAP12, "ebms-1")
	require.NoError(t, err)

	doc := NewSOAPDocument(soap.SOAP12, elem, nil)
	out, err := doc.WriteToString()
	require.NoError(t, err)

	assert.Contains(t, out, `<eb:Messaging`)
	assert.Contains(t, out, `<eb:UserMessage>`)
	assert.Contains(t, out, `xmlns:eb="`+NsEbMS+`"`)
	assert.Contains(t, out, `wsu:Id="ebms-1"`)
	assert.Contains(t, out, `S12:mustUnderstand="true"`)
	assert.NotContains(t, out, `xmlns="`+NsEbMS+`"`)
}

func TestMessagingElement_SOAP11MustUnderstand(t *testing.T) {
	m := &Messaging{SignalMessage: []*SignalMessage{NewPullRequestSignal(NewMessageInfo("p1", "", time.Time{}), "urn:test")}}

	elem, err := MessagingElement(m, soap.SOAP11, "")
	require.NoError(t, err)
	NewSOAPDocument(soap.SOAP11, elem, nil)

	assert.True(t, soap.SOAP11.IsMustUnderstand(elem))
}

func TestParseMessaging_RoundTrip(t *testing.T) {
	um := testUserMessage(t)
	elem, err := MessagingElement(&Messaging{UserMessage: []*UserMessage{um}}, soap.SOAP12, "ebms-1")
	require.NoError(t, err)
	doc := NewSOAPDocument(soap.SOAP12, elem, nil)

	xmlStr, err := doc.WriteToString()
	require.NoError(t, err)

	reparsed := etree.NewDocument()
	require.NoError(t, reparsed.ReadFromString(xmlStr))

	found := FindMessaging(reparsed, soap.SOAP12)
	require.NotNil(t, found)

	m, err := ParseMessaging(found)
	require.NoError(t, err)
	require.Len(t, m.UserMessage, 1)

	got := m.FirstUserMessage()
	assert.Equal(t, "msg-1@test", got.MessageInfo.MessageId)
	assert.True(t, um.MessageInfo.Timestamp.Equal(got.MessageInfo.Timestamp))
	assert.Equal(t, "urn:action", got.CollaborationInfo.Action)
	assert.Equal(t, "cid:att1", got.PayloadInfo.PartInfo[0].Href)
	assert.Equal(t, "msg-1@test", m.MessageID())
}

func TestParseMessaging_ForeignPrefix(t *testing.T) {
	src := `<soap:Envelope xmlns:soap="` + soap.Namespace12 + `" xmlns:ns2="` + NsEbMS + `">
  <soap:Header>
    <ns2:Messaging>
      <ns2:SignalMessage>
        <ns2:MessageInfo><ns2:Timestamp>2024-01-01T00:00:00Z</ns2:Timestamp><ns2:MessageId>s1</ns2:MessageId></ns2:MessageInfo>
        <ns2:Error errorCode="EBMS:0004" severity="failure" category="Content"><ns2:ErrorDetail>boom</ns2:ErrorDetail></ns2:Error>
        <ns2:Error errorCode="EBMS:0001" severity="failure"/>
      </ns2:SignalMessage>
    </ns2:Messaging>
  </soap:Header>
  <soap:Body/>
</soap:Envelope>`
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(src))

	m, err := ParseMessaging(FindMessaging(doc, soap.SOAP12))
	require.NoError(t, err)

	sm := m.FirstSignalMessage()
	require.NotNil(t, sm)
	require.Len(t, sm.Error, 2)
	assert.Equal(t, "boom", sm.Error[0].ErrorDetail)
	assert.Equal(t, "s1", m.MessageID())
}

func TestParseMessaging_Nil(t *testing.T) {
	_, err := ParseMessaging(nil)
	assert.ErrorIs(t, err, ErrNoMessaging)
}

func TestNewSOAPDocument_Versions(t *testing.T) {
	for _, v := range soap.Versions {
		t.Run(v.String(), func(t *testing.T) {
			payload := etree.NewElement("Invoice")
			doc := NewSOAPDocument(v, nil, payload)

			got, ok := soap.FromDocument(doc)
			require.True(t, ok)
			assert.Equal(t, v, got)
			require.NotNil(t, v.Header(doc))
			body := v.Body(doc)
			require.NotNil(t, body)
			assert.Equal(t, "Invoice", body.ChildElements()[0].Tag)
		})
	}
}

func TestApplyPrefix_KeepsForeignElements(t *testing.T) {
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(`<Receipt xmlns="`+NsEbMS+`"><ebbp:NonRepudiationInformation xmlns:ebbp="`+NsEBBP+`"/></Receipt>`))

	ApplyPrefix(doc.Root(), NsEbMS, "eb")
	out, err := doc.WriteToString()
	require.NoError(t, err)

	assert.Contains(t, out, `<eb:Receipt`)
	assert.Contains(t, out, `<ebbp:NonRepudiationInformation`)
}

func TestLookupError(t *testing.T) {
	e, ok := LookupError("EBMS:0303")
	require.True(t, ok)
	assert.Same(t, EbmsDecompressionFailure, e)
	assert.Equal(t, CategoryCommunication, e.Category)

	_, ok = LookupError("EBMS:9999")
	assert.False(t, ok)

	for _, code := range []string{"EBMS:0001", "EBMS:0002", "EBMS:0003", "EBMS:0004", "EBMS:0005", "EBMS:0006",
		"EBMS:0007", "EBMS:0008", "EBMS:0009", "EBMS:0010", "EBMS:0011", "EBMS:0101", "EBMS:0102",
		"EBMS:0103", "EBMS:0201", "EBMS:0202", "EBMS:0301", "EBMS:0302", "EBMS:0303"} {
		_, ok := LookupError(code)
		assert.True(t, ok, code)
	}
}

func TestEbmsError_AsEbms3Error(t *testing.T) {
	wire := EbmsValueNotRecognized.AsEbms3Error("ref-1", "ebMS", "")

	assert.Equal(t, "EBMS:0001", wire.ErrorCode)
	assert.Equal(t, "failure", wire.Severity)
	assert.Equal(t, "Content", wire.Category)
	assert.Equal(t, "ref-1", wire.RefToMessageInError)
	assert.Equal(t, "ebMS", wire.Origin)
	assert.Equal(t, "ValueNotRecognized", wire.Description.Value, "description defaults to the short description")
	assert.Equal(t, EbmsValueNotRecognized.Detail, wire.ErrorDetail)

	wire = EbmsOther.AsEbms3Error("", "", "custom")
	assert.Equal(t, "custom", wire.Description.Value)
	assert.Equal(t, "[Content] Unknown error", EbmsOther.Text())
}

func TestErrorList(t *testing.T) {
	var l ErrorList
	assert.True(t, l.IsEmpty())

	l.AddDef(EbmsInvalidHeader, "broken")
	l.Add(nil)
	l.Add(&ProcessingError{Code: "X-1", Severity: SeverityWarning, Detail: "custom"})

	require.Equal(t, 2, l.Len())
	assert.Equal(t, "EBMS:0009", l.Items()[0].ErrorCode())
	assert.Equal(t, "X-1", l.Items()[1].ErrorCode())
	assert.Equal(t, "EBMS:0009: broken", l.Items()[0].Error())
}

func TestProcessingError_AsEbms3Error(t *testing.T) {
	wire := EbmsFailedDecryption.Errorf("bad key").AsEbms3Error("ref-1")
	assert.Equal(t, "EBMS:0102", wire.ErrorCode)
	assert.Equal(t, "Processing", wire.Category)
	assert.Equal(t, "ref-1", wire.RefToMessageInError)
	assert.Equal(t, "bad key", wire.ErrorDetail)

	wire = (&ProcessingError{Code: "EBMS:0011", Detail: "missing"}).AsEbms3Error("ref-2")
	assert.Equal(t, "ExternalPayloadError", wire.ShortDescription, "known codes resolve to the catalogue")

	wire = (&ProcessingError{Code: "X-1", Severity: SeverityWarning, Detail: "custom", Origin: "app"}).AsEbms3Error("ref-3")
	assert.Equal(t, "X-1", wire.ErrorCode)
	assert.Equal(t, "warning", wire.Severity)
	assert.Equal(t, "app", wire.Origin)
	assert.Empty(t, wire.RefToMessageInError)
	assert.Equal(t, "custom", wire.ErrorDetail)
}
