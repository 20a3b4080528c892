package msh

import (
	"context"
	"net/http"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/compression"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/resource"
	"github.com/pondersource/phase4/pkg/security"
	"github.com/pondersource/phase4/pkg/soap"
)

// QName is a namespace qualified XML name
type QName struct {
	Space string
	Local string
}

func (q QName) String() string {
	return "{" + q.Space + "}" + q.Local
}

// QNameOf returns the qualified name of elem
func QNameOf(elem *etree.Element) QName {
	return QName{Space: elem.NamespaceURI(), Local: elem.Tag}
}

// Qualified names of the header elements processed by default
var (
	QNameMessaging = QName{Space: message.NsEbMS, Local: "Messaging"}
	QNameSecurity  = QName{Space: message.NsWSSE, Local: "Security"}
)

// SOAPHeader is one child element of the SOAP Header
type SOAPHeader struct {
	Name           QName
	Element        *etree.Element
	MustUnderstand bool
	Processed      bool
}

// MessageState collects everything learned about one incoming message.
// It is owned by a single request and never shared.
type MessageState struct {
	SOAPVersion soap.Version
	Locale      string
	Scope       *resource.Scope

	Messaging   *message.Messaging
	UserMessage *message.UserMessage
	// SignalMessage is set for PullRequest, Receipt and Error signals
	SignalMessage *message.SignalMessage
	PullRequest   *message.PullRequest
	Receipt       *message.Receipt
	// Error is the first ebMS error of an Error signal
	Error *message.Error

	PMode        *pmode.PMode
	EffectiveLeg *pmode.Leg

	OriginalAttachments  []*attachment.Attachment
	DecryptedAttachments []*attachment.Attachment
	// DecryptedSOAPDocument is set when the body was encrypted
	DecryptedSOAPDocument *etree.Document
	// CompressionModes maps content IDs to the compression announced in
	// the PartInfo of the user message
	CompressionModes map[string]compression.Mode
	PayloadMetadata  map[string]*message.PayloadMetadata

	Signed       bool
	Verification *security.VerificationResult

	SOAPBodyPayload            *etree.Element
	ProfileID                  string
	Ping                       bool
	HeaderProcessingSuccessful bool
}

// NewMessageState creates the state for one incoming message
func NewMessageState(v soap.Version, scope *resource.Scope, locale string) *MessageState {
	return &MessageState{
		SOAPVersion:      v,
		Scope:            scope,
		Locale:           locale,
		CompressionModes: make(map[string]compression.Mode),
	}
}

// MessageID returns the ID of the contained user or signal message
func (s *MessageState) MessageID() string {
	if s.UserMessage != nil && s.UserMessage.MessageInfo != nil {
		return s.UserMessage.MessageInfo.MessageId
	}
	if s.SignalMessage != nil && s.SignalMessage.MessageInfo != nil {
		return s.SignalMessage.MessageInfo.MessageId
	}
	return ""
}

// RefToMessageID returns the RefToMessageId of the contained message
func (s *MessageState) RefToMessageID() string {
	if s.UserMessage != nil && s.UserMessage.MessageInfo != nil {
		return s.UserMessage.MessageInfo.RefToMessageId
	}
	if s.SignalMessage != nil && s.SignalMessage.MessageInfo != nil {
		return s.SignalMessage.MessageInfo.RefToMessageId
	}
	return ""
}

// HasDecryptedAttachments reports whether the security processor replaced
// the received attachments
func (s *MessageState) HasDecryptedAttachments() bool {
	return s.DecryptedAttachments != nil
}

// Attachments returns the decrypted attachments if any, else the original ones
func (s *MessageState) Attachments() []*attachment.Attachment {
	if s.HasDecryptedAttachments() {
		return s.DecryptedAttachments
	}
	return s.OriginalAttachments
}

// CompressionMode returns the compression announced for an attachment
func (s *MessageState) CompressionMode(contentID string) (compression.Mode, bool) {
	mode, ok := s.CompressionModes[message.NormalizeContentID(contentID)]
	return mode, ok
}

// Document returns the decrypted SOAP document when there is one, else doc
func (s *MessageState) Document(doc *etree.Document) *etree.Document {
	if s.DecryptedSOAPDocument != nil {
		return s.DecryptedSOAPDocument
	}
	return doc
}

// Metadata describes the transport side of an incoming message
type Metadata struct {
	RemoteAddr string
	RequestURI string
	Header     http.Header
}

// Delivery is what a MessageConsumer receives for an accepted user message
type Delivery struct {
	Metadata    *Metadata
	State       *MessageState
	UserMessage *message.UserMessage
	// Attachments are decrypted and decompress lazily on read
	Attachments []*attachment.Attachment
	// Payload is the first child of the SOAP body, if any
	Payload *etree.Element
}

// MessageConsumer hands an accepted user message to the application. A
// returned *message.ProcessingError is answered with that ebMS error, any
// other error with EBMS:0004.
type MessageConsumer interface {
	Consume(ctx context.Context, d *Delivery) error
}

// ConsumerFunc adapts a function to MessageConsumer
type ConsumerFunc func(ctx context.Context, d *Delivery) error

// Consume implements MessageConsumer
func (f ConsumerFunc) Consume(ctx context.Context, d *Delivery) error {
	return f(ctx, d)
}
