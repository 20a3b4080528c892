package as4

import (
	"time"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/security"
	"github.com/pondersource/phase4/pkg/soap"
)

// Message is one of UserMessage, PullRequest, Receipt or ErrorMessage
type Message interface {
	// Kind names the message kind in logs and errors
	Kind() string
	validate(v soap.Version) error
	messaging(messageID string, v soap.Version) (*message.Messaging, error)
	bodyPayload() *etree.Element
	parts() []*attachment.Attachment
}

// UserMessage carries a business document. Attachments with a
// CompressionMode are compressed on the wire; their MimeType is the type
// of the uncompressed content.
type UserMessage struct {
	RefToMessageID string
	ConversationID string
	Timestamp      time.Time

	AgreementRef string
	PModeID      string

	FromPartyIDType string
	FromPartyID     string
	FromRole        string
	ToPartyIDType   string
	ToPartyID       string
	ToRole          string

	ServiceType string
	Service     string
	Action      string
	MPC         string

	Properties []message.Property
	// Payload becomes the first child of the SOAP Body
	Payload     *etree.Element
	Attachments []*attachment.Attachment
}

// Kind implements Message
func (u *UserMessage) Kind() string { return "UserMessage" }

// SetValuesFromPMode fills parties, collaboration info and MPC from the
// initiator, responder and leg 1 of p. Fields already set are kept.
func (u *UserMessage) SetValuesFromPMode(p *pmode.PMode) {
	if p == nil {
		return
	}
	setIfEmpty(&u.PModeID, p.ID)
	setIfEmpty(&u.AgreementRef, p.AgreementRef)
	if i := p.Initiator; i != nil {
		setIfEmpty(&u.FromPartyIDType, i.IDType)
		setIfEmpty(&u.FromPartyID, i.ID)
		setIfEmpty(&u.FromRole, i.Role)
	}
	if r := p.Responder; r != nil {
		setIfEmpty(&u.ToPartyIDType, r.IDType)
		setIfEmpty(&u.ToPartyID, r.ID)
		setIfEmpty(&u.ToRole, r.Role)
	}
	if p.Leg1 != nil && p.Leg1.BusinessInfo != nil {
		bi := p.Leg1.BusinessInfo
		setIfEmpty(&u.ServiceType, bi.ServiceType)
		setIfEmpty(&u.Service, bi.Service)
		setIfEmpty(&u.Action, bi.Action)
		setIfEmpty(&u.MPC, bi.MPC)
	}
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func (u *UserMessage) validate(soap.Version) error {
	switch {
	case u.FromPartyID == "":
		return illegalState("FromPartyID", "sender party ID is required")
	case u.FromRole == "":
		return illegalState("FromRole", "sender role is required")
	case u.ToPartyID == "":
		return illegalState("ToPartyID", "receiver party ID is required")
	case u.ToRole == "":
		return illegalState("ToRole", "receiver role is required")
	case u.Service == "":
		return illegalState("Service", "service is required")
	case u.Action == "":
		return illegalState("Action", "action is required")
	}
	seen := make(map[string]bool, len(u.Attachments))
	for _, att := range u.Attachments {
		if att == nil || att.Source == nil {
			return illegalState("Attachments", "attachment without content")
		}
		if seen[att.ID] {
			return illegalState("Attachments", "duplicate content ID %q", att.ID)
		}
		seen[att.ID] = true
	}
	return nil
}

func (u *UserMessage) messaging(messageID string, _ soap.Version) (*message.Messaging, error) {
	opts := []message.Option{
		message.WithFrom(u.FromPartyIDType, u.FromPartyID, u.FromRole),
		message.WithTo(u.ToPartyIDType, u.ToPartyID, u.ToRole),
		message.WithService(u.ServiceType, u.Service),
		message.WithAction(u.Action),
		message.WithConversationId(u.ConversationID),
		message.WithAgreementRef(u.AgreementRef, u.PModeID),
	}
	if u.MPC != "" && u.MPC != pmode.DefaultMPCID {
		opts = append(opts, message.WithMPC(u.MPC))
	}
	for _, p := range u.Properties {
		opts = append(opts, message.WithMessageProperty(p.Name, p.Value))
	}
	for _, att := range u.Attachments {
		opts = append(opts, message.WithPartInfo(att.PartInfo("")))
	}
	um, err := message.NewUserMessage(message.NewMessageInfo(messageID, u.RefToMessageID, u.Timestamp), opts...).Build()
	if err != nil {
		return nil, illegalState("", "%v", err)
	}
	return &message.Messaging{UserMessage: []*message.UserMessage{um}}, nil
}

func (u *UserMessage) bodyPayload() *etree.Element { return u.Payload }

func (u *UserMessage) parts() []*attachment.Attachment { return u.Attachments }

// PullRequest asks the responder for a message waiting on an MPC
type PullRequest struct {
	MPC       string
	Timestamp time.Time
}

// Kind implements Message
func (p *PullRequest) Kind() string { return "PullRequest" }

func (p *PullRequest) validate(v soap.Version) error {
	if !v.IsValid() {
		return illegalState("SOAPVersion", "a SOAP version is required for a PullRequest")
	}
	if p.MPC == "" {
		return illegalState("MPC", "MPC is required")
	}
	return nil
}

func (p *PullRequest) messaging(messageID string, _ soap.Version) (*message.Messaging, error) {
	sm := message.NewPullRequestSignal(message.NewMessageInfo(messageID, "", p.Timestamp), p.MPC)
	return &message.Messaging{SignalMessage: []*message.SignalMessage{sm}}, nil
}

func (p *PullRequest) bodyPayload() *etree.Element { return nil }

func (p *PullRequest) parts() []*attachment.Attachment { return nil }

// Receipt acknowledges a received user message. With NonRepudiation set
// and a signed ReceivedDocument, it carries ebbp:NonRepudiationInformation;
// otherwise a copy of UserMessage.
type Receipt struct {
	// RefToMessageID defaults to the ID of UserMessage
	RefToMessageID   string
	UserMessage      *message.UserMessage
	ReceivedDocument *etree.Document
	NonRepudiation   bool
	Timestamp        time.Time
}

// Kind implements Message
func (r *Receipt) Kind() string { return "Receipt" }

func (r *Receipt) refTo() string {
	if r.RefToMessageID != "" {
		return r.RefToMessageID
	}
	if r.UserMessage != nil && r.UserMessage.MessageInfo != nil {
		return r.UserMessage.MessageInfo.MessageId
	}
	return ""
}

func (r *Receipt) useNonRepudiation(v soap.Version) bool {
	return r.NonRepudiation && r.ReceivedDocument != nil && security.IsSigned(r.ReceivedDocument, v)
}

func (r *Receipt) validate(v soap.Version) error {
	if r.refTo() == "" {
		return illegalState("RefToMessageID", "the referenced message ID is required")
	}
	if r.UserMessage == nil && !r.useNonRepudiation(v) {
		return illegalState("UserMessage", "the received user message or a signed document is required")
	}
	return nil
}

func (r *Receipt) messaging(messageID string, v soap.Version) (*message.Messaging, error) {
	var content []byte
	var err error
	if r.useNonRepudiation(v) {
		content, err = message.NonRepudiationInformation(r.ReceivedDocument)
	} else {
		content, err = message.UserMessageReceiptContent(r.UserMessage)
	}
	if err != nil {
		return nil, buildError("create receipt content", err)
	}
	sm := message.NewReceiptSignal(message.NewMessageInfo(messageID, r.refTo(), r.Timestamp), content)
	return &message.Messaging{SignalMessage: []*message.SignalMessage{sm}}, nil
}

func (r *Receipt) bodyPayload() *etree.Element { return nil }

func (r *Receipt) parts() []*attachment.Attachment { return nil }

// ErrorMessage reports one or more ebMS errors
type ErrorMessage struct {
	RefToMessageID string
	Errors         []*message.Error
	Timestamp      time.Time
}

// Kind implements Message
func (e *ErrorMessage) Kind() string { return "Error" }

func (e *ErrorMessage) validate(soap.Version) error {
	if len(e.Errors) == 0 {
		return illegalState("Errors", "at least one error is required")
	}
	for _, err := range e.Errors {
		if err == nil || err.ErrorCode == "" {
			return illegalState("Errors", "every error needs an error code")
		}
	}
	return nil
}

func (e *ErrorMessage) messaging(messageID string, _ soap.Version) (*message.Messaging, error) {
	sm := message.NewErrorSignal(message.NewMessageInfo(messageID, e.RefToMessageID, e.Timestamp), e.Errors...)
	return &message.Messaging{SignalMessage: []*message.SignalMessage{sm}}, nil
}

func (e *ErrorMessage) bodyPayload() *etree.Element { return nil }

func (e *ErrorMessage) parts() []*attachment.Attachment { return nil }

// AddError appends a catalogue error referencing RefToMessageID
func (e *ErrorMessage) AddError(def *message.EbmsError, detail string) {
	ebmsErr := (&message.ProcessingError{Def: def, Detail: detail}).AsEbms3Error(e.RefToMessageID)
	e.Errors = append(e.Errors, ebmsErr)
}
