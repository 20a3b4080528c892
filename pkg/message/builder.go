package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageIDSuffix is appended to generated message IDs
const MessageIDSuffix = "@phase4"

// NewMessageID generates a unique message ID in RFC 2822 msg-id form
func NewMessageID() string {
	return uuid.New().String() + MessageIDSuffix
}

// NewMessageInfo creates MessageInfo. A zero timestamp means now.
func NewMessageInfo(messageID, refToMessageID string, timestamp time.Time) *MessageInfo {
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	return &MessageInfo{
		Timestamp:      timestamp.UTC().Truncate(time.Millisecond),
		MessageId:      messageID,
		RefToMessageId: refToMessageID,
	}
}

// UserMessageBuilder helps construct AS4 UserMessages
type UserMessageBuilder struct {
	msg    *UserMessage
	errors []error
}

// Option represents a functional option for UserMessageBuilder
type Option func(*UserMessageBuilder)

// NewUserMessage creates a new UserMessage with the given options
func NewUserMessage(info *MessageInfo, opts ...Option) *UserMessageBuilder {
	builder := &UserMessageBuilder{
		msg: &UserMessage{
			MessageInfo: info,
			PartyInfo: &PartyInfo{
				From: &Party{},
				To:   &Party{},
			},
			CollaborationInfo: &CollaborationInfo{},
		},
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder
}

// WithFrom sets the sender party
func WithFrom(partyIdType, partyId, role string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.PartyInfo.From = &Party{PartyId: []PartyId{{Type: partyIdType, Value: partyId}}, Role: role}
	}
}

// WithTo sets the receiver party
func WithTo(partyIdType, partyId, role string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.PartyInfo.To = &Party{PartyId: []PartyId{{Type: partyIdType, Value: partyId}}, Role: role}
	}
}

// WithService sets the service information
func WithService(serviceType, service string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.CollaborationInfo.Service = Service{Type: serviceType, Value: service}
	}
}

// WithAction sets the action
func WithAction(action string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.CollaborationInfo.Action = action
	}
}

// WithConversationId sets the conversation ID; a new UUID is used when empty
func WithConversationId(convId string) Option {
	return func(b *UserMessageBuilder) {
		if convId == "" {
			convId = uuid.New().String()
		}
		b.msg.CollaborationInfo.ConversationId = convId
	}
}

// WithAgreementRef sets the agreement reference
func WithAgreementRef(agreementRef, pmodeID string) Option {
	return func(b *UserMessageBuilder) {
		if agreementRef == "" {
			return
		}
		b.msg.CollaborationInfo.AgreementRef = &AgreementRef{Value: agreementRef, Pmode: pmodeID}
	}
}

// WithMPC sets the message partition channel of the UserMessage
func WithMPC(mpc string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.MPC = mpc
	}
}

// WithMessageProperty adds a message property
func WithMessageProperty(name, value string) Option {
	return func(b *UserMessageBuilder) {
		if b.msg.MessageProperties == nil {
			b.msg.MessageProperties = &MessageProperties{}
		}
		b.msg.MessageProperties.Property = append(b.msg.MessageProperties.Property, Property{
			Name:  name,
			Value: value,
		})
	}
}

// WithPartInfo adds a PartInfo describing a payload
func WithPartInfo(partInfo PartInfo) Option {
	return func(b *UserMessageBuilder) {
		if b.msg.PayloadInfo == nil {
			b.msg.PayloadInfo = &PayloadInfo{}
		}
		b.msg.PayloadInfo.PartInfo = append(b.msg.PayloadInfo.PartInfo, partInfo)
	}
}

// Build returns the constructed UserMessage
func (b *UserMessageBuilder) Build() (*UserMessage, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	if b.msg.MessageInfo == nil || b.msg.MessageInfo.MessageId == "" {
		return nil, fmt.Errorf("message ID is required")
	}
	if len(b.msg.PartyInfo.From.PartyId) == 0 || b.msg.PartyInfo.From.PartyId[0].Value == "" {
		return nil, fmt.Errorf("sender party ID is required")
	}
	if len(b.msg.PartyInfo.To.PartyId) == 0 || b.msg.PartyInfo.To.PartyId[0].Value == "" {
		return nil, fmt.Errorf("receiver party ID is required")
	}
	if b.msg.CollaborationInfo.Service.Value == "" {
		return nil, fmt.Errorf("service is required")
	}
	if b.msg.CollaborationInfo.Action == "" {
		return nil, fmt.Errorf("action is required")
	}
	if b.msg.CollaborationInfo.ConversationId == "" {
		b.msg.CollaborationInfo.ConversationId = uuid.New().String()
	}

	return b.msg, nil
}

// NewPullRequestSignal creates a SignalMessage holding a PullRequest
func NewPullRequestSignal(info *MessageInfo, mpc string) *SignalMessage {
	return &SignalMessage{
		MessageInfo: info,
		PullRequest: &PullRequest{MPC: mpc},
	}
}

// NewReceiptSignal creates a SignalMessage holding a Receipt with the
// given raw inner XML.
func NewReceiptSignal(info *MessageInfo, content []byte) *SignalMessage {
	return &SignalMessage{
		MessageInfo: info,
		Receipt:     &Receipt{Content: content},
	}
}

// NewErrorSignal creates a SignalMessage holding one or more errors
func NewErrorSignal(info *MessageInfo, errs ...*Error) *SignalMessage {
	return &SignalMessage{
		MessageInfo: info,
		Error:       errs,
	}
}
