// Package message provides AS4 message structure and ebMS3 headers implementation.
package message

import (
	"encoding/xml"
	"time"
)

// Namespace constants for AS4/ebMS3
const (
	NsEbMS   = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"
	NsEBBP   = "http://docs.oasis-open.org/ebxml-bp/ebbp-signals-2.0"
	NsWSSE   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NsWSSE11 = "http://docs.oasis-open.org/wss/oasis-wss-wssecurity-secext-1.1.xsd"
	NsWSU    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NsDS     = "http://www.w3.org/2000/09/xmldsig#"
	NsDS11   = "http://www.w3.org/2009/xmldsig11#"
	NsXENC   = "http://www.w3.org/2001/04/xmlenc#"
	NsXENC11 = "http://www.w3.org/2009/xmlenc11#"
)

// Party property names used by the four corner model
const (
	PropertyOriginalSender = "originalSender"
	PropertyFinalRecipient = "finalRecipient"
)

// Part property names with special meaning
const (
	PartPropertyMimeType        = "MimeType"
	PartPropertyCompressionType = "CompressionType"
	PartPropertyCharacterSet    = "CharacterSet"
)

// Messaging represents the ebMS3 Messaging header
type Messaging struct {
	XMLName       xml.Name         `xml:"http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/ Messaging"`
	UserMessage   []*UserMessage   `xml:"UserMessage,omitempty"`
	SignalMessage []*SignalMessage `xml:"SignalMessage,omitempty"`
}

// UserMessage represents an ebMS3 UserMessage
type UserMessage struct {
	MPC               string             `xml:"mpc,attr,omitempty"`
	MessageInfo       *MessageInfo       `xml:"MessageInfo"`
	PartyInfo         *PartyInfo         `xml:"PartyInfo"`
	CollaborationInfo *CollaborationInfo `xml:"CollaborationInfo"`
	MessageProperties *MessageProperties `xml:"MessageProperties,omitempty"`
	PayloadInfo       *PayloadInfo       `xml:"PayloadInfo,omitempty"`
}

// MessageInfo contains message identification and timestamps
type MessageInfo struct {
	Timestamp      time.Time `xml:"Timestamp"`
	MessageId      string    `xml:"MessageId"`
	RefToMessageId string    `xml:"RefToMessageId,omitempty"`
}

// PartyInfo contains sender and receiver party information
type PartyInfo struct {
	From *Party `xml:"From"`
	To   *Party `xml:"To"`
}

// Party represents a messaging party
type Party struct {
	PartyId []PartyId `xml:"PartyId"`
	Role    string    `xml:"Role"`
}

// PartyId represents a party identifier with type
type PartyId struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// CollaborationInfo contains service and action information
type CollaborationInfo struct {
	AgreementRef   *AgreementRef `xml:"AgreementRef,omitempty"`
	Service        Service       `xml:"Service"`
	Action         string        `xml:"Action"`
	ConversationId string        `xml:"ConversationId"`
}

// AgreementRef references a business agreement
type AgreementRef struct {
	Type  string `xml:"type,attr,omitempty"`
	Pmode string `xml:"pmode,attr,omitempty"`
	Value string `xml:",chardata"`
}

// Service identifies the service
type Service struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// MessageProperties contains custom message properties
type MessageProperties struct {
	Property []Property `xml:"Property"`
}

// Property represents a message property
type Property struct {
	Name  string `xml:"name,attr"`
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// PayloadInfo contains references to payload parts
type PayloadInfo struct {
	PartInfo []PartInfo `xml:"PartInfo"`
}

// PartInfo describes a payload part
type PartInfo struct {
	Href           string          `xml:"href,attr,omitempty"`
	PartProperties *PartProperties `xml:"PartProperties,omitempty"`
}

// PartProperties contains properties for a payload part
type PartProperties struct {
	Property []Property `xml:"Property"`
}

// SignalMessage represents an ebMS3 SignalMessage (PullRequest, Receipt or Error)
type SignalMessage struct {
	MessageInfo *MessageInfo `xml:"MessageInfo"`
	PullRequest *PullRequest `xml:"PullRequest,omitempty"`
	Receipt     *Receipt     `xml:"Receipt,omitempty"`
	Error       []*Error     `xml:"Error,omitempty"`
}

// PullRequest asks the responder for a message from a partition channel
type PullRequest struct {
	MPC string `xml:"mpc,attr,omitempty"`
}

// Receipt represents a receipt acknowledgment. It holds either a copy of
// the received UserMessage or ebbp:NonRepudiationInformation as raw XML.
type Receipt struct {
	Content []byte `xml:",innerxml"`
}

// Description is the human readable part of an ebMS error
type Description struct {
	Lang  string `xml:"http://www.w3.org/XML/1998/namespace lang,attr,omitempty"`
	Value string `xml:",chardata"`
}

// Error represents an ebMS3 error
type Error struct {
	Category            string       `xml:"category,attr,omitempty"`
	ErrorCode           string       `xml:"errorCode,attr"`
	Origin              string       `xml:"origin,attr,omitempty"`
	RefToMessageInError string       `xml:"refToMessageInError,attr,omitempty"`
	Severity            string       `xml:"severity,attr"`
	ShortDescription    string       `xml:"shortDescription,attr,omitempty"`
	Description         *Description `xml:"Description,omitempty"`
	ErrorDetail         string       `xml:"ErrorDetail,omitempty"`
}

// FirstUserMessage returns the first UserMessage or nil
func (m *Messaging) FirstUserMessage() *UserMessage {
	if m == nil || len(m.UserMessage) == 0 {
		return nil
	}
	return m.UserMessage[0]
}

// FirstSignalMessage returns the first SignalMessage or nil
func (m *Messaging) FirstSignalMessage() *SignalMessage {
	if m == nil || len(m.SignalMessage) == 0 {
		return nil
	}
	return m.SignalMessage[0]
}

// MessageID returns the ID of the first contained message or ""
func (m *Messaging) MessageID() string {
	if um := m.FirstUserMessage(); um != nil && um.MessageInfo != nil {
		return um.MessageInfo.MessageId
	}
	if sm := m.FirstSignalMessage(); sm != nil && sm.MessageInfo != nil {
		return sm.MessageInfo.MessageId
	}
	return ""
}

// FindPartInfo returns the PartInfo whose href refers to contentID
func (pi *PayloadInfo) FindPartInfo(contentID string) *PartInfo {
	if pi == nil {
		return nil
	}
	for i := range pi.PartInfo {
		if HrefContains(pi.PartInfo[i].Href, contentID) {
			return &pi.PartInfo[i]
		}
	}
	return nil
}

// Get returns the value of the first property with the given name,
// compared case-insensitively.
func (pp *PartProperties) Get(name string) (string, bool) {
	if pp == nil {
		return "", false
	}
	for _, p := range pp.Property {
		if equalFold(p.Name, name) {
			return p.Value, true
		}
	}
	return "", false
}
