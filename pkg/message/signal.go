package message

import (
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/soap"
)

// EBBPPrefix is the prefix used for ebBP signal elements
const EBBPPrefix = "ebbp"

// ErrNoSignedReferences is returned when non-repudiation information is
// requested for a document without ds:SignedInfo references
var ErrNoSignedReferences = errors.New("no signed references in document")

// NewMessagingDocument wraps m into a SOAP envelope of version v. The
// Messaging header gets a fresh wsu:Id which is returned for signing.
func NewMessagingDocument(v soap.Version, m *Messaging, payload *etree.Element) (*etree.Document, string, error) {
	wsuID := "phase4-msg-" + NewMessageID()
	elem, err := MessagingElement(m, v, wsuID)
	if err != nil {
		return nil, "", err
	}
	return NewSOAPDocument(v, elem, payload), wsuID, nil
}

// NewSignalDocument wraps a single SignalMessage into a SOAP envelope
func NewSignalDocument(v soap.Version, sm *SignalMessage) (*etree.Document, string, error) {
	return NewMessagingDocument(v, &Messaging{SignalMessage: []*SignalMessage{sm}}, nil)
}

type userMessageCopy struct {
	XMLName xml.Name `xml:"http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/ UserMessage"`
	*UserMessage
}

// UserMessageReceiptContent renders a copy of um as receipt content. It is
// used when no non-repudiation information can be given.
func UserMessageReceiptContent(um *UserMessage) ([]byte, error) {
	if um == nil {
		return nil, errors.New("user message is required")
	}
	data, err := xml.Marshal(userMessageCopy{UserMessage: um})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal UserMessage copy: %w", err)
	}
	return data, nil
}

// NonRepudiationInformation renders ebbp:NonRepudiationInformation holding
// a copy of every ds:Reference of the signature in doc.
func NonRepudiationInformation(doc *etree.Document) ([]byte, error) {
	refs := signedReferences(doc)
	if len(refs) == 0 {
		return nil, ErrNoSignedReferences
	}

	nri := etree.NewElement(EBBPPrefix + ":NonRepudiationInformation")
	nri.CreateAttr("xmlns:"+EBBPPrefix, NsEBBP)
	for _, ref := range refs {
		part := nri.CreateElement(EBBPPrefix + ":MessagePartNRInformation")
		part.AddChild(Standalone(ref))
	}

	out := etree.NewDocument()
	out.SetRoot(nri)
	data, err := out.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize NonRepudiationInformation: %w", err)
	}
	return data, nil
}

func signedReferences(doc *etree.Document) []*etree.Element {
	if doc == nil || doc.Root() == nil {
		return nil
	}
	var refs []*etree.Element
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		if e.Tag == "SignedInfo" && e.NamespaceURI() == NsDS {
			for _, c := range e.ChildElements() {
				if c.Tag == "Reference" && c.NamespaceURI() == NsDS {
					refs = append(refs, c)
				}
			}
			return
		}
		for _, c := range e.ChildElements() {
			walk(c)
		}
	}
	walk(doc.Root())
	return refs
}
