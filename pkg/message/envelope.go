package message

import (
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/soap"
)

var (
	// ErrNoMessaging is returned when an envelope carries no eb:Messaging header
	ErrNoMessaging = errors.New("no ebMS Messaging header")
)

// WSUPrefix is the prefix used for the WS-Security utility namespace
const WSUPrefix = "wsu"

// NewSOAPDocument creates Envelope/Header/Body for the given SOAP version.
// The Messaging element (if any) goes into the header and payload (if any)
// becomes the single child of the body.
func NewSOAPDocument(v soap.Version, messaging *etree.Element, payload *etree.Element) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	prefix := v.Prefix()
	env := doc.CreateElement(prefix + ":Envelope")
	env.CreateAttr("xmlns:"+prefix, v.Namespace())

	header := env.CreateElement(prefix + ":" + v.HeaderElementName())
	if messaging != nil {
		header.AddChild(messaging)
	}
	body := env.CreateElement(prefix + ":" + v.BodyElementName())
	if payload != nil {
		body.AddChild(payload)
	}
	return doc
}

// MessagingElement marshals m into an eb:Messaging element carrying a
// wsu:Id (used as signature reference) and the SOAP mustUnderstand flag.
// The element must be placed into an envelope of the same SOAP version.
func MessagingElement(m *Messaging, v soap.Version, wsuID string) (*etree.Element, error) {
	data, err := xml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Messaging: %w", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse Messaging: %w", err)
	}
	root := doc.Root()
	ApplyPrefix(root, NsEbMS, EbMSPrefix)

	if wsuID != "" {
		root.CreateAttr("xmlns:"+WSUPrefix, NsWSU)
		root.CreateAttr(WSUPrefix+":Id", wsuID)
	}
	root.CreateAttr(v.Prefix()+":mustUnderstand", v.MustUnderstandValue(true))

	doc.RemoveChild(root)
	return root, nil
}

// FindMessaging returns the eb:Messaging element of an envelope or nil
func FindMessaging(doc *etree.Document, v soap.Version) *etree.Element {
	header := v.Header(doc)
	if header == nil {
		return nil
	}
	for _, child := range header.ChildElements() {
		if child.Tag == "Messaging" && child.NamespaceURI() == NsEbMS {
			return child
		}
	}
	return nil
}

// ParseMessaging decodes an eb:Messaging element taken from any document
func ParseMessaging(elem *etree.Element) (*Messaging, error) {
	if elem == nil {
		return nil, ErrNoMessaging
	}

	standalone := Standalone(elem)

	doc := etree.NewDocument()
	doc.SetRoot(standalone)
	data, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize Messaging: %w", err)
	}

	var m Messaging
	if err := xml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode Messaging: %w", err)
	}
	return &m, nil
}

// ElementOf marshals any value to a standalone etree element
func ElementOf(v any) (*etree.Element, error) {
	data, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, err
	}
	root := doc.Root()
	doc.RemoveChild(root)
	return root, nil
}
