// Package soap models the two SOAP versions an AS4 message can travel in
package soap

import (
	"fmt"
	"mime"
	"strings"

	"github.com/beevik/etree"
)

// Namespace URIs of the SOAP envelope
const (
	Namespace11 = "http://schemas.xmlsoap.org/soap/envelope/"
	Namespace12 = "http://www.w3.org/2003/05/soap-envelope"
)

// Media types of a plain (non-MIME) SOAP message
const (
	MimeType11 = "text/xml"
	MimeType12 = "application/soap+xml"
)

// Version identifies a SOAP version
type Version int

const (
	// Unknown is the zero value; it is never a valid message version
	Unknown Version = iota
	// SOAP11 is SOAP 1.1
	SOAP11
	// SOAP12 is SOAP 1.2, the AS4 default
	SOAP12
)

// Default is the SOAP version AS4 mandates unless a PMode says otherwise
const Default = SOAP12

// Versions lists all supported versions in preference order
var Versions = []Version{SOAP12, SOAP11}

// String returns the version number as text ("1.1" or "1.2")
func (v Version) String() string {
	switch v {
	case SOAP11:
		return "1.1"
	case SOAP12:
		return "1.2"
	default:
		return "unknown"
	}
}

// IsValid reports whether v is a supported version
func (v Version) IsValid() bool {
	return v == SOAP11 || v == SOAP12
}

// Namespace returns the envelope namespace URI
func (v Version) Namespace() string {
	switch v {
	case SOAP11:
		return Namespace11
	case SOAP12:
		return Namespace12
	default:
		return ""
	}
}

// MimeType returns the media type used for a plain XML entity
func (v Version) MimeType() string {
	switch v {
	case SOAP11:
		return MimeType11
	case SOAP12:
		return MimeType12
	default:
		return ""
	}
}

// ContentType returns the full Content-Type header value including the charset
func (v Version) ContentType() string {
	return v.MimeType() + "; charset=utf-8"
}

// Prefix returns the namespace prefix used when this package writes envelopes
func (v Version) Prefix() string {
	switch v {
	case SOAP11:
		return "S11"
	default:
		return "S12"
	}
}

// HeaderElementName is the local name of the SOAP header
func (v Version) HeaderElementName() string { return "Header" }

// BodyElementName is the local name of the SOAP body
func (v Version) BodyElementName() string { return "Body" }

// MustUnderstandValue returns the literal for the mustUnderstand attribute.
// SOAP 1.1 uses "1"/"0", SOAP 1.2 uses "true"/"false".
func (v Version) MustUnderstandValue(mustUnderstand bool) string {
	if v == SOAP11 {
		if mustUnderstand {
			return "1"
		}
		return "0"
	}
	if mustUnderstand {
		return "true"
	}
	return "false"
}

// IsMustUnderstand reports whether the element carries this version's
// mustUnderstand attribute with the version's true literal.
func (v Version) IsMustUnderstand(elem *etree.Element) bool {
	if elem == nil {
		return false
	}
	for _, attr := range elem.Attr {
		if attr.Key != "mustUnderstand" {
			continue
		}
		if attr.NamespaceURI() != v.Namespace() {
			continue
		}
		return attr.Value == v.MustUnderstandValue(true)
	}
	return false
}

// FromNamespace maps an envelope namespace URI to its version
func FromNamespace(ns string) (Version, bool) {
	switch ns {
	case Namespace11:
		return SOAP11, true
	case Namespace12:
		return SOAP12, true
	default:
		return Unknown, false
	}
}

// FromMimeType maps a media type (parameters allowed) to its version
func FromMimeType(contentType string) (Version, bool) {
	if contentType == "" {
		return Unknown, false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	switch mediaType {
	case MimeType11:
		return SOAP11, true
	case MimeType12:
		return SOAP12, true
	default:
		return Unknown, false
	}
}

// FromDocument infers the version from the namespace of the document root
func FromDocument(doc *etree.Document) (Version, bool) {
	if doc == nil || doc.Root() == nil {
		return Unknown, false
	}
	return FromNamespace(doc.Root().NamespaceURI())
}

// Parse converts "1.1" / "1.2" (or the SOAP11/SOAP12 spellings) to a Version
func Parse(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1.1", "soap11", "soap_11":
		return SOAP11, nil
	case "1.2", "soap12", "soap_12", "":
		return SOAP12, nil
	default:
		return Unknown, fmt.Errorf("unsupported SOAP version %q", s)
	}
}

// UnmarshalYAML lets configuration files spell the version as text
func (v *Version) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FindChild returns the first direct child of parent with this version's
// namespace and the given local name.
func (v Version) FindChild(parent *etree.Element, local string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, child := range parent.ChildElements() {
		if child.Tag == local && child.NamespaceURI() == v.Namespace() {
			return child
		}
	}
	return nil
}

// Header returns the Header element of an envelope document, or nil
func (v Version) Header(doc *etree.Document) *etree.Element {
	if doc == nil {
		return nil
	}
	return v.FindChild(doc.Root(), v.HeaderElementName())
}

// Body returns the Body element of an envelope document, or nil
func (v Version) Body(doc *etree.Document) *etree.Element {
	if doc == nil {
		return nil
	}
	return v.FindChild(doc.Root(), v.BodyElementName())
}
