package security

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/message"
)

// Algorithm URIs used on the wire
const (
	AlgorithmC14N = "http://www.w3.org/2001/10/xml-exc-c14n#"

	AlgorithmAttachmentContentSignature = "http://docs.oasis-open.org/wss/oasis-wss-SwAProfile-1.1#Attachment-Content-Signature-Transform"
	AlgorithmAttachmentCiphertext       = "http://docs.oasis-open.org/wss/oasis-wss-SwAProfile-1.1#Attachment-Ciphertext-Transform"

	TypeAttachmentContentOnly = "http://docs.oasis-open.org/wss/oasis-wss-SwAProfile-1.1#Attachment-Content-Only"
	TypeElement               = "http://www.w3.org/2001/04/xmlenc#Element"
)

// WS-Security token types
const (
	EncodingBase64Binary = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
	ValueTypeX509v3      = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509v3"
	ValueTypeSKI         = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509SubjectKeyIdentifier"
	ValueTypeThumbprint  = "http://docs.oasis-open.org/wss/oasis-wss-soap-message-security-1.1#ThumbprintSHA1"
)

// Prefixes used for the elements this package creates
const (
	prefixWSSE = "wsse"
	prefixWSU  = "wsu"
	prefixDS   = "ds"
	prefixEC   = "ec"
	prefixXENC = "xenc"
)

// generateID generates a random ID for XML elements using hex encoding
// to avoid characters like '=' that break XPointer references
func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// child returns the first direct child of parent with namespace ns and
// local name local
func child(parent *etree.Element, ns, local string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, c := range parent.ChildElements() {
		if c.Tag == local && c.NamespaceURI() == ns {
			return c
		}
	}
	return nil
}

// children returns every direct child of parent with namespace ns and
// local name local
func children(parent *etree.Element, ns, local string) []*etree.Element {
	if parent == nil {
		return nil
	}
	var out []*etree.Element
	for _, c := range parent.ChildElements() {
		if c.Tag == local && c.NamespaceURI() == ns {
			out = append(out, c)
		}
	}
	return out
}

// path follows a chain of (namespace, local name) steps from parent
func path(parent *etree.Element, steps ...[2]string) *etree.Element {
	for _, s := range steps {
		parent = child(parent, s[0], s[1])
		if parent == nil {
			return nil
		}
	}
	return parent
}

// wsuID returns the wsu:Id of elem or ""
func wsuID(elem *etree.Element) string {
	for _, a := range elem.Attr {
		if a.Key == "Id" && a.NamespaceURI() == message.NsWSU {
			return a.Value
		}
	}
	return ""
}

// ensureWSUId makes sure elem has a wsu:Id and declares the wsu namespace
// on elem so that exclusive canonicalization sees it.
func ensureWSUId(elem *etree.Element) string {
	if elem.SelectAttr("xmlns:"+prefixWSU) == nil {
		elem.CreateAttr("xmlns:"+prefixWSU, message.NsWSU)
	}
	id := wsuID(elem)
	if id == "" {
		id = "_" + generateID()
		elem.CreateAttr(prefixWSU+":Id", id)
	}
	return id
}

// findByWSUId returns the element of doc whose wsu:Id equals id
func findByWSUId(doc *etree.Document, id string) *etree.Element {
	var found *etree.Element
	var walk func(e *etree.Element) bool
	walk = func(e *etree.Element) bool {
		if wsuID(e) == id {
			found = e
			return true
		}
		for _, c := range e.ChildElements() {
			if walk(c) {
				return true
			}
		}
		return false
	}
	if root := doc.Root(); root != nil {
		walk(root)
	}
	return found
}

// findByID returns the element of doc with a plain Id attribute equal to id
func findByID(doc *etree.Document, id string) *etree.Element {
	for _, e := range doc.FindElements("//*[@Id='" + id + "']") {
		return e
	}
	return nil
}

// text returns the trimmed text of e or "" when e is nil
func text(e *etree.Element) string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.Text())
}

// childLocal returns the first direct child of parent with the given local
// name, whatever its namespace
func childLocal(parent *etree.Element, local string) *etree.Element {
	if parent == nil {
		return nil
	}
	for _, c := range parent.ChildElements() {
		if c.Tag == local {
			return c
		}
	}
	return nil
}
