package message

import (
	"github.com/beevik/etree"
)

// EbMSPrefix is the prefix used for ebMS elements on the wire
const EbMSPrefix = "eb"

// ApplyPrefix rewrites root and its descendants so that every element in
// namespace ns uses prefix instead of a default namespace declaration. The
// prefix is declared once on root. WSS4J based handlers such as Domibus
// expect the prefixed form.
//
// Transforms:
//
//	<Messaging xmlns="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/">
//	  <UserMessage>...
//
// Into:
//
//	<eb:Messaging xmlns:eb="http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/">
//	  <eb:UserMessage>...
func ApplyPrefix(root *etree.Element, ns, prefix string) {
	if root == nil {
		return
	}

	// Namespaces must be resolved before any declaration is touched.
	var matches []*etree.Element
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		if e.NamespaceURI() == ns {
			matches = append(matches, e)
		}
		for _, c := range e.ChildElements() {
			walk(c)
		}
	}
	walk(root)

	for _, e := range matches {
		e.Space = prefix
		if attr := e.SelectAttr("xmlns"); attr != nil && attr.Value == ns {
			e.RemoveAttr("xmlns")
		}
		if e != root {
			if attr := e.SelectAttr("xmlns:" + prefix); attr != nil && attr.Value == ns {
				e.RemoveAttr("xmlns:" + prefix)
			}
		}
	}
	root.CreateAttr("xmlns:"+prefix, ns)
}

// Standalone returns a detached copy of elem that declares every
// namespace visible at elem, so it can be serialized or signed on its own.
func Standalone(elem *etree.Element) *etree.Element {
	if elem == nil {
		return nil
	}
	c := elem.Copy()
	declared := map[string]bool{}
	for _, a := range c.Attr {
		if isNamespaceDecl(a) {
			declared[a.FullKey()] = true
		}
	}
	for p := elem.Parent(); p != nil; p = p.Parent() {
		for _, a := range p.Attr {
			if !isNamespaceDecl(a) || declared[a.FullKey()] {
				continue
			}
			declared[a.FullKey()] = true
			c.CreateAttr(a.FullKey(), a.Value)
		}
	}
	return c
}

func isNamespaceDecl(a etree.Attr) bool {
	return a.Space == "xmlns" || (a.Space == "" && a.Key == "xmlns")
}
