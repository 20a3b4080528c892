package mime

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/resource"
	"github.com/pondersource/phase4/pkg/soap"
)

const (
	// ContentTypeMultipartRelated is the MIME type for multipart/related
	ContentTypeMultipartRelated = "multipart/related"
	// ContentTypeApplicationXML is the MIME type for XML
	ContentTypeApplicationXML = "application/xml"
	// ContentTypeTextXML is the MIME type for text XML
	ContentTypeTextXML = "text/xml"
	// ContentTypeSOAPXML is the MIME type for SOAP
	ContentTypeSOAPXML = "application/soap+xml"
)

var (
	// ErrNotMultipart is returned when the content type is not multipart
	ErrNotMultipart = errors.New("not a multipart message")
	// ErrNoBoundary is returned when the content type has no boundary
	ErrNoBoundary = errors.New("boundary not found in content type")
	// ErrNoSOAPPart is returned when the first MIME part is missing
	ErrNoSOAPPart = errors.New("SOAP envelope not found in message")
)

// Message is an AS4 multipart/related message: the SOAP envelope in the
// root part followed by the attachments in order.
type Message struct {
	Boundary    string
	StartID     string
	SOAPVersion soap.Version
	Document    *etree.Document
	Attachments []*attachment.Attachment
}

// NewMessage creates a MIME message for doc with a fresh boundary and start ID
func NewMessage(v soap.Version, doc *etree.Document, attachments []*attachment.Attachment) *Message {
	return &Message{
		Boundary:    generateBoundary(),
		StartID:     fmt.Sprintf("<%s@phase4>", uuid.New().String()),
		SOAPVersion: v,
		Document:    doc,
		Attachments: attachments,
	}
}

// ContentType returns the value of the HTTP Content-Type header
func (m *Message) ContentType() string {
	// The start parameter carries the Content-ID without angle brackets
	return mime.FormatMediaType(ContentTypeMultipartRelated, map[string]string{
		"boundary": m.Boundary,
		"type":     m.SOAPVersion.MimeType(),
		"start":    GetContentIDWithoutBrackets(m.StartID),
	})
}

// WriteTo streams the multipart body into w
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	writer := multipart.NewWriter(cw)

	if err := writer.SetBoundary(m.Boundary); err != nil {
		return cw.n, fmt.Errorf("failed to set boundary: %w", err)
	}
	if m.Document == nil {
		return cw.n, ErrNoSOAPPart
	}

	soapHeader := textproto.MIMEHeader{}
	soapHeader.Set("Content-Type", m.SOAPVersion.ContentType())
	soapHeader.Set("Content-Transfer-Encoding", "binary")
	soapHeader.Set("Content-ID", AddContentIDBrackets(m.StartID))

	soapPart, err := writer.CreatePart(soapHeader)
	if err != nil {
		return cw.n, fmt.Errorf("failed to create SOAP part: %w", err)
	}
	if _, err := m.Document.WriteTo(soapPart); err != nil {
		return cw.n, fmt.Errorf("failed to write SOAP part: %w", err)
	}

	for _, att := range m.Attachments {
		if err := writeAttachment(writer, att); err != nil {
			return cw.n, err
		}
	}

	if err := writer.Close(); err != nil {
		return cw.n, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return cw.n, nil
}

// Serialize renders the complete MIME message and its content type
func (m *Message) Serialize() ([]byte, string, error) {
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), m.ContentType(), nil
}

func writeAttachment(writer *multipart.Writer, att *attachment.Attachment) error {
	header := textproto.MIMEHeader{}
	for key, values := range att.Headers {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	header.Set("Content-Type", att.ContentType())
	header.Set("Content-Transfer-Encoding", "binary")
	header.Set("Content-ID", att.ContentIDHeader())

	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create part %q: %w", att.ID, err)
	}
	body, err := att.Open()
	if err != nil {
		return fmt.Errorf("failed to open attachment %q: %w", att.ID, err)
	}
	defer body.Close()
	if _, err := io.Copy(part, body); err != nil {
		return fmt.Errorf("failed to write attachment %q: %w", att.ID, err)
	}
	return nil
}

// Boundary extracts the boundary of a multipart content type
func Boundary(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("failed to parse content type: %w", err)
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", fmt.Errorf("%w: %s", ErrNotMultipart, mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", ErrNoBoundary
	}
	return boundary, nil
}

// IsMultipart reports whether contentType is a multipart media type
func IsMultipart(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && strings.HasPrefix(mediaType, "multipart/")
}

// Parse reads a multipart message. The first part is parsed as the SOAP
// document; its SOAP version comes from the part content type, falling back
// to the root namespace. Every following part is handed to factory and the
// attachments keep arrival order.
func Parse(r io.Reader, contentType string, factory attachment.Factory, scope *resource.Scope) (*Message, error) {
	boundary, err := Boundary(contentType)
	if err != nil {
		return nil, err
	}
	_, params, _ := mime.ParseMediaType(contentType)
	if factory == nil {
		factory = attachment.NewDefaultFactory()
	}

	msg := &Message{
		Boundary: boundary,
		StartID:  params["start"],
	}

	reader := multipart.NewReader(r, boundary)
	for index := 0; ; index++ {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read part %d: %w", index, err)
		}

		if index == 0 {
			if err := msg.readSOAPPart(part); err != nil {
				return nil, err
			}
			continue
		}

		att, err := factory.CreateAttachment(part, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to read attachment part %d: %w", index, err)
		}
		msg.Attachments = append(msg.Attachments, att)
	}

	if msg.Document == nil {
		return nil, ErrNoSOAPPart
	}
	return msg, nil
}

func (m *Message) readSOAPPart(part *multipart.Part) error {
	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(part); err != nil {
		return fmt.Errorf("failed to parse SOAP part: %w", err)
	}
	if doc.Root() == nil {
		return ErrNoSOAPPart
	}
	m.Document = doc

	if v, ok := soap.FromMimeType(part.Header.Get("Content-Type")); ok {
		m.SOAPVersion = v
	} else if v, ok := soap.FromDocument(doc); ok {
		m.SOAPVersion = v
	}
	return nil
}

// Attachment returns the attachment with the given content ID or nil.
// Any "cid:" prefix and angle brackets are ignored.
func (m *Message) Attachment(contentID string) *attachment.Attachment {
	for _, att := range m.Attachments {
		if message.MatchContentID(att.ID, contentID) {
			return att
		}
	}
	return nil
}

// generateBoundary generates a MIME boundary string
func generateBoundary() string {
	return fmt.Sprintf("----=_Part_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// GetContentIDWithoutBrackets removes < and > from Content-ID
func GetContentIDWithoutBrackets(contentID string) string {
	contentID = strings.TrimPrefix(contentID, "<")
	contentID = strings.TrimSuffix(contentID, ">")
	return contentID
}

// AddContentIDBrackets adds < and > to Content-ID if not present
func AddContentIDBrackets(contentID string) string {
	if !strings.HasPrefix(contentID, "<") {
		contentID = "<" + contentID
	}
	if !strings.HasSuffix(contentID, ">") {
		contentID = contentID + ">"
	}
	return contentID
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
