package attachment

import (
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"os"

	"github.com/google/uuid"

	"github.com/pondersource/phase4/pkg/compression"
	"github.com/pondersource/phase4/pkg/message"
)

// DefaultMimeType is used when a part does not declare its content type
const DefaultMimeType = "application/octet-stream"

// ContentIDSuffix is appended to generated content IDs
const ContentIDSuffix = "@phase4"

// Attachment is one MIME part of an AS4 message other than the SOAP
// envelope. The body is reached through Source, which opens a fresh
// reader on every call, so an attachment can be read more than once
// (signing, encrypting, resending).
type Attachment struct {
	// ID is the content ID without "cid:" and angle brackets
	ID              string
	MimeType        string
	CompressionMode compression.Mode
	Charset         string
	// Headers holds any extra MIME part headers
	Headers textproto.MIMEHeader
	Source  compression.Source
}

// NewID returns a fresh content ID
func NewID() string {
	return uuid.New().String() + ContentIDSuffix
}

// NewFromBytes creates an attachment over an in-memory body
func NewFromBytes(id, mimeType string, data []byte) *Attachment {
	return &Attachment{
		ID:       normalizeID(id),
		MimeType: defaultMimeType(mimeType),
		Source:   BytesSource(data),
	}
}

// NewFromFile creates an attachment that opens path on every read
func NewFromFile(id, mimeType, path string) *Attachment {
	return &Attachment{
		ID:       normalizeID(id),
		MimeType: defaultMimeType(mimeType),
		Source:   FileSource(path),
	}
}

// BytesSource returns a source reading data
func BytesSource(data []byte) compression.Source {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

// FileSource returns a source opening path
func FileSource(path string) compression.Source {
	return func() (io.ReadCloser, error) {
		return os.Open(path)
	}
}

// Open returns a new reader over the attachment body
func (a *Attachment) Open() (io.ReadCloser, error) {
	if a.Source == nil {
		return nil, fmt.Errorf("attachment %q has no content", a.ID)
	}
	return a.Source()
}

// Bytes reads the whole attachment body
func (a *Attachment) Bytes() ([]byte, error) {
	r, err := a.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ContentIDHeader returns the value of the Content-ID part header
func (a *Attachment) ContentIDHeader() string {
	return "<" + a.ID + ">"
}

// Href returns the PartInfo reference to the attachment
func (a *Attachment) Href() string {
	return "cid:" + a.ID
}

// ContentType returns the part content type including the charset
func (a *Attachment) ContentType() string {
	mt := defaultMimeType(a.MimeType)
	if a.Charset != "" {
		return mt + "; charset=" + a.Charset
	}
	return mt
}

// WithSource returns a shallow copy reading from src
func (a *Attachment) WithSource(src compression.Source) *Attachment {
	c := *a
	c.Source = src
	if a.Headers != nil {
		c.Headers = textproto.MIMEHeader{}
		for k, v := range a.Headers {
			c.Headers[k] = append([]string(nil), v...)
		}
	}
	return &c
}

// PartInfo describes the attachment in the ebMS PayloadInfo. mimeType is
// the MIME type of the uncompressed content.
func (a *Attachment) PartInfo(mimeType string) message.PartInfo {
	pi := message.NewPartInfo(a.ID)
	if mimeType == "" {
		mimeType = a.MimeType
	}
	pi.SetMimeType(defaultMimeType(mimeType))
	pi.SetCompressionType(a.CompressionMode)
	if a.Charset != "" {
		pi.SetCharacterSet(a.Charset)
	}
	return pi
}

func normalizeID(id string) string {
	id = message.NormalizeContentID(id)
	if id == "" {
		return NewID()
	}
	return id
}

func defaultMimeType(mt string) string {
	if mt == "" {
		return DefaultMimeType
	}
	return mt
}
