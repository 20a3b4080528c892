package attachment

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"

	"github.com/pondersource/phase4/pkg/resource"
)

// DefaultMemoryThreshold is the part size kept in memory before the
// factory spills it to a temporary file.
const DefaultMemoryThreshold = 1 << 20

// Factory turns an incoming MIME part into an Attachment. Temporary
// resources must be registered with scope.
type Factory interface {
	CreateAttachment(part *multipart.Part, scope *resource.Scope) (*Attachment, error)
}

// FactoryFunc adapts a function to Factory
type FactoryFunc func(part *multipart.Part, scope *resource.Scope) (*Attachment, error)

// CreateAttachment calls f
func (f FactoryFunc) CreateAttachment(part *multipart.Part, scope *resource.Scope) (*Attachment, error) {
	return f(part, scope)
}

// DefaultFactory buffers small parts in memory and larger ones in a
// temporary file owned by the scope.
type DefaultFactory struct {
	// MemoryThreshold defaults to DefaultMemoryThreshold when zero.
	// A negative value always spills to disk.
	MemoryThreshold int64
}

// NewDefaultFactory creates a factory with the default threshold
func NewDefaultFactory() *DefaultFactory {
	return &DefaultFactory{MemoryThreshold: DefaultMemoryThreshold}
}

// CreateAttachment reads the part body and headers
func (f *DefaultFactory) CreateAttachment(part *multipart.Part, scope *resource.Scope) (*Attachment, error) {
	if part == nil {
		return nil, fmt.Errorf("no MIME part")
	}

	att := &Attachment{
		ID:       normalizeID(part.Header.Get("Content-ID")),
		MimeType: DefaultMimeType,
		Headers:  part.Header,
	}
	if ct := part.Header.Get("Content-Type"); ct != "" {
		mediaType, params, err := mime.ParseMediaType(ct)
		if err != nil {
			return nil, fmt.Errorf("invalid Content-Type %q of part %q: %w", ct, att.ID, err)
		}
		att.MimeType = mediaType
		att.Charset = params["charset"]
	}

	var body io.Reader = part
	if strings.EqualFold(strings.TrimSpace(part.Header.Get("Content-Transfer-Encoding")), "base64") {
		body = base64.NewDecoder(base64.StdEncoding, part)
	}

	threshold := f.MemoryThreshold
	if threshold == 0 {
		threshold = DefaultMemoryThreshold
	}

	var head []byte
	if threshold > 0 {
		var err error
		head, err = io.ReadAll(io.LimitReader(body, threshold+1))
		if err != nil {
			return nil, fmt.Errorf("reading part %q: %w", att.ID, err)
		}
		if int64(len(head)) <= threshold {
			att.Source = BytesSource(head)
			return att, nil
		}
	}

	if scope == nil {
		return nil, fmt.Errorf("part %q exceeds the memory threshold and no resource scope is available", att.ID)
	}
	file, err := scope.CreateTempFile("phase4-att-*")
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(file, io.MultiReader(bytes.NewReader(head), body)); err != nil {
		return nil, fmt.Errorf("buffering part %q: %w", att.ID, err)
	}
	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("buffering part %q: %w", att.ID, err)
	}
	att.Source = FileSource(file.Name())
	return att, nil
}
