package attachment

import (
	"bytes"
	"encoding/base64"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pondersource/phase4/pkg/compression"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/resource"
)

func firstPart(t *testing.T, header textproto.MIMEHeader, body []byte) *multipart.Part {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	pw, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = pw.Write(body)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r := multipart.NewReader(&buf, w.Boundary())
	part, err := r.NextPart()
	require.NoError(t, err)
	return part
}

func TestNewFromBytes_Rereadable(t *testing.T) {
	att := NewFromBytes("<a1@example.org>", "", []byte("hello"))

	assert.Equal(t, "a1@example.org", att.ID)
	assert.Equal(t, DefaultMimeType, att.MimeType)
	assert.Equal(t, "cid:a1@example.org", att.Href())
	assert.Equal(t, "<a1@example.org>", att.ContentIDHeader())

	for i := 0; i < 2; i++ {
		data, err := att.Bytes()
		require.NoError(t, err)
		assert.Equal(t, "hello", string(data))
	}
}

func TestNewFromBytes_GeneratesID(t *testing.T) {
	att := NewFromBytes("", "text/plain", nil)
	assert.Contains(t, att.ID, ContentIDSuffix)
}

func TestNewFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payload.xml")
	require.NoError(t, os.WriteFile(path, []byte("<doc/>"), 0o600))

	att := NewFromFile("cid:f1", "application/xml", path)
	data, err := att.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "<doc/>", string(data))
	assert.Equal(t, "f1", att.ID)
}

func TestAttachment_PartInfo(t *testing.T) {
	att := NewFromBytes("p1", "application/gzip", nil)
	att.CompressionMode = compression.GZIP

	pi := att.PartInfo("application/xml")
	assert.Equal(t, "cid:p1", pi.Href)
	mt, ok := pi.PartProperties.Get(message.PartPropertyMimeType)
	require.True(t, ok)
	assert.Equal(t, "application/xml", mt)
	ct, ok := pi.PartProperties.Get(message.PartPropertyCompressionType)
	require.True(t, ok)
	assert.Equal(t, compression.CompressionTypeGzip, ct)
}

func TestAttachment_WithSource(t *testing.T) {
	att := NewFromBytes("p1", "text/plain", []byte("one"))
	att.Headers = textproto.MIMEHeader{"X-Test": {"a"}}

	other := att.WithSource(BytesSource([]byte("two")))
	other.Headers.Set("X-Test", "b")

	data, err := att.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
	assert.Equal(t, "a", att.Headers.Get("X-Test"))
}

func TestDefaultFactory_InMemory(t *testing.T) {
	part := firstPart(t, textproto.MIMEHeader{
		"Content-Type": {"text/xml; charset=UTF-8"},
		"Content-ID":   {"<att1>"},
	}, []byte("<x/>"))

	att, err := NewDefaultFactory().CreateAttachment(part, nil)
	require.NoError(t, err)
	assert.Equal(t, "att1", att.ID)
	assert.Equal(t, "text/xml", att.MimeType)
	assert.Equal(t, "UTF-8", att.Charset)

	data, err := att.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "<x/>", string(data))
}

func TestDefaultFactory_SpillsToScope(t *testing.T) {
	scope := resource.NewScope(t.TempDir())
	body := bytes.Repeat([]byte("z"), 64)
	part := firstPart(t, textproto.MIMEHeader{"Content-ID": {"<big>"}}, body)

	att, err := (&DefaultFactory{MemoryThreshold: 16}).CreateAttachment(part, scope)
	require.NoError(t, err)
	files := scope.TempFiles()
	require.Len(t, files, 1)

	data, err := att.Bytes()
	require.NoError(t, err)
	assert.Equal(t, body, data)

	require.NoError(t, scope.Close())
	_, err = os.Stat(files[0])
	assert.Error(t, err)
}

func TestDefaultFactory_SpillWithoutScope(t *testing.T) {
	part := firstPart(t, textproto.MIMEHeader{"Content-ID": {"<big>"}}, bytes.Repeat([]byte("z"), 64))

	_, err := (&DefaultFactory{MemoryThreshold: 16}).CreateAttachment(part, nil)
	assert.Error(t, err)
}

func TestDefaultFactory_Base64(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("binary payload"))
	part := firstPart(t, textproto.MIMEHeader{
		"Content-Type":              {"application/octet-stream"},
		"Content-Transfer-Encoding": {"base64"},
		"Content-ID":                {"<b64>"},
	}, []byte(encoded[:8]+"\r\n"+encoded[8:]))

	att, err := NewDefaultFactory().CreateAttachment(part, nil)
	require.NoError(t, err)
	data, err := att.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "binary payload", string(data))
}

func TestDefaultFactory_InvalidContentType(t *testing.T) {
	part := firstPart(t, textproto.MIMEHeader{"Content-Type": {"text/"}}, nil)
	_, err := NewDefaultFactory().CreateAttachment(part, nil)
	assert.Error(t, err)
}
