// Package compression implements GZIP payload compression per AS4 specification
package compression

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// CompressionTypeGzip is the standard GZIP compression
	CompressionTypeGzip = "application/gzip"
)

// Mode is the compression applied to an attachment
type Mode int

const (
	// None means the attachment travels as is
	None Mode = iota
	// GZIP means the attachment body is GZIP compressed
	GZIP
)

// String returns a short name of the mode
func (m Mode) String() string {
	switch m {
	case GZIP:
		return "gzip"
	default:
		return "none"
	}
}

// MimeType returns the value used in the CompressionType part property
func (m Mode) MimeType() string {
	if m == GZIP {
		return CompressionTypeGzip
	}
	return ""
}

// FileExtension returns the extension commonly used for the compressed form
func (m Mode) FileExtension() string {
	if m == GZIP {
		return ".gz"
	}
	return ""
}

// ModeFromMimeType maps a CompressionType value to a Mode
func ModeFromMimeType(mimeType string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case CompressionTypeGzip, "application/x-gzip":
		return GZIP, true
	case "":
		return None, true
	default:
		return None, false
	}
}

// UnmarshalYAML accepts "gzip", "none" or the GZIP media type
func (m *Mode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gzip", CompressionTypeGzip:
		*m = GZIP
	case "", "none":
		*m = None
	default:
		return fmt.Errorf("unsupported compression mode %q", s)
	}
	return nil
}

// DecompressError reports that an attachment payload could not be
// decompressed. It is distinct from transport I/O errors.
type DecompressError struct {
	ContentID string
	Err       error
}

func (e *DecompressError) Error() string {
	if e.ContentID != "" {
		return fmt.Sprintf("failed to decompress attachment %q: %v", e.ContentID, e.Err)
	}
	return fmt.Sprintf("failed to decompress payload: %v", e.Err)
}

func (e *DecompressError) Unwrap() error { return e.Err }

// IsDecompressError reports whether err is or wraps a *DecompressError
func IsDecompressError(err error) bool {
	var de *DecompressError
	return errors.As(err, &de)
}

// Compressor handles payload compression
type Compressor struct {
	compressionLevel int
}

// NewCompressor creates a new compressor with default compression level
func NewCompressor() *Compressor {
	return &Compressor{
		compressionLevel: gzip.DefaultCompression,
	}
}

// NewCompressorWithLevel creates a new compressor with specified compression level
func NewCompressorWithLevel(level int) *Compressor {
	return &Compressor{
		compressionLevel: level,
	}
}

// Compress compresses data using GZIP
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CompressTo streams src through a GZIP writer into dst
func (c *Compressor) CompressTo(dst io.Writer, src io.Reader) error {
	writer, err := gzip.NewWriterLevel(dst, c.compressionLevel)
	if err != nil {
		return fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := io.Copy(writer, src); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return nil
}

// Decompress decompresses GZIP data
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, &DecompressError{Err: err}
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, &DecompressError{Err: err}
	}

	return buf.Bytes(), nil
}

// Source opens a fresh reader over some bytes
type Source func() (io.ReadCloser, error)

// Decompressing wraps src so that every opened reader yields the
// decompressed bytes. Nothing is read until the returned source is opened
// and read from. Any GZIP failure surfaces as a *DecompressError.
func Decompressing(contentID string, src Source) Source {
	return func() (io.ReadCloser, error) {
		raw, err := src()
		if err != nil {
			return nil, err
		}
		return &lazyGzipReader{contentID: contentID, raw: raw}, nil
	}
}

// Compressing wraps src so that every opened reader yields GZIP bytes
func (c *Compressor) Compressing(src Source) Source {
	return func() (io.ReadCloser, error) {
		raw, err := src()
		if err != nil {
			return nil, err
		}
		pr, pw := io.Pipe()
		go func() {
			err := c.CompressTo(pw, raw)
			raw.Close()
			pw.CloseWithError(err)
		}()
		return pr, nil
	}
}

// lazyGzipReader defers reading the GZIP header until the first Read
type lazyGzipReader struct {
	contentID string
	raw       io.ReadCloser
	gz        *gzip.Reader
}

func (r *lazyGzipReader) Read(p []byte) (int, error) {
	if r.gz == nil {
		gz, err := gzip.NewReader(r.raw)
		if err != nil {
			return 0, &DecompressError{ContentID: r.contentID, Err: err}
		}
		r.gz = gz
	}
	n, err := r.gz.Read(p)
	if err != nil && err != io.EOF {
		return n, &DecompressError{ContentID: r.contentID, Err: err}
	}
	return n, err
}

func (r *lazyGzipReader) Close() error {
	if r.gz != nil {
		r.gz.Close()
	}
	return r.raw.Close()
}

// ShouldCompress determines if payload should be compressed based on content type
func ShouldCompress(contentType string) bool {
	// Don't compress already compressed formats
	compressedTypes := map[string]bool{
		"application/gzip":   true,
		"application/zip":    true,
		"application/x-gzip": true,
		"image/jpeg":         true,
		"image/png":          true,
		"video/mp4":          true,
		"audio/mp3":          true,
	}

	return !compressedTypes[contentType]
}
