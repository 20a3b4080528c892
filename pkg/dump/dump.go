package dump

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IncomingDumper receives a raw copy of every incoming request. The
// returned writer gets the request headers (see WriteHeaders) followed by
// the body as it is read. A nil writer skips the request.
type IncomingDumper interface {
	OpenIncoming(ctx context.Context, header http.Header) (io.WriteCloser, error)
}

// OutgoingDumper receives the bytes of every send attempt. attempt counts
// from 0 for the first try.
type OutgoingDumper interface {
	OpenOutgoing(ctx context.Context, messageID string, attempt int) (io.WriteCloser, error)
}

// IncomingDumperFunc adapts a function to IncomingDumper
type IncomingDumperFunc func(ctx context.Context, header http.Header) (io.WriteCloser, error)

// OpenIncoming implements IncomingDumper
func (f IncomingDumperFunc) OpenIncoming(ctx context.Context, header http.Header) (io.WriteCloser, error) {
	return f(ctx, header)
}

// OutgoingDumperFunc adapts a function to OutgoingDumper
type OutgoingDumperFunc func(ctx context.Context, messageID string, attempt int) (io.WriteCloser, error)

// OpenOutgoing implements OutgoingDumper
func (f OutgoingDumperFunc) OpenOutgoing(ctx context.Context, messageID string, attempt int) (io.WriteCloser, error) {
	return f(ctx, messageID, attempt)
}

// WriteHeaders writes header as "Key: value" lines, sorted by key, and
// terminates them with an empty line.
func WriteHeaders(w io.Writer, header http.Header) error {
	if err := header.Write(w); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// Directory dumps every message into its own file below Dir
type Directory struct {
	Dir string
	now func() time.Time
}

// NewDirectory creates the directory if needed
func NewDirectory(dir string) (*Directory, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create dump directory: %w", err)
	}
	return &Directory{Dir: dir, now: time.Now}, nil
}

// OpenIncoming implements IncomingDumper. The message ID is not known
// before parsing, so files are named by time and a random suffix.
func (d *Directory) OpenIncoming(ctx context.Context, header http.Header) (io.WriteCloser, error) {
	name := fmt.Sprintf("incoming-%s-%s.dump", d.timestamp(), uuid.NewString())
	f, err := d.create(name)
	if err != nil {
		return nil, err
	}
	if err := WriteHeaders(f, header); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// OpenOutgoing implements OutgoingDumper
func (d *Directory) OpenOutgoing(ctx context.Context, messageID string, attempt int) (io.WriteCloser, error) {
	name := fmt.Sprintf("outgoing-%s-%s-%d.dump", d.timestamp(), sanitize(messageID), attempt)
	return d.create(name)
}

func (d *Directory) create(name string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(d.Dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create dump file: %w", err)
	}
	return f, nil
}

func (d *Directory) timestamp() string {
	now := time.Now
	if d.now != nil {
		now = d.now
	}
	return now().UTC().Format("20060102T150405.000Z")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.', r == '@':
			return r
		default:
			return '_'
		}
	}, s)
}
