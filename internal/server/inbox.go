package server

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/msh"
)

// Inbox is a MessageConsumer that stores every accepted user message in
// its own directory below Dir: the ebMS header as usermessage.xml, the
// body payload as body.xml and each attachment under its content ID.
type Inbox struct {
	Dir    string
	Logger *slog.Logger
}

// NewInbox creates the inbox directory
func NewInbox(dir string, logger *slog.Logger) (*Inbox, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating inbox: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{Dir: dir, Logger: logger}, nil
}

// Consume implements msh.MessageConsumer
func (in *Inbox) Consume(ctx context.Context, d *msh.Delivery) error {
	id := d.State.MessageID()
	dir := filepath.Join(in.Dir, safeName(id))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating message directory: %w", err)
	}

	header, err := xml.MarshalIndent(d.UserMessage, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding user message: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "usermessage.xml"), header, 0o640); err != nil {
		return err
	}

	if d.Payload != nil {
		body, err := payloadBytes(d)
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, "body.xml"), body, 0o640); err != nil {
			return err
		}
	}

	for _, att := range d.Attachments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeAttachment(filepath.Join(dir, safeName(att.ID)), att.Open); err != nil {
			return fmt.Errorf("storing attachment %s: %w", att.ID, err)
		}
	}

	in.Logger.Info("message stored",
		slog.String("message_id", id),
		slog.String("dir", dir),
		slog.Int("attachments", len(d.Attachments)))
	return nil
}

func payloadBytes(d *msh.Delivery) ([]byte, error) {
	doc := etree.NewDocument()
	doc.SetRoot(d.Payload.Copy())
	doc.Indent(2)
	return doc.WriteToBytes()
}

func writeAttachment(path string, open func() (io.ReadCloser, error)) error {
	r, err := open()
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// safeName maps a message or content ID to a single path element
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_', r == '@':
			return r
		default:
			return '_'
		}
	}, id)
}
