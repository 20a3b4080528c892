package as4

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/compression"
	"github.com/pondersource/phase4/pkg/dump"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/mime"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/security"
	"github.com/pondersource/phase4/pkg/soap"
	"github.com/pondersource/phase4/pkg/transport"
)

// DefaultRetryInterval is used when retries are enabled without an interval
const DefaultRetryInterval = 10 * time.Second

// ClientConfig holds client configuration
type ClientConfig struct {
	HTTPSConfig *transport.HTTPSConfig
	// HTTPClient takes precedence over HTTPSConfig
	HTTPClient *transport.HTTPSClient
	// Binding signs and encrypts; required only when the settings ask for it
	Binding security.Binding
	// PMode, when set, is applied with SetValuesFromPMode
	PMode          *pmode.PMode
	Endpoint       string
	OutgoingDumper dump.OutgoingDumper
	Logger         *slog.Logger
}

// Client sends AS4 messages. The exported settings may be changed between
// sends but not while a send is running.
type Client struct {
	http    *transport.HTTPSClient
	binding security.Binding
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	Endpoint    string
	SOAPVersion soap.Version
	// Header is added to every request
	Header        http.Header
	SigningParams security.SigningParams
	CryptParams   security.CryptParams
	Compressor    *compression.Compressor

	MaxRetries    int
	RetryInterval time.Duration
	// RetryCallback is told about every retry; it cannot stop it
	RetryCallback  func(attempt int, err error)
	OutgoingDumper dump.OutgoingDumper
}

// NewClient creates a new AS4 client. Signing is off until enabled by the
// P-Mode or SigningParams.
func NewClient(config *ClientConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = transport.NewHTTPSClient(config.HTTPSConfig)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		http:           httpClient,
		binding:        config.Binding,
		logger:         logger,
		sleep:          sleepContext,
		Endpoint:       config.Endpoint,
		SOAPVersion:    soap.Default,
		Compressor:     compression.NewCompressor(),
		OutgoingDumper: config.OutgoingDumper,
	}
	if config.PMode != nil {
		if err := c.SetValuesFromPMode(config.PMode, config.PMode.Leg1); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetValuesFromPMode applies the reception awareness of p and the
// protocol and security settings of leg. The endpoint is taken from the
// leg only when none is set yet.
func (c *Client) SetValuesFromPMode(p *pmode.PMode, leg *pmode.Leg) error {
	if p == nil {
		return illegalState("PMode", "P-Mode is required")
	}
	if leg == nil {
		return illegalState("PMode", "P-Mode %s has no such leg", p.ID)
	}

	ra := p.ReceptionAwareness
	c.MaxRetries = ra.MaxRetries()
	c.RetryInterval = ra.RetryInterval()
	if c.MaxRetries > 0 && c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}

	c.SOAPVersion = leg.SOAPVersion()
	c.SigningParams = security.DefaultSigningParams()
	c.SigningParams.SetFromPMode(leg.Security)
	c.CryptParams.SetFromPMode(leg.Security)

	if addr := leg.Address(); c.Endpoint == "" && isHTTPURL(addr) {
		c.Endpoint = addr
	}
	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Callbacks observe the build steps. Each is optional and must not
// modify what it is given.
type Callbacks struct {
	// Messaging is called with the assembled ebMS header
	Messaging func(m *message.Messaging)
	// SOAPDocument is called with the unsigned envelope
	SOAPDocument func(doc *etree.Document)
	// SignedDocument is called after signing, if the message is signed
	SignedDocument func(doc *etree.Document)
}

// BuiltMessage is a message ready to be sent
type BuiltMessage struct {
	MessageID   string
	Kind        string
	SOAPVersion soap.Version
	Document    *etree.Document
	// Attachments are the parts as written on the wire
	Attachments []*attachment.Attachment
	Entity      *Entity
	// Header holds custom HTTP headers of this message
	Header http.Header
}

// BuildMessage validates msg and assembles the envelope for messageID:
// compression, signing, encryption and MIME packaging as configured.
func (c *Client) BuildMessage(messageID string, msg Message, cb *Callbacks) (*BuiltMessage, error) {
	if messageID == "" {
		return nil, illegalState("MessageID", "message ID is required")
	}
	if msg == nil {
		return nil, illegalState("Message", "message is required")
	}
	v := c.SOAPVersion
	if err := msg.validate(v); err != nil {
		return nil, err
	}
	if !v.IsValid() {
		return nil, illegalState("SOAPVersion", "unknown SOAP version")
	}
	if c.SigningParams.IsSigningEnabled() && c.binding == nil {
		return nil, illegalState("Binding", "signing is enabled but no crypto binding is configured")
	}
	encrypt := c.CryptParams.Algorithm != "" && len(msg.parts()) > 0
	if encrypt && (c.binding == nil || c.CryptParams.RecipientKey == nil) {
		return nil, illegalState("CryptParams", "encryption needs a crypto binding and a recipient key")
	}
	if cb == nil {
		cb = &Callbacks{}
	}

	m, err := msg.messaging(messageID, v)
	if err != nil {
		return nil, err
	}
	if cb.Messaging != nil {
		cb.Messaging(m)
	}

	doc, wsuID, err := message.NewMessagingDocument(v, m, copyElement(msg.bodyPayload()))
	if err != nil {
		return nil, buildError("create SOAP document", err)
	}
	if cb.SOAPDocument != nil {
		cb.SOAPDocument(doc)
	}

	atts := c.wireAttachments(msg.parts())

	if c.SigningParams.IsSigningEnabled() {
		doc, err = c.binding.Sign(doc, v, wsuID, atts, c.SigningParams)
		if err != nil {
			return nil, buildError("sign message", err)
		}
		if cb.SignedDocument != nil {
			cb.SignedDocument(doc)
		}
	}

	if encrypt {
		doc, atts, err = c.binding.EncryptAttachments(doc, v, atts, c.CryptParams)
		if err != nil {
			return nil, buildError("encrypt attachments", err)
		}
	}

	var entity *Entity
	if len(atts) > 0 {
		entity = newMIMEEntity(mime.NewMessage(v, doc, atts))
	} else {
		data, err := doc.WriteToBytes()
		if err != nil {
			return nil, buildError("serialize SOAP document", err)
		}
		entity = newBufferedEntity(v.ContentType(), data)
	}

	return &BuiltMessage{
		MessageID:   messageID,
		Kind:        msg.Kind(),
		SOAPVersion: v,
		Document:    doc,
		Attachments: atts,
		Entity:      entity,
		Header:      c.Header.Clone(),
	}, nil
}

// wireAttachments wraps attachments that ask for compression in a
// compressing source. The part content type becomes the compression type.
func (c *Client) wireAttachments(parts []*attachment.Attachment) []*attachment.Attachment {
	if len(parts) == 0 {
		return nil
	}
	compressor := c.Compressor
	if compressor == nil {
		compressor = compression.NewCompressor()
	}
	out := make([]*attachment.Attachment, len(parts))
	for i, att := range parts {
		if att.CompressionMode == compression.None {
			out[i] = att
			continue
		}
		wire := att.WithSource(compressor.Compressing(att.Source))
		wire.MimeType = att.CompressionMode.MimeType()
		wire.Charset = ""
		out[i] = wire
	}
	return out
}

func copyElement(e *etree.Element) *etree.Element {
	if e == nil {
		return nil
	}
	return e.Copy()
}

// SentMessage correlates a built message with the last HTTP exchange
type SentMessage struct {
	BuiltMessage *BuiltMessage
	// Response is nil when no attempt got an HTTP response
	Response *transport.Response
	Attempts int
	SentAt   time.Time
}

// MessageID returns the ebMS message ID shared by all attempts
func (s *SentMessage) MessageID() string {
	if s.BuiltMessage == nil {
		return ""
	}
	return s.BuiltMessage.MessageID
}

// StatusLine returns the status line of the last response or ""
func (s *SentMessage) StatusLine() string {
	if s.Response == nil {
		return ""
	}
	return s.Response.StatusLine
}

// ResponseHeader returns the headers of the last response or nil
func (s *SentMessage) ResponseHeader() http.Header {
	if s.Response == nil {
		return nil
	}
	return s.Response.Header
}

// Signal decodes the synchronous Receipt or Error signal in the response
func (s *SentMessage) Signal() (*message.SignalMessage, error) {
	if s.Response == nil || len(s.Response.Body) == 0 {
		return nil, ErrNoResponseSignal
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(s.Response.Body); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	v, ok := soap.FromDocument(doc)
	if !ok {
		return nil, fmt.Errorf("response is not a SOAP envelope")
	}
	m, err := message.ParseMessaging(message.FindMessaging(doc, v))
	if err != nil {
		return nil, err
	}
	if len(m.SignalMessage) == 0 {
		return nil, ErrNoResponseSignal
	}
	return m.SignalMessage[0], nil
}

// SendMessageWithRetries builds msg under a fresh message ID and posts it
// to the endpoint. Failed attempts are repeated up to MaxRetries times,
// RetryInterval apart, with the same bytes. Local and build failures are
// returned before anything is sent.
func (c *Client) SendMessageWithRetries(ctx context.Context, msg Message, cb *Callbacks) (*SentMessage, error) {
	if c.Endpoint == "" {
		return nil, illegalState("Endpoint", "endpoint URL is required")
	}
	if c.http == nil {
		return nil, illegalState("HTTPClient", "HTTP client is required")
	}

	built, err := c.BuildMessage(message.NewMessageID(), msg, cb)
	if err != nil {
		return nil, err
	}
	log := c.logger.With(slog.String("message_id", built.MessageID), slog.String("kind", built.Kind))

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxRetries > 0 || c.OutgoingDumper != nil {
		if err := built.Entity.Buffer(); err != nil {
			return nil, buildError("buffer HTTP entity", err)
		}
	}

	sent := &SentMessage{BuiltMessage: built}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			log.Warn("retrying send",
				slog.Int("attempt", attempt),
				slog.Duration("interval", c.RetryInterval),
				slog.String("error", lastErr.Error()))
			if c.RetryCallback != nil {
				c.RetryCallback(attempt, lastErr)
			}
			if err := c.sleepFor(ctx, c.RetryInterval); err != nil {
				break
			}
		}

		sent.Attempts++
		sent.SentAt = time.Now()
		resp, err := c.post(ctx, built, attempt)
		if resp != nil {
			sent.Response = resp
		}
		if err == nil {
			log.Info("message sent",
				slog.String("endpoint", c.Endpoint),
				slog.String("status", resp.StatusLine),
				slog.Int("attempts", sent.Attempts))
			return sent, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
	}

	log.Error("send failed", slog.Int("attempts", sent.Attempts), slog.String("error", lastErr.Error()))
	return sent, fmt.Errorf("sending %s %s failed after %d attempt(s): %w",
		built.Kind, built.MessageID, sent.Attempts, lastErr)
}

func (c *Client) sleepFor(ctx context.Context, d time.Duration) error {
	if c.sleep == nil {
		return sleepContext(ctx, d)
	}
	return c.sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// post runs one HTTP attempt, copying the request to the outgoing dumper
func (c *Client) post(ctx context.Context, built *BuiltMessage, attempt int) (*transport.Response, error) {
	header := http.Header{}
	for k, vs := range built.Header {
		header[k] = append([]string(nil), vs...)
	}
	header.Set("Content-Type", built.Entity.ContentType)

	body, err := built.Entity.Open()
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var reader io.Reader = body
	if c.OutgoingDumper != nil {
		w, err := c.OutgoingDumper.OpenOutgoing(ctx, built.MessageID, attempt)
		if err != nil {
			c.logger.Warn("failed to open outgoing dump",
				slog.String("message_id", built.MessageID), slog.String("error", err.Error()))
		} else if w != nil {
			defer w.Close()
			if err := dump.WriteHeaders(w, header); err != nil {
				c.logger.Warn("failed to dump headers", slog.String("error", err.Error()))
			}
			reader = io.TeeReader(body, w)
		}
	}

	return c.http.Post(ctx, c.Endpoint, header, reader)
}

// Entity is the HTTP request body of a built message. A MIME entity is
// streamed and can be read once unless Buffer was called.
type Entity struct {
	ContentType string
	data        []byte
	buffered    bool
	stream      func(w io.Writer) error
	consumed    bool
}

func newBufferedEntity(contentType string, data []byte) *Entity {
	return &Entity{ContentType: contentType, data: data, buffered: true}
}

func newMIMEEntity(m *mime.Message) *Entity {
	return &Entity{
		ContentType: m.ContentType(),
		stream: func(w io.Writer) error {
			_, err := m.WriteTo(w)
			return err
		},
	}
}

// Repeatable reports whether Open can be called more than once
func (e *Entity) Repeatable() bool { return e.buffered }

// Buffer renders the entity into memory so it can be replayed
func (e *Entity) Buffer() error {
	if e.buffered {
		return nil
	}
	if e.consumed {
		return ErrEntityConsumed
	}
	var buf bytes.Buffer
	if err := e.stream(&buf); err != nil {
		return err
	}
	e.data = buf.Bytes()
	e.buffered = true
	e.stream = nil
	return nil
}

// Bytes returns the buffered entity
func (e *Entity) Bytes() ([]byte, error) {
	if err := e.Buffer(); err != nil {
		return nil, err
	}
	return e.data, nil
}

// Open returns a reader over the entity
func (e *Entity) Open() (io.ReadCloser, error) {
	if e.buffered {
		return io.NopCloser(bytes.NewReader(e.data)), nil
	}
	if e.consumed {
		return nil, ErrEntityConsumed
	}
	e.consumed = true
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(e.stream(pw))
	}()
	return pr, nil
}
