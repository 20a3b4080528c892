package msh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	stdmime "mime"
	"net/http"
	"strings"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/compression"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/mime"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/resource"
	"github.com/pondersource/phase4/pkg/soap"
)

// DefaultLocale is used for error descriptions when none is configured
const DefaultLocale = "en"

// Config holds the collaborators of a Handler
type Config struct {
	// Processors is required; see NewDefaultRegistry
	Processors *Registry
	// Profiles and ProfileSelector are optional
	Profiles          *ProfileRegistry
	ProfileSelector   ProfileSelector
	AttachmentFactory attachment.Factory
	Locale            string
	Logger            *slog.Logger
}

// Handler runs the incoming pipeline: it parses a request into a SOAP
// document and attachments, runs the header processors and derives the
// message state.
type Handler struct {
	processors *Registry
	profiles   *ProfileRegistry
	selector   ProfileSelector
	factory    attachment.Factory
	locale     string
	logger     *slog.Logger
}

// NewHandler creates a Handler
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Processors == nil {
		return nil, errors.New("header processor registry is required")
	}
	if cfg.ProfileSelector != nil && cfg.Profiles == nil {
		return nil, errors.New("profile selector requires a profile registry")
	}
	if cfg.AttachmentFactory == nil {
		cfg.AttachmentFactory = attachment.NewDefaultFactory()
	}
	if cfg.Locale == "" {
		cfg.Locale = DefaultLocale
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		processors: cfg.Processors,
		profiles:   cfg.Profiles,
		selector:   cfg.ProfileSelector,
		factory:    cfg.AttachmentFactory,
		locale:     cfg.Locale,
		logger:     cfg.Logger,
	}, nil
}

// Incoming is a parsed request
type Incoming struct {
	Document    *etree.Document
	SOAPVersion soap.Version
	Attachments []*attachment.Attachment
}

// Parse reads a request body. A multipart/related body yields the SOAP
// document from its first part and attachments from the others; any other
// body must be the SOAP document itself. Attachments spilled to disk are
// owned by scope.
func (h *Handler) Parse(ctx context.Context, header http.Header, body io.Reader, scope *resource.Scope) (*Incoming, error) {
	contentType := header.Get("Content-Type")
	if contentType == "" {
		return nil, &ProtocolError{Err: ErrMissingContentType}
	}
	if _, _, err := stdmime.ParseMediaType(contentType); err != nil {
		return nil, protocolError(ErrInvalidContentType, "%q", contentType)
	}

	if mime.IsMultipart(contentType) {
		msg, err := mime.Parse(body, contentType, h.factory, scope)
		if err != nil {
			return nil, &ProtocolError{Msg: "failed to parse MIME message", Err: err}
		}
		if !msg.SOAPVersion.IsValid() {
			return nil, &ProtocolError{Err: ErrUnknownSOAPVersion}
		}
		h.logger.Debug("parsed MIME message",
			slog.String("soap_version", msg.SOAPVersion.String()),
			slog.Int("attachments", len(msg.Attachments)))
		return &Incoming{Document: msg.Document, SOAPVersion: msg.SOAPVersion, Attachments: msg.Attachments}, nil
	}

	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(body); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("%w: %v", ErrNoSOAPDocument, err)}
	}
	if doc.Root() == nil {
		return nil, &ProtocolError{Err: ErrNoSOAPDocument}
	}
	v, ok := soap.FromDocument(doc)
	if !ok {
		v, ok = soap.FromMimeType(contentType)
	}
	if !ok {
		return nil, &ProtocolError{Err: ErrUnknownSOAPVersion}
	}
	return &Incoming{Document: doc, SOAPVersion: v}, nil
}

// ProcessEbmsMessage runs the header processors over in and completes the
// message state. The returned errors are the ebMS errors to report to the
// sender; the error return is a *ProtocolError for messages that cannot be
// answered with ebMS errors at all.
func (h *Handler) ProcessEbmsMessage(ctx context.Context, in *Incoming, scope *resource.Scope) (*MessageState, []*message.Error, error) {
	v := in.SOAPVersion
	doc := in.Document
	state := NewMessageState(v, scope, h.locale)
	state.OriginalAttachments = in.Attachments

	soapHeader := v.Header(doc)
	if soapHeader == nil {
		return nil, nil, &ProtocolError{Err: ErrNoSOAPHeader}
	}
	headers := collectHeaders(v, soapHeader)

	errs := h.processHeaders(ctx, doc, headers, state)
	if len(errs) == 0 {
		for _, hdr := range headers {
			if hdr.MustUnderstand && !hdr.Processed {
				h.logger.Warn("required SOAP header element not processed",
					slog.String("qname", hdr.Name.String()),
					slog.String("message_id", state.MessageID()))
				return nil, nil, protocolError(ErrRequiredHeader, "%s", hdr.Name)
			}
		}
	}
	if len(errs) == 0 && h.processors.Contains(QNameSecurity) && findHeader(headers, QNameSecurity) == nil {
		var policy message.ErrorList
		if checkSecurityPolicy(state, &policy) != nil {
			for _, pe := range policy.Items() {
				errs = append(errs, pe.AsEbms3Error(state.MessageID()))
			}
		}
	}
	state.HeaderProcessingSuccessful = len(errs) == 0
	if !state.HeaderProcessingSuccessful {
		return state, errs, nil
	}

	errs = append(errs, h.checkMessageCount(state)...)
	if err := h.completeState(state, doc); err != nil {
		return nil, nil, err
	}
	return state, errs, nil
}

func collectHeaders(v soap.Version, soapHeader *etree.Element) []*SOAPHeader {
	children := soapHeader.ChildElements()
	headers := make([]*SOAPHeader, 0, len(children))
	for _, elem := range children {
		headers = append(headers, &SOAPHeader{
			Name:           QNameOf(elem),
			Element:        elem,
			MustUnderstand: v.IsMustUnderstand(elem),
		})
	}
	return headers
}

// processHeaders runs the registered processors in order. The first
// failing processor ends the chain.
func (h *Handler) processHeaders(ctx context.Context, doc *etree.Document, headers []*SOAPHeader, state *MessageState) []*message.Error {
	for _, reg := range h.processors.snapshot() {
		hdr := findHeader(headers, reg.name)
		if hdr == nil {
			continue
		}

		var errs message.ErrorList
		err := runProcessor(ctx, reg.processor, doc, hdr.Element, state, &errs)
		if err == nil {
			hdr.Processed = true
			continue
		}

		refTo := state.MessageID()
		h.logger.Warn("failed to process SOAP header element",
			slog.String("qname", reg.name.String()),
			slog.String("processor", fmt.Sprintf("%T", reg.processor)),
			slog.String("message_id", refTo),
			slog.String("error", err.Error()))

		var panicked *processorPanic
		if errors.As(err, &panicked) || errs.IsEmpty() {
			return []*message.Error{message.EbmsOther.AsEbms3Error(refTo, "",
				fmt.Sprintf("Error processing SOAP header element %s", reg.name))}
		}
		out := make([]*message.Error, 0, errs.Len())
		for _, pe := range errs.Items() {
			out = append(out, pe.AsEbms3Error(refTo))
		}
		return out
	}
	return nil
}

type processorPanic struct {
	value any
}

func (p *processorPanic) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func runProcessor(ctx context.Context, p Processor, doc *etree.Document, elem *etree.Element,
	state *MessageState, errs *message.ErrorList) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &processorPanic{value: r}
		}
	}()
	return p.ProcessHeaderElement(ctx, doc, elem, state.Attachments(), state, errs)
}

func findHeader(headers []*SOAPHeader, name QName) *SOAPHeader {
	for _, hdr := range headers {
		if hdr.Name == name {
			return hdr
		}
	}
	return nil
}

// checkMessageCount requires exactly one user message, pull request,
// receipt or error
func (h *Handler) checkMessageCount(state *MessageState) []*message.Error {
	count := 0
	for _, present := range []bool{
		state.UserMessage != nil,
		state.PullRequest != nil,
		state.Receipt != nil,
		state.Error != nil,
	} {
		if present {
			count++
		}
	}
	if count == 1 {
		return nil
	}
	h.logger.Error("expected exactly one ebMS message",
		slog.Int("count", count), slog.String("message_id", state.MessageID()))
	return []*message.Error{message.EbmsValueNotRecognized.AsEbms3Error(state.MessageID(), "",
		fmt.Sprintf("Expected exactly one UserMessage, PullRequest, Receipt or Error but found %d", count))}
}

func (h *Handler) completeState(state *MessageState, doc *etree.Document) error {
	log := h.logger.With(slog.String("message_id", state.MessageID()))

	if h.selector != nil {
		state.ProfileID = h.selector.ProfileID(state)
	}

	if state.UserMessage != nil {
		if state.PMode == nil {
			return protocolError(ErrNoPMode, "user message %s", state.MessageID())
		}
		if state.EffectiveLeg == nil {
			return protocolError(ErrNoLeg, "P-Mode %s", state.PMode.ID)
		}
		if err := h.validateProfile(state, log); err != nil {
			return err
		}
		h.decompressAttachments(state, log)
	}
	if state.PullRequest != nil && state.PMode == nil {
		return protocolError(ErrNoPMode, "pull request for MPC %q", state.PullRequest.MPC)
	}

	body := state.SOAPVersion.Body(state.Document(doc))
	if body == nil {
		return &ProtocolError{Err: ErrNoSOAPBody}
	}
	if children := body.ChildElements(); len(children) > 0 {
		state.SOAPBodyPayload = children[0]
	}

	state.Ping = pmode.IsPing(state.PMode)
	return nil
}

func (h *Handler) validateProfile(state *MessageState, log *slog.Logger) error {
	if state.ProfileID == "" {
		return nil
	}
	profile, ok := h.profiles.Get(state.ProfileID)
	if !ok {
		return protocolError(ErrUnknownProfile, "%q", state.ProfileID)
	}
	if profile.Validator == nil {
		return nil
	}
	if !h.selector.ValidateAgainstProfile() {
		log.Warn("profile has a validator but validation is disabled", slog.String("profile", profile.ID))
		return nil
	}

	var errs message.ErrorList
	profile.Validator.ValidatePMode(state.PMode, &errs)
	profile.Validator.ValidateUserMessage(state.UserMessage, &errs)
	if errs.IsEmpty() {
		return nil
	}
	details := make([]string, 0, errs.Len())
	for _, pe := range errs.Items() {
		details = append(details, pe.Error())
	}
	return protocolError(ErrProfileValidation, "%s: %s", profile.ID, strings.Join(details, "; "))
}

// decompressAttachments wraps every compressed attachment in a lazily
// decompressing source. The MimeType part property names the type of the
// uncompressed content and replaces the part content type.
func (h *Handler) decompressAttachments(state *MessageState, log *slog.Logger) {
	atts := state.Attachments()
	if len(atts) == 0 {
		return
	}
	out := make([]*attachment.Attachment, len(atts))
	for i, att := range atts {
		out[i] = att
		mode, ok := state.CompressionMode(att.ID)
		if !ok || mode == compression.None {
			continue
		}
		wrapped := att.WithSource(compression.Decompressing(att.ID, att.Source))
		wrapped.CompressionMode = mode

		if pi := state.UserMessage.PayloadInfo.FindPartInfo(att.ID); pi != nil {
			if mt, ok := pi.PartProperties.Get(message.PartPropertyMimeType); ok {
				if _, _, err := stdmime.ParseMediaType(mt); err != nil {
					log.Warn("invalid MimeType part property",
						slog.String("content_id", att.ID), slog.String("mime_type", mt))
				} else {
					wrapped.MimeType = mt
				}
			}
		}
		out[i] = wrapped
	}

	if state.HasDecryptedAttachments() {
		state.DecryptedAttachments = out
	} else {
		state.OriginalAttachments = out
	}
}
