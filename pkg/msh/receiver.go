package msh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/dump"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/reliability"
	"github.com/pondersource/phase4/pkg/resource"
	"github.com/pondersource/phase4/pkg/security"
	"github.com/pondersource/phase4/pkg/soap"
)

// ReceiverConfig holds the collaborators of a Receiver
type ReceiverConfig struct {
	Handler *Handler
	// Binding signs responses when the effective leg signs; may be nil
	Binding  security.Binding
	Consumer MessageConsumer
	// Detector is consulted when the P-Mode enables duplicate detection
	Detector       reliability.DuplicateDetector
	IncomingDumper dump.IncomingDumper
	// TempDir holds attachments too large for memory; "" means os.TempDir
	TempDir string
	Logger  *slog.Logger
}

// Receiver is the HTTP endpoint of the MSH. It runs the incoming pipeline
// and answers synchronously with a Receipt or an Error signal.
type Receiver struct {
	handler  *Handler
	binding  security.Binding
	consumer MessageConsumer
	detector reliability.DuplicateDetector
	dumper   dump.IncomingDumper
	tempDir  string
	logger   *slog.Logger
}

// NewReceiver creates a Receiver
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) {
	if cfg.Handler == nil {
		return nil, errors.New("handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		handler:  cfg.Handler,
		binding:  cfg.Binding,
		consumer: cfg.Consumer,
		detector: cfg.Detector,
		dumper:   cfg.IncomingDumper,
		tempDir:  cfg.TempDir,
		logger:   logger,
	}, nil
}

type response struct {
	status  int
	version soap.Version
	doc     *etree.Document
}

// ServeHTTP implements http.Handler
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	scope := resource.NewScope(rc.tempDir)
	defer func() {
		if err := scope.Close(); err != nil {
			rc.logger.Warn("failed to release request resources", slog.String("error", err.Error()))
		}
	}()

	body := io.Reader(r.Body)
	if rc.dumper != nil {
		dw, err := rc.dumper.OpenIncoming(ctx, r.Header)
		if err != nil {
			rc.logger.Warn("failed to open incoming dump", slog.String("error", err.Error()))
		} else if dw != nil {
			defer dw.Close()
			body = io.TeeReader(r.Body, dw)
		}
	}

	meta := &Metadata{RemoteAddr: r.RemoteAddr, RequestURI: r.RequestURI, Header: r.Header}
	rc.write(w, rc.receive(ctx, meta, body, scope))
}

func (rc *Receiver) receive(ctx context.Context, meta *Metadata, body io.Reader, scope *resource.Scope) *response {
	in, err := rc.handler.Parse(ctx, meta.Header, body, scope)
	if err != nil {
		return rc.protocolFailure(soap.Default, err)
	}

	state, errs, err := rc.handler.ProcessEbmsMessage(ctx, in, scope)
	if err != nil {
		return rc.protocolFailure(in.SOAPVersion, err)
	}
	log := rc.logger.With(slog.String("message_id", state.MessageID()))
	if state.PMode != nil {
		log = log.With(slog.String("pmode_id", state.PMode.ID))
	}

	if len(errs) > 0 {
		log.Warn("incoming message has errors", slog.Int("errors", len(errs)))
		return rc.errorResponse(state, http.StatusOK, errs...)
	}

	switch {
	case state.UserMessage != nil:
		return rc.receiveUserMessage(ctx, meta, in, state, log)
	case state.PullRequest != nil:
		log.Info("pull request has no message to deliver", slog.String("mpc", state.PullRequest.MPC))
		return rc.errorResponse(state, http.StatusOK,
			message.EbmsEmptyMessagePartitionChannel.AsEbms3Error(state.MessageID(), "", ""))
	default:
		log.Info("received signal message",
			slog.Bool("receipt", state.Receipt != nil),
			slog.String("ref_to_message_id", state.RefToMessageID()))
		return &response{status: http.StatusAccepted}
	}
}

func (rc *Receiver) receiveUserMessage(ctx context.Context, meta *Metadata, in *Incoming, state *MessageState, log *slog.Logger) *response {
	messageID := state.MessageID()
	ra := state.PMode.ReceptionAwareness

	checked := false
	if rc.detector != nil && ra.IsDuplicateDetectionEnabled() {
		dup, err := rc.detector.SeenBefore(ctx, messageID, ra.DuplicateDetection.Window)
		if err != nil {
			log.Error("duplicate detection failed", slog.String("error", err.Error()))
			return rc.errorResponse(state, http.StatusOK,
				message.EbmsDysfunctionalReliability.AsEbms3Error(messageID, "", ""))
		}
		if dup {
			log.Info("duplicate user message, not delivered again")
			return rc.receiptResponse(in, state, log)
		}
		checked = true
	}

	if state.Ping {
		log.Info("received ping")
	} else if rc.consumer != nil {
		err := rc.consumer.Consume(ctx, &Delivery{
			Metadata:    meta,
			State:       state,
			UserMessage: state.UserMessage,
			Attachments: state.Attachments(),
			Payload:     state.SOAPBodyPayload,
		})
		if err != nil {
			log.Error("message consumer failed", slog.String("error", err.Error()))
			if checked {
				if ferr := rc.detector.Forget(ctx, messageID); ferr != nil {
					log.Warn("failed to reset duplicate detection", slog.String("error", ferr.Error()))
				}
			}
			var perr *message.ProcessingError
			if errors.As(err, &perr) {
				return rc.errorResponse(state, http.StatusOK, perr.AsEbms3Error(messageID))
			}
			return rc.errorResponse(state, http.StatusOK, message.EbmsOther.AsEbms3Error(messageID, "", err.Error()))
		}
		log.Info("delivered user message", slog.Int("attachments", len(state.Attachments())))
	}

	return rc.receiptResponse(in, state, log)
}

// receiptResponse answers a user message. The receipt carries
// NonRepudiationInformation when the message was signed and the leg asks
// for it, else a copy of the user message.
func (rc *Receiver) receiptResponse(in *Incoming, state *MessageState, log *slog.Logger) *response {
	var sec *pmode.Security
	if state.EffectiveLeg != nil {
		sec = state.EffectiveLeg.Security
	}
	if sec != nil && sec.SendReceipt != nil &&
		(!sec.SendReceipt.Enabled || sec.SendReceipt.ReplyPattern == pmode.ReplyPatternCallback) {
		return &response{status: http.StatusAccepted}
	}

	var content []byte
	var err error
	if state.Signed && sec.IsNonRepudiation() {
		content, err = message.NonRepudiationInformation(in.Document)
	} else {
		content, err = message.UserMessageReceiptContent(state.UserMessage)
	}
	if err != nil {
		log.Error("failed to create receipt", slog.String("error", err.Error()))
		return rc.errorResponse(state, http.StatusInternalServerError,
			message.EbmsOther.AsEbms3Error(state.MessageID(), "", err.Error()))
	}

	sm := message.NewReceiptSignal(message.NewMessageInfo(message.NewMessageID(), state.MessageID(), time.Time{}), content)
	return rc.signalResponse(state, http.StatusOK, sm)
}

func (rc *Receiver) errorResponse(state *MessageState, status int, errs ...*message.Error) *response {
	sm := message.NewErrorSignal(message.NewMessageInfo(message.NewMessageID(), state.MessageID(), time.Time{}), errs...)
	return rc.signalResponse(state, status, sm)
}

func (rc *Receiver) signalResponse(state *MessageState, status int, sm *message.SignalMessage) *response {
	v := state.SOAPVersion
	doc, wsuID, err := message.NewSignalDocument(v, sm)
	if err != nil {
		rc.logger.Error("failed to create signal message", slog.String("error", err.Error()))
		return &response{status: http.StatusInternalServerError}
	}

	if rc.binding != nil && state.EffectiveLeg != nil && state.EffectiveLeg.Security.IsSigningEnabled() {
		params := security.DefaultSigningParams()
		params.SetFromPMode(state.EffectiveLeg.Security)
		signed, err := rc.binding.Sign(doc, v, wsuID, nil, params)
		if err != nil {
			rc.logger.Error("failed to sign response",
				slog.String("message_id", state.MessageID()), slog.String("error", err.Error()))
		} else {
			doc = signed
		}
	}
	return &response{status: status, version: v, doc: doc}
}

// protocolFailure answers a message that could not be processed at all
func (rc *Receiver) protocolFailure(v soap.Version, err error) *response {
	rc.logger.Error("failed to process incoming message", slog.String("error", err.Error()))
	if !v.IsValid() {
		v = soap.Default
	}
	sm := message.NewErrorSignal(message.NewMessageInfo(message.NewMessageID(), "", time.Time{}),
		message.EbmsOther.AsEbms3Error("", "", err.Error()))
	doc, _, derr := message.NewSignalDocument(v, sm)
	if derr != nil {
		return &response{status: http.StatusInternalServerError}
	}
	return &response{status: http.StatusInternalServerError, version: v, doc: doc}
}

func (rc *Receiver) write(w http.ResponseWriter, resp *response) {
	if resp.doc == nil {
		w.WriteHeader(resp.status)
		return
	}
	data, err := resp.doc.WriteToBytes()
	if err != nil {
		rc.logger.Error("failed to serialize response", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", resp.version.ContentType())
	w.WriteHeader(resp.status)
	if _, err := w.Write(data); err != nil {
		rc.logger.Debug("failed to write response", slog.String("error", err.Error()))
	}
}
