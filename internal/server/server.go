// Package server hosts the receiving side of the MSH.
//
// Routes:
//
//   - POST {server.path}  - AS4 endpoint, answered with a Receipt or an Error signal
//   - GET  /health        - Liveness probe
//   - GET  /ready         - Readiness probe, checks the duplicate detection backend
//   - GET  /certificate   - The signing certificate as PEM
package server

import (
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pondersource/phase4/internal/config"
	"github.com/pondersource/phase4/internal/keystore"
	"github.com/pondersource/phase4/pkg/dump"
	"github.com/pondersource/phase4/pkg/msh"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/reliability"
	"github.com/pondersource/phase4/pkg/security"
	"github.com/pondersource/phase4/pkg/transport"
)

// Options customise a Server
type Options struct {
	// Consumer receives accepted user messages; nil stores them in the
	// inbox directory
	Consumer msh.MessageConsumer
	Logger   *slog.Logger
}

// Server is the AS4 receiving endpoint
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	keystore keystore.Provider
	detector reliability.DuplicateDetector
	pmodes   *pmode.Registry
	binding  *security.DefaultBinding
	receiver *msh.Receiver
	mux      *http.ServeMux

	httpsSrv *transport.HTTPSServer
	httpSrv  *http.Server
}

// New wires the MSH from cfg
func New(ctx context.Context, cfg *config.Config, opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{config: cfg, logger: logger}

	ks, err := keystore.NewProvider(&cfg.Keystore)
	if err != nil {
		return nil, fmt.Errorf("initializing keystore: %w", err)
	}
	s.keystore = ks

	if err := s.init(ctx, opts.Consumer); err != nil {
		_ = closeAll(s.keystore, s.detector)
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context, consumer msh.MessageConsumer) error {
	cfg := s.config

	binding, err := NewBinding(ctx, cfg, s.keystore, s.logger)
	if err != nil {
		return err
	}
	s.binding = binding

	if s.pmodes, err = NewPModeRegistry(cfg); err != nil {
		return err
	}
	profiles, selector, err := NewProfiles(&cfg.Profiles)
	if err != nil {
		return err
	}

	handler, err := msh.NewHandler(msh.Config{
		Processors:      msh.NewDefaultRegistry(msh.NewStaticPModeResolver(s.pmodes), binding, nil),
		Profiles:        profiles,
		ProfileSelector: selector,
		Logger:          s.logger,
	})
	if err != nil {
		return err
	}

	if s.detector, err = NewDetector(ctx, &cfg.Reliability); err != nil {
		return err
	}

	if consumer == nil {
		inbox, err := NewInbox(cfg.Server.InboxDir, s.logger)
		if err != nil {
			return err
		}
		consumer = inbox
	}

	var incoming dump.IncomingDumper
	dir, err := NewDumper(&cfg.Dump)
	if err != nil {
		return err
	}
	if dir != nil {
		incoming = dir
	}

	s.receiver, err = msh.NewReceiver(msh.ReceiverConfig{
		Handler:        handler,
		Binding:        binding,
		Consumer:       consumer,
		Detector:       s.detector,
		IncomingDumper: incoming,
		TempDir:        cfg.Server.TempDir,
		Logger:         s.logger,
	})
	if err != nil {
		return err
	}

	s.mux = http.NewServeMux()
	s.registerRoutes(s.mux)

	if cfg.Server.TLS.CertFile != "" {
		tlsCfg, err := serverTLSConfig(&cfg.Server)
		if err != nil {
			return err
		}
		s.httpsSrv = transport.NewHTTPSServer(cfg.Server.Address, "/", tlsCfg, s.mux)
		return nil
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.ReadTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /certificate", s.handleCertificate)
	mux.Handle("POST "+s.config.Server.Path, s.receiver)
}

// Handler returns the routing handler, e.g. for httptest
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Registry returns the registered P-Modes
func (s *Server) Registry() *pmode.Registry {
	return s.pmodes
}

// Binding returns the crypto binding shared by receiver and clients
func (s *Server) Binding() *security.DefaultBinding {
	return s.binding
}

// Start listens on the configured address and serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("starting server",
		slog.String("addr", s.config.Server.Address),
		slog.String("path", s.config.Server.Path),
		slog.Bool("tls", s.httpsSrv != nil),
		slog.Int("pmodes", s.pmodes.Len()))
	if s.httpsSrv != nil {
		return s.httpsSrv.Start()
	}
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve serves on an existing listener until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	if s.httpsSrv != nil {
		return s.httpsSrv.Serve(ln)
	}
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and releases the keystore and
// the duplicate detector
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpsSrv != nil {
		err = s.httpsSrv.Shutdown(ctx)
	} else if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	return errors.Join(err, closeAll(s.keystore, s.detector))
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.detector.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Warn("duplicate detection backend not ready", slog.String("error", err.Error()))
			s.jsonError(w, "duplicate detection backend not ready", http.StatusServiceUnavailable)
			return
		}
	}
	s.jsonResponse(w, map[string]string{"status": "ready"}, http.StatusOK)
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := s.keystore.Certificate(r.Context(), s.config.Keystore.KeyID)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			s.jsonError(w, "no signing certificate", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to get certificate", slog.String("error", err.Error()))
		s.jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_ = pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// Helper functions

func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, map[string]string{"error": message}, status)
}
