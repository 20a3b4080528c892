package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// UserAgent is sent with every outgoing request
const UserAgent = "phase4"

// DefaultMaxResponseSize caps the response body read by Post
const DefaultMaxResponseSize = 16 << 20

// Recommended TLS 1.2 cipher suites for AS4
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// HTTPSConfig contains HTTPS client/server configuration
type HTTPSConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	ClientAuth      tls.ClientAuthType
	Certificates    []tls.Certificate
	RootCAs         *x509.CertPool
	ClientCAs       *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
	// MaxResponseSize defaults to DefaultMaxResponseSize
	MaxResponseSize int64
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		ClientAuth:      tls.NoClientCert,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Response is what one HTTP exchange returned. It is filled for every
// status code, including the ones reported as StatusError.
type Response struct {
	StatusCode int
	// StatusLine is e.g. "HTTP/1.1 200 OK"
	StatusLine string
	Header     http.Header
	Body       []byte
}

// StatusError reports a response outside the 2xx range
type StatusError struct {
	StatusCode int
	StatusLine string
	Body       []byte
}

func (e *StatusError) Error() string {
	const max = 512
	body := e.Body
	if len(body) > max {
		body = body[:max]
	}
	return fmt.Sprintf("unexpected status %q: %s", e.StatusLine, body)
}

// IsStatusError reports whether err wraps a StatusError
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// HTTPSClient handles AS4 message transmission over HTTPS
type HTTPSClient struct {
	client *http.Client
	config *HTTPSConfig
}

// NewHTTPSClient creates a new HTTPS client
func NewHTTPSClient(config *HTTPSConfig) *HTTPSClient {
	if config == nil {
		config = DefaultHTTPSConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		MaxVersion:   config.MaxTLSVersion,
		CipherSuites: config.CipherSuites,
		Certificates: config.Certificates,
		RootCAs:      config.RootCAs,
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	return &HTTPSClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config: config,
	}
}

// Post sends body to endpoint. header must carry the Content-Type. A
// non-2xx status returns the Response together with a *StatusError.
func (c *HTTPSClient) Post(ctx context.Context, endpoint string, header http.Header, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if req.Header.Get("Content-Type") == "" {
		return nil, errors.New("content type is required")
	}
	req.Header.Set("User-Agent", UserAgent)
	if _, ok := req.Header["Soapaction"]; !ok {
		req.Header.Set("SOAPAction", "")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	limit := c.config.MaxResponseSize
	if limit <= 0 {
		limit = DefaultMaxResponseSize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	out := &Response{
		StatusCode: resp.StatusCode,
		StatusLine: resp.Proto + " " + resp.Status,
		Header:     resp.Header,
		Body:       data,
	}
	if err != nil {
		return out, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &StatusError{StatusCode: resp.StatusCode, StatusLine: out.StatusLine, Body: data}
	}
	return out, nil
}

// HTTPSServer hosts an AS4 endpoint over HTTPS
type HTTPSServer struct {
	server *http.Server
	config *HTTPSConfig
}

// NewHTTPSServer creates a server routing path to handler
func NewHTTPSServer(addr, path string, config *HTTPSConfig, handler http.Handler) *HTTPSServer {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	if path == "" {
		path = "/as4"
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		MaxVersion:   config.MaxTLSVersion,
		CipherSuites: config.CipherSuites,
		Certificates: config.Certificates,
		ClientCAs:    config.ClientCAs,
		ClientAuth:   config.ClientAuth,
	}

	mux := http.NewServeMux()
	mux.Handle(path, handler)

	return &HTTPSServer{
		config: config,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       config.Timeout,
			WriteTimeout:      config.Timeout,
			IdleTimeout:       config.IdleConnTimeout,
		},
	}
}

// Handler returns the routing handler, e.g. for httptest
func (s *HTTPSServer) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address and serves until Shutdown
func (s *HTTPSServer) Start() error {
	if len(s.config.Certificates) == 0 {
		return fmt.Errorf("no TLS certificates configured")
	}
	err := s.server.ListenAndServeTLS("", "")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve serves TLS on an existing listener until Shutdown
func (s *HTTPSServer) Serve(ln net.Listener) error {
	if len(s.config.Certificates) == 0 {
		return fmt.Errorf("no TLS certificates configured")
	}
	err := s.server.ServeTLS(ln, "", "")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *HTTPSServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
