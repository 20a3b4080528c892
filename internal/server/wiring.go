package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/pondersource/phase4/internal/config"
	"github.com/pondersource/phase4/internal/keystore"
	"github.com/pondersource/phase4/pkg/as4"
	"github.com/pondersource/phase4/pkg/dump"
	"github.com/pondersource/phase4/pkg/msh"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/reliability"
	"github.com/pondersource/phase4/pkg/security"
	"github.com/pondersource/phase4/pkg/transport"
)

// LoadCredentials collects the local keys and the partner certificates.
// A missing signing key leaves the credentials without a signer; the MSH
// can then only exchange unsigned messages.
func LoadCredentials(ctx context.Context, cfg *config.Config, ks keystore.Provider, logger *slog.Logger) (security.Credentials, error) {
	var creds security.Credentials

	signer, err := ks.Signer(ctx, cfg.Keystore.KeyID)
	switch {
	case errors.Is(err, keystore.ErrKeyNotFound):
		logger.Warn("no signing key, outgoing messages and responses stay unsigned",
			slog.String("key_id", cfg.Keystore.KeyID))
	case err != nil:
		return creds, fmt.Errorf("loading signing key %s: %w", cfg.Keystore.KeyID, err)
	default:
		creds.Signer = signer
		creds.Certificate = signer.Certificate()
	}

	if path := cfg.Keystore.DecryptionKeyFile; path != "" {
		key, err := keystore.LoadDecryptionKey(path)
		if err != nil {
			return creds, err
		}
		creds.DecryptionKey = key
	}

	for _, path := range cfg.Trust.PeerCertificates {
		certs, err := keystore.LoadCertificates(path)
		if err != nil {
			return creds, err
		}
		creds.Peers = append(creds.Peers, certs...)
	}
	return creds, nil
}

// NewCertificateValidator builds the trust decision for signing
// certificates, optionally decorated with OCSP/CRL revocation checking
func NewCertificateValidator(cfg *config.TrustConfig, peers []*x509.Certificate) (security.CertificateValidator, error) {
	var base security.CertificateValidator
	switch cfg.Mode {
	case config.TrustPinned, "":
		base = security.NewPinnedCertificateValidator(peers...)
	case config.TrustPKI:
		roots, err := keystore.LoadCertificates(cfg.RootsFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		for _, c := range roots {
			pool.AddCert(c)
		}
		base = security.NewDefaultCertificateValidator(pool)
	case config.TrustAuthZEN:
		base = security.NewAuthZENTrustValidator(cfg.AuthZEN.Endpoint).WithTimeout(cfg.AuthZEN.Timeout)
	default:
		return nil, fmt.Errorf("unknown trust mode: %s", cfg.Mode)
	}

	if !cfg.OCSP.Enabled {
		return base, nil
	}
	ocsp := security.DefaultOCSPConfig()
	ocsp.Timeout = cfg.OCSP.Timeout
	ocsp.CRLFallback = cfg.OCSP.CRLFallback
	ocsp.StrictMode = cfg.OCSP.Strict
	return security.NewRevocationAwareCertValidator(base, security.NewOCSPRevocationChecker(ocsp)), nil
}

// NewBinding loads credentials and trust settings into a crypto binding
func NewBinding(ctx context.Context, cfg *config.Config, ks keystore.Provider, logger *slog.Logger) (*security.DefaultBinding, error) {
	creds, err := LoadCredentials(ctx, cfg, ks, logger)
	if err != nil {
		return nil, err
	}
	validator, err := NewCertificateValidator(&cfg.Trust, creds.Peers)
	if err != nil {
		return nil, err
	}
	return security.NewDefaultBinding(creds,
		security.WithValidator(validator),
		security.WithLogger(logger)), nil
}

// NewDetector creates the configured duplicate detector
func NewDetector(ctx context.Context, cfg *config.ReliabilityConfig) (reliability.DuplicateDetector, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		d, err := reliability.NewRedisDetector(ctx, &reliability.RedisConfig{
			Addr:      cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	case config.BackendMemory, "":
		return reliability.NewMemoryDetector(cfg.Sweep), nil
	default:
		return nil, fmt.Errorf("unknown duplicate detection backend: %s", cfg.Backend)
	}
}

// NewPModeRegistry registers every configured P-Mode
func NewPModeRegistry(cfg *config.Config) (*pmode.Registry, error) {
	pmodes, err := cfg.AllPModes()
	if err != nil {
		return nil, err
	}
	reg := pmode.NewRegistry()
	for _, p := range pmodes {
		if err := reg.Register(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// NewProfiles returns the known profiles and, if one is selected, the
// selector for it
func NewProfiles(cfg *config.ProfilesConfig) (*msh.ProfileRegistry, msh.ProfileSelector, error) {
	profiles, err := msh.NewProfileRegistry(msh.NewCommonProfile())
	if err != nil {
		return nil, nil, err
	}
	if cfg.Selected == "" {
		return profiles, nil, nil
	}
	if _, ok := profiles.Get(cfg.Selected); !ok {
		return nil, nil, fmt.Errorf("%w: %s", msh.ErrUnknownProfile, cfg.Selected)
	}
	return profiles, msh.StaticProfileSelector{ID: cfg.Selected, Validate: cfg.Validate}, nil
}

// NewDumper returns the dump directory or nil when dumping is off
func NewDumper(cfg *config.DumpConfig) (*dump.Directory, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	return dump.NewDirectory(cfg.Dir)
}

// HTTPSClientConfig derives the outgoing TLS settings
func HTTPSClientConfig(cfg *config.ClientConfig) (*transport.HTTPSConfig, error) {
	hc := transport.DefaultHTTPSConfig()
	hc.Timeout = cfg.Timeout
	if cfg.CAFile != "" {
		roots, err := keystore.LoadCertificates(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		for _, c := range roots {
			pool.AddCert(c)
		}
		hc.RootCAs = pool
	}
	return hc, nil
}

// NewClient creates an AS4 client for pm. The outgoing dumper may be nil.
func NewClient(cfg *config.Config, binding security.Binding, pm *pmode.PMode, dumper dump.OutgoingDumper, logger *slog.Logger) (*as4.Client, error) {
	hc, err := HTTPSClientConfig(&cfg.Client)
	if err != nil {
		return nil, err
	}
	client, err := as4.NewClient(&as4.ClientConfig{
		HTTPSConfig:    hc,
		Binding:        binding,
		PMode:          pm,
		OutgoingDumper: dumper,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	if pm == nil || pm.Leg1 == nil || pm.Leg1.Protocol == nil || !pm.Leg1.Protocol.SOAPVersion.IsValid() {
		client.SOAPVersion = cfg.Client.SOAPVersion
	}
	return client, nil
}

// closeAll closes every closer and joins the errors
func closeAll(closers ...io.Closer) error {
	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// serverTLSConfig loads the server certificate and optional client CAs
func serverTLSConfig(cfg *config.ServerConfig) (*transport.HTTPSConfig, error) {
	hc := transport.DefaultHTTPSConfig()
	hc.Timeout = cfg.ReadTimeout
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	hc.Certificates = []tls.Certificate{cert}
	if cfg.TLS.ClientCAFile != "" {
		cas, err := keystore.LoadCertificates(cfg.TLS.ClientCAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		for _, c := range cas {
			pool.AddCert(c)
		}
		hc.ClientCAs = pool
		hc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return hc, nil
}
