// Package config handles configuration loading for the phase4 MSH.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax), so PINs and passwords can be
// injected at runtime.
//
// # Configuration Sections
//
//   - server: listen address, endpoint path, TLS files
//   - logging: level and format
//   - keystore: signing key source (file or pkcs11) and decryption key
//   - trust: how peer signing certificates are trusted
//   - pmodes, pmodeFiles: P-Modes registered at start-up
//   - profiles: the AS4 profile incoming messages are checked against
//   - reliability: duplicate detection backend
//   - client: outgoing HTTP settings
//   - dump: directory for raw message dumps
//
// # Example Configuration
//
//	server:
//	  address: ":8443"
//	  path: /as4
//	  tls:
//	    certFile: /etc/phase4/tls.crt
//	    keyFile: /etc/phase4/tls.key
//
//	keystore:
//	  mode: pkcs11
//	  keyId: ap-signing
//	  pkcs11:
//	    modulePath: /usr/lib/softhsm/libsofthsm2.so
//	    pin: ${HSM_PIN}
//
//	reliability:
//	  backend: redis
//	  redis:
//	    address: redis:6379
//
// See [Load] for loading configuration from a file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/soap"
)

// Keystore modes
const (
	KeystoreFile   = "file"
	KeystorePKCS11 = "pkcs11"
)

// Trust modes
const (
	TrustPinned  = "pinned"
	TrustPKI     = "pki"
	TrustAuthZEN = "authzen"
)

// Duplicate detection backends
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the root configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Keystore    KeystoreConfig    `yaml:"keystore"`
	Trust       TrustConfig       `yaml:"trust"`
	PModes      []*pmode.PMode    `yaml:"pmodes"`
	PModeFiles  []string          `yaml:"pmodeFiles"`
	Profiles    ProfilesConfig    `yaml:"profiles"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Client      ClientConfig      `yaml:"client"`
	Dump        DumpConfig        `yaml:"dump"`
}

// ServerConfig holds the receiving endpoint settings
type ServerConfig struct {
	Address     string        `yaml:"address"`
	Path        string        `yaml:"path"`
	ReadTimeout time.Duration `yaml:"readTimeout"`
	// TempDir holds large incoming attachments; "" means os.TempDir
	TempDir string `yaml:"tempDir"`
	// InboxDir receives the payloads of accepted user messages
	InboxDir string `yaml:"inboxDir"`
	TLS     struct {
		CertFile     string `yaml:"certFile"`
		KeyFile      string `yaml:"keyFile"`
		ClientCAFile string `yaml:"clientCAFile"`
	} `yaml:"tls"`
}

// LoggingConfig selects level and format of the root logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// KeystoreConfig holds signing and decryption key settings
type KeystoreConfig struct {
	// Mode is "file" (PEM files, development) or "pkcs11" (HSM)
	Mode  string `yaml:"mode"`
	KeyID string `yaml:"keyId"`
	File  struct {
		// KeyDir holds {keyId}.key and {keyId}.crt
		KeyDir string `yaml:"keyDir"`
	} `yaml:"file"`
	PKCS11 PKCS11Config `yaml:"pkcs11"`
	// DecryptionKeyFile is a PKCS#8 PEM X25519 key; without it incoming
	// encrypted attachments cannot be read
	DecryptionKeyFile string `yaml:"decryptionKeyFile"`
}

// PKCS11Config holds PKCS#11 HSM settings
type PKCS11Config struct {
	ModulePath string `yaml:"modulePath"`
	SlotID     uint   `yaml:"slotId"`
	SlotLabel  string `yaml:"slotLabel"`
	PIN        string `yaml:"pin"`
	// KeyLabelPattern maps a key ID to the object label; {key-id} is replaced
	KeyLabelPattern string `yaml:"keyLabelPattern"`
}

// TrustConfig decides which signing certificates are accepted
type TrustConfig struct {
	// Mode is "pinned", "pki" or "authzen"
	Mode string `yaml:"mode"`
	// PeerCertificates are PEM files of the known partners. They are the
	// pinned set and also resolve signatures referencing a certificate.
	PeerCertificates []string `yaml:"peerCertificates"`
	RootsFile        string   `yaml:"rootsFile"`
	AuthZEN          struct {
		Endpoint string        `yaml:"endpoint"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"authzen"`
	OCSP struct {
		Enabled     bool          `yaml:"enabled"`
		Timeout     time.Duration `yaml:"timeout"`
		CRLFallback bool          `yaml:"crlFallback"`
		Strict      bool          `yaml:"strict"`
	} `yaml:"ocsp"`
}

// ProfilesConfig selects the profile incoming messages are validated against
type ProfilesConfig struct {
	Selected string `yaml:"selected"`
	Validate bool   `yaml:"validate"`
}

// ReliabilityConfig selects the duplicate detection backend
type ReliabilityConfig struct {
	Backend string `yaml:"backend"`
	// Sweep is the janitor interval of the memory backend
	Sweep time.Duration `yaml:"sweep"`
	Redis struct {
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		KeyPrefix string `yaml:"keyPrefix"`
	} `yaml:"redis"`
}

// ClientConfig holds outgoing HTTP settings
type ClientConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	SOAPVersion soap.Version  `yaml:"soapVersion"`
	// CAFile adds roots for the receiver's TLS certificate
	CAFile string `yaml:"caFile"`
}

// DumpConfig enables raw message dumps
type DumpConfig struct {
	Dir string `yaml:"dir"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, completes and validates a configuration document
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, for
// commands that run without a file
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8443"
	}
	if c.Server.Path == "" {
		c.Server.Path = "/as4"
	}
	if c.Server.InboxDir == "" {
		c.Server.InboxDir = "./inbox"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Keystore.Mode == "" {
		c.Keystore.Mode = KeystoreFile
	}
	if c.Keystore.KeyID == "" {
		c.Keystore.KeyID = "signing"
	}
	if c.Keystore.File.KeyDir == "" {
		c.Keystore.File.KeyDir = "./keys"
	}
	if c.Keystore.PKCS11.KeyLabelPattern == "" {
		c.Keystore.PKCS11.KeyLabelPattern = "phase4-{key-id}"
	}
	if c.Trust.Mode == "" {
		switch {
		case c.Trust.AuthZEN.Endpoint != "":
			c.Trust.Mode = TrustAuthZEN
		case c.Trust.RootsFile != "":
			c.Trust.Mode = TrustPKI
		default:
			c.Trust.Mode = TrustPinned
		}
	}
	if c.Trust.AuthZEN.Timeout == 0 {
		c.Trust.AuthZEN.Timeout = 10 * time.Second
	}
	if c.Trust.OCSP.Timeout == 0 {
		c.Trust.OCSP.Timeout = 10 * time.Second
	}
	if c.Reliability.Backend == "" {
		c.Reliability.Backend = BackendMemory
	}
	if c.Reliability.Sweep == 0 {
		c.Reliability.Sweep = time.Minute
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = 30 * time.Second
	}
	if c.Client.SOAPVersion == soap.Unknown {
		c.Client.SOAPVersion = soap.Default
	}
}

func (c *Config) validate() error {
	switch c.Keystore.Mode {
	case KeystoreFile, KeystorePKCS11:
	default:
		return fmt.Errorf("keystore.mode must be 'file' or 'pkcs11', got '%s'", c.Keystore.Mode)
	}
	if c.Keystore.Mode == KeystorePKCS11 && c.Keystore.PKCS11.ModulePath == "" {
		return fmt.Errorf("keystore.pkcs11.modulePath is required when mode is 'pkcs11'")
	}

	switch c.Trust.Mode {
	case TrustPinned:
	case TrustPKI:
		if c.Trust.RootsFile == "" {
			return fmt.Errorf("trust.rootsFile is required when mode is 'pki'")
		}
	case TrustAuthZEN:
		if c.Trust.AuthZEN.Endpoint == "" {
			return fmt.Errorf("trust.authzen.endpoint is required when mode is 'authzen'")
		}
	default:
		return fmt.Errorf("trust.mode must be 'pinned', 'pki' or 'authzen', got '%s'", c.Trust.Mode)
	}

	switch c.Reliability.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Reliability.Redis.Address == "" {
			return fmt.Errorf("reliability.redis.address is required when backend is 'redis'")
		}
	default:
		return fmt.Errorf("reliability.backend must be 'memory' or 'redis', got '%s'", c.Reliability.Backend)
	}

	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.certFile and server.tls.keyFile must be set together")
	}

	seen := make(map[string]bool, len(c.PModes))
	for i, p := range c.PModes {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("pmodes[%d]: %w", i, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("pmodes[%d]: duplicate P-Mode ID %q", i, p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// LoadPModes reads a YAML list of P-Modes
func LoadPModes(path string) ([]*pmode.PMode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading P-Mode file: %w", err)
	}
	var pmodes []*pmode.PMode
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &pmodes); err != nil {
		return nil, fmt.Errorf("parsing P-Mode file %s: %w", path, err)
	}
	for i, p := range pmodes {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", path, i, err)
		}
	}
	return pmodes, nil
}

// AllPModes returns the inline P-Modes followed by those of every
// pmodeFiles entry
func (c *Config) AllPModes() ([]*pmode.PMode, error) {
	all := append([]*pmode.PMode(nil), c.PModes...)
	for _, path := range c.PModeFiles {
		pmodes, err := LoadPModes(path)
		if err != nil {
			return nil, err
		}
		all = append(all, pmodes...)
	}
	return all, nil
}
