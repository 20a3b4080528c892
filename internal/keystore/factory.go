package keystore

import (
	"fmt"

	"github.com/pondersource/phase4/internal/config"
)

const keyIDPlaceholder = "{key-id}"

// DefaultKeyLabelPattern names PKCS#11 objects when no pattern is configured
const DefaultKeyLabelPattern = "phase4-" + keyIDPlaceholder

// PKCS11Config holds configuration for the PKCS#11 provider
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 library (.so/.dylib/.dll)
	ModulePath string

	// SlotID is the slot number to use (optional if SlotLabel is provided)
	SlotID *uint

	// SlotLabel is the token label to search for (optional if SlotID is provided)
	SlotLabel string

	PIN string

	// KeyLabelPattern maps a key ID to the label of the key pair and its
	// certificate, e.g. "phase4-{key-id}"
	KeyLabelPattern string
}

// NewProvider creates a Provider based on the configuration
func NewProvider(cfg *config.KeystoreConfig) (Provider, error) {
	switch cfg.Mode {
	case config.KeystorePKCS11:
		return newPKCS11Provider(cfg)
	case config.KeystoreFile, "":
		return NewFileProvider(cfg.File.KeyDir)
	default:
		return nil, fmt.Errorf("unknown keystore mode: %s", cfg.Mode)
	}
}

func newPKCS11Provider(cfg *config.KeystoreConfig) (Provider, error) {
	p11cfg := &PKCS11Config{
		ModulePath:      cfg.PKCS11.ModulePath,
		SlotLabel:       cfg.PKCS11.SlotLabel,
		PIN:             cfg.PKCS11.PIN,
		KeyLabelPattern: cfg.PKCS11.KeyLabelPattern,
	}
	if cfg.PKCS11.SlotID > 0 {
		slotID := cfg.PKCS11.SlotID
		p11cfg.SlotID = &slotID
	}
	p, err := NewPKCS11Provider(p11cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}
