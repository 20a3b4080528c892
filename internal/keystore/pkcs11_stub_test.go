//go:build !pkcs11

package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pondersource/phase4/internal/config"
)

func TestNewProvider_PKCS11NotCompiledIn(t *testing.T) {
	cfg := config.Default().Keystore
	cfg.Mode = config.KeystorePKCS11
	cfg.PKCS11.ModulePath = "/usr/lib/softhsm/libsofthsm2.so"

	_, err := NewProvider(&cfg)
	assert.ErrorIs(t, err, ErrPKCS11NotSupported)
}
