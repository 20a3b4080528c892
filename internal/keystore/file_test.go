package keystore

import (
	"context"
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pondersource/phase4/internal/config"
	"github.com/pondersource/phase4/pkg/pmode"
)

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600))
}

// writeKeyPair stores key and a self-signed certificate as {id}.key / {id}.crt
func writeKeyPair(t *testing.T, dir, id string, key crypto.Signer, keyType string, keyDER []byte) {
	t.Helper()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: id},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	require.NoError(t, err)
	writePEM(t, filepath.Join(dir, id+".key"), keyType, keyDER)
	writePEM(t, filepath.Join(dir, id+".crt"), "CERTIFICATE", der)
}

func newKeyDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	writeKeyPair(t, dir, "rsa", rsaKey, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rsaKey))

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(ecKey)
	require.NoError(t, err)
	writeKeyPair(t, dir, "ec", ecKey, "PRIVATE KEY", der)

	// a key without a certificate is not listed
	writePEM(t, filepath.Join(dir, "orphan.key"), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rsaKey))
	return dir
}

func TestFileProvider_Signer(t *testing.T) {
	p, err := NewFileProvider(newKeyDir(t))
	require.NoError(t, err)
	defer p.Close()

	s, err := p.Signer(context.Background(), "rsa")
	require.NoError(t, err)
	assert.Equal(t, pmode.AlgoRSASHA256, s.Algorithm())
	assert.Equal(t, "rsa", s.Certificate().Subject.CommonName)

	digest := sha256.Sum256([]byte("payload"))
	sig, err := s.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	require.NoError(t, rsa.VerifyPKCS1v15(s.Public().(*rsa.PublicKey), crypto.SHA256, digest[:], sig))

	cached, err := p.Signer(context.Background(), "rsa")
	require.NoError(t, err)
	assert.Same(t, s, cached)

	ec, err := p.Signer(context.Background(), "ec")
	require.NoError(t, err)
	assert.Equal(t, pmode.AlgoECDSASHA256, ec.Algorithm())
}

func TestFileProvider_Errors(t *testing.T) {
	p, err := NewFileProvider(newKeyDir(t))
	require.NoError(t, err)

	_, err = p.Signer(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = p.Certificate(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = p.Signer(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoKeyID)
	_, err = p.Signer(context.Background(), "../rsa")
	assert.Error(t, err)
	_, err = p.Signer(context.Background(), "orphan")
	assert.Error(t, err, "a key needs its certificate")

	_, err = NewFileProvider(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}

func TestFileProvider_ListKeys(t *testing.T) {
	p, err := NewFileProvider(newKeyDir(t))
	require.NoError(t, err)

	keys, err := p.ListKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "ec", keys[0].KeyID)
	assert.Equal(t, "EC", keys[0].Algorithm)
	assert.Equal(t, 256, keys[0].KeySize)
	assert.Equal(t, "rsa", keys[1].KeyID)
	assert.Equal(t, 2048, keys[1].KeySize)
	assert.Equal(t, "CN=rsa", keys[1].CertificateSubject)
}

func TestLoadCertificates(t *testing.T) {
	dir := newKeyDir(t)
	a, err := os.ReadFile(filepath.Join(dir, "rsa.crt"))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dir, "ec.crt"))
	require.NoError(t, err)
	bundle := filepath.Join(dir, "bundle.pem")
	require.NoError(t, os.WriteFile(bundle, append(a, b...), 0o600))

	certs, err := LoadCertificates(bundle)
	require.NoError(t, err)
	assert.Len(t, certs, 2)

	_, err = LoadCertificate(filepath.Join(dir, "rsa.key"))
	assert.Error(t, err)
}

func TestLoadDecryptionKey(t *testing.T) {
	dir := t.TempDir()
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	path := filepath.Join(dir, "x25519.pem")
	writePEM(t, path, "PRIVATE KEY", der)

	loaded, err := LoadDecryptionKey(path)
	require.NoError(t, err)
	assert.True(t, key.Equal(loaded))

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err = x509.MarshalPKCS8PrivateKey(ecKey)
	require.NoError(t, err)
	writePEM(t, path, "PRIVATE KEY", der)
	_, err = LoadDecryptionKey(path)
	assert.Error(t, err)
}

func TestNewProvider_File(t *testing.T) {
	cfg := config.Default().Keystore
	cfg.File.KeyDir = newKeyDir(t)
	p, err := NewProvider(&cfg)
	require.NoError(t, err)
	assert.IsType(t, &FileProvider{}, p)

	cfg.Mode = "prf"
	_, err = NewProvider(&cfg)
	assert.Error(t, err)
}

func TestLoadEncryptionKey(t *testing.T) {
	dir := t.TempDir()
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(key.PublicKey())
	require.NoError(t, err)
	path := filepath.Join(dir, "partner.pub")
	writePEM(t, path, "PUBLIC KEY", der)

	pub, err := LoadEncryptionKey(path)
	require.NoError(t, err)
	assert.True(t, key.PublicKey().Equal(pub))

	writePEM(t, path, "CERTIFICATE", der)
	_, err = LoadEncryptionKey(path)
	assert.Error(t, err)
}
