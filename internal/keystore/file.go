package keystore

import (
	"context"
	"crypto"
	"crypto/ecdh"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileProvider implements Provider using PEM files on disk
//
// Key files are expected at {keyDir}/{keyID}.key, certificates at
// {keyDir}/{keyID}.crt.
type FileProvider struct {
	keyDir  string
	mu      sync.RWMutex
	signers map[string]*keySigner
}

// NewFileProvider creates a new file-based provider
func NewFileProvider(keyDir string) (*FileProvider, error) {
	info, err := os.Stat(keyDir)
	if err != nil {
		return nil, fmt.Errorf("checking key directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("key directory is not a directory: %s", keyDir)
	}
	return &FileProvider{
		keyDir:  keyDir,
		signers: make(map[string]*keySigner),
	}, nil
}

// Signer returns the signer of keyID
func (p *FileProvider) Signer(_ context.Context, keyID string) (Signer, error) {
	if err := checkKeyID(keyID); err != nil {
		return nil, err
	}

	p.mu.RLock()
	if s, ok := p.signers[keyID]; ok {
		p.mu.RUnlock()
		return s, nil
	}
	p.mu.RUnlock()

	s, err := p.loadSigner(keyID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.signers[keyID] = s
	p.mu.Unlock()
	return s, nil
}

// Certificate returns the certificate of keyID
func (p *FileProvider) Certificate(_ context.Context, keyID string) (*x509.Certificate, error) {
	if err := checkKeyID(keyID); err != nil {
		return nil, err
	}
	cert, err := LoadCertificate(filepath.Join(p.keyDir, keyID+".crt"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	return cert, err
}

// ListKeys returns all keys that have a certificate, sorted by ID
func (p *FileProvider) ListKeys(_ context.Context) ([]KeyInfo, error) {
	entries, err := os.ReadDir(p.keyDir)
	if err != nil {
		return nil, fmt.Errorf("reading key directory: %w", err)
	}

	var keys []KeyInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".key" {
			continue
		}
		keyID := strings.TrimSuffix(name, ".key")
		cert, err := LoadCertificate(filepath.Join(p.keyDir, keyID+".crt"))
		if err != nil {
			continue
		}
		keys = append(keys, keyInfo(keyID, keyID, cert))
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].KeyID < keys[j].KeyID })
	return keys, nil
}

// Close drops the cached keys
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signers = make(map[string]*keySigner)
	return nil
}

func (p *FileProvider) loadSigner(keyID string) (*keySigner, error) {
	keyPEM, err := os.ReadFile(filepath.Join(p.keyDir, keyID+".key"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	cert, err := LoadCertificate(filepath.Join(p.keyDir, keyID+".crt"))
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}
	return &keySigner{Signer: key, cert: cert}, nil
}

func checkKeyID(keyID string) error {
	if keyID == "" {
		return ErrNoKeyID
	}
	if strings.ContainsAny(keyID, `/\`) || keyID == "." || keyID == ".." {
		return fmt.Errorf("invalid key ID %q", keyID)
	}
	return nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("key is not a signer")
		}
		return signer, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

// LoadCertificate reads the first certificate of a PEM file
func LoadCertificate(path string) (*x509.Certificate, error) {
	certs, err := LoadCertificates(path)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

// LoadCertificates reads every certificate of a PEM file
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading certificate file: %w", err)
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate in %s: %w", path, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found in %s", path)
	}
	return certs, nil
}

// LoadDecryptionKey reads a PKCS#8 PEM X25519 private key
func LoadDecryptionKey(path string) (*ecdh.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading decryption key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("no PKCS#8 PEM block in %s", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing decryption key: %w", err)
	}
	priv, ok := key.(*ecdh.PrivateKey)
	if !ok || priv.Curve() != ecdh.X25519() {
		return nil, fmt.Errorf("decryption key in %s is not an X25519 key", path)
	}
	return priv, nil
}

// LoadEncryptionKey reads the X25519 public key of a partner from a PEM
// "PUBLIC KEY" block
func LoadEncryptionKey(path string) (*ecdh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading encryption key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("no PKIX PEM block in %s", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing encryption key: %w", err)
	}
	pub, ok := key.(*ecdh.PublicKey)
	if !ok || pub.Curve() != ecdh.X25519() {
		return nil, fmt.Errorf("encryption key in %s is not an X25519 key", path)
	}
	return pub, nil
}
