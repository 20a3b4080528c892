package security

import (
	"crypto/ecdh"
	"fmt"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml/xmlenc"
)

// DefaultHKDFInfo is the HKDF context info of the eDelivery AS4 2.0 profile
var DefaultHKDFInfo = []byte("EU eDelivery AS4 2.0")

// X25519Encryptor encrypts XML elements as self contained EncryptedData
// (X25519 key agreement, HKDF, AES key wrap, AES-GCM content encryption).
type X25519Encryptor struct {
	recipientPublicKey *ecdh.PublicKey
	hkdfInfo           []byte
	algorithm          string
}

// NewX25519Encryptor creates an encryptor for the recipient key. A nil
// hkdfInfo means DefaultHKDFInfo and an empty algorithm AES-128-GCM.
func NewX25519Encryptor(recipientPublicKey *ecdh.PublicKey, hkdfInfo []byte, algorithm string) *X25519Encryptor {
	if hkdfInfo == nil {
		hkdfInfo = DefaultHKDFInfo
	}
	if algorithm == "" {
		algorithm = xmlenc.AlgorithmAES128GCM
	}
	return &X25519Encryptor{
		recipientPublicKey: recipientPublicKey,
		hkdfInfo:           hkdfInfo,
		algorithm:          algorithm,
	}
}

// EncryptElement encrypts element, the key travels inside the result
func (e *X25519Encryptor) EncryptElement(element *etree.Element) (*xmlenc.EncryptedData, error) {
	ka, err := xmlenc.NewX25519KeyAgreement(e.recipientPublicKey, xmlenc.DefaultHKDFParams(e.hkdfInfo))
	if err != nil {
		return nil, fmt.Errorf("failed to create key agreement: %w", err)
	}
	return xmlenc.NewEncryptor(e.algorithm, ka).EncryptElement(element)
}

// X25519Decryptor reverses X25519Encryptor
type X25519Decryptor struct {
	privateKey *ecdh.PrivateKey
	hkdfInfo   []byte
}

// NewX25519Decryptor creates a decryptor using the recipient's private key
func NewX25519Decryptor(privateKey *ecdh.PrivateKey, hkdfInfo []byte) *X25519Decryptor {
	if hkdfInfo == nil {
		hkdfInfo = DefaultHKDFInfo
	}
	return &X25519Decryptor{
		privateKey: privateKey,
		hkdfInfo:   hkdfInfo,
	}
}

// DecryptElement decrypts EncryptedData carrying its own EncryptedKey and
// returns the original element
func (d *X25519Decryptor) DecryptElement(encData *xmlenc.EncryptedData) (*etree.Element, error) {
	if encData.KeyInfo == nil {
		return nil, fmt.Errorf("KeyInfo is missing from EncryptedData")
	}
	if encData.KeyInfo.EncryptedKey == nil {
		return nil, fmt.Errorf("EncryptedKey is missing from KeyInfo")
	}
	ek := encData.KeyInfo.EncryptedKey
	if ek.KeyInfo == nil || ek.KeyInfo.AgreementMethod == nil {
		return nil, fmt.Errorf("AgreementMethod is missing")
	}
	ephemeral, err := originatorKey(ek.KeyInfo.AgreementMethod)
	if err != nil {
		return nil, err
	}

	ka := xmlenc.NewX25519KeyAgreementForDecrypt(d.privateKey, ephemeral, xmlenc.DefaultHKDFParams(d.hkdfInfo))
	return xmlenc.NewDecryptor(ka).DecryptElement(encData)
}

// originatorKey extracts the ephemeral X25519 key of an agreement
func originatorKey(am *xmlenc.AgreementMethod) (*ecdh.PublicKey, error) {
	if am.OriginatorKeyInfo == nil || am.OriginatorKeyInfo.KeyValue == nil ||
		am.OriginatorKeyInfo.KeyValue.ECKeyValue == nil {
		return nil, fmt.Errorf("ephemeral public key is missing from AgreementMethod")
	}
	pub, err := xmlenc.ParseX25519PublicKey(am.OriginatorKeyInfo.KeyValue.ECKeyValue.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ephemeral public key: %w", err)
	}
	return pub, nil
}

// GenerateX25519KeyPair generates a new X25519 key pair for encryption
func GenerateX25519KeyPair() (*ecdh.PrivateKey, error) {
	return xmlenc.GenerateX25519KeyPair()
}
