package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/soap"
)

var (
	// ErrSigningDisabled is returned when Sign is called without algorithms
	ErrSigningDisabled = errors.New("signing is not enabled")
	// ErrNoSigningKey is returned when no private key is configured
	ErrNoSigningKey = errors.New("no signing key configured")
	// ErrSigningFailed wraps any failure while producing a signature
	ErrSigningFailed = errors.New("signing failed")
)

// XMLSigner creates WS-Security XML signatures over the ebMS Messaging
// header, the SOAP Body and every attachment.
type XMLSigner struct {
	key  crypto.Signer
	cert *x509.Certificate
}

// NewXMLSigner creates a signer. key may be an RSA, ECDSA or Ed25519 key,
// or any crypto.Signer backed by a hardware token.
func NewXMLSigner(key crypto.Signer, cert *x509.Certificate) (*XMLSigner, error) {
	if key == nil {
		return nil, ErrNoSigningKey
	}
	if cert == nil {
		return nil, fmt.Errorf("certificate is required")
	}
	return &XMLSigner{key: key, cert: cert}, nil
}

// Sign returns a signed copy of doc. messagingID is the wsu:Id of the
// eb:Messaging element; when empty the element is looked up and given an ID.
func (s *XMLSigner) Sign(doc *etree.Document, v soap.Version, messagingID string, attachments []*attachment.Attachment, params SigningParams) (*etree.Document, error) {
	if !params.IsSigningEnabled() {
		return nil, ErrSigningDisabled
	}
	if params.Canonicalization != "" && params.Canonicalization != pmode.C14NExclusive {
		return nil, fmt.Errorf("%w: unsupported canonicalization %q", ErrSigningFailed, params.Canonicalization)
	}
	sigHash, err := signatureHashFor(params.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	digestHash, err := hashFor(params.DigestAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	signed := doc.Copy()
	root := signed.Root()
	header := v.Header(signed)
	if header == nil {
		return nil, fmt.Errorf("%w: SOAP Header not found", ErrSigningFailed)
	}
	body := v.Body(signed)
	if body == nil {
		return nil, fmt.Errorf("%w: SOAP Body not found", ErrSigningFailed)
	}

	var messaging *etree.Element
	if messagingID != "" {
		messaging = findByWSUId(signed, messagingID)
	} else if messaging = message.FindMessaging(signed, v); messaging != nil {
		messagingID = ensureWSUId(messaging)
	}
	if messaging == nil {
		return nil, fmt.Errorf("%w: eb:Messaging not found", ErrSigningFailed)
	}
	bodyID := ensureWSUId(body)

	envPrefix := root.Space
	security := securityHeader(header, envPrefix, v)

	bstID := "X509-" + generateID()
	if params.TokenReference == "" || params.TokenReference == pmode.TokenRefBinarySecurityToken {
		bst := security.CreateElement(prefixWSSE + ":BinarySecurityToken")
		bst.CreateAttr(prefixWSU+":Id", bstID)
		bst.CreateAttr("EncodingType", EncodingBase64Binary)
		bst.CreateAttr("ValueType", ValueTypeX509v3)
		bst.SetText(base64.StdEncoding.EncodeToString(s.cert.Raw))
	}

	sig := security.CreateElement(prefixDS + ":Signature")
	sig.CreateAttr("xmlns:"+prefixDS, message.NsDS)
	sig.CreateAttr("Id", "SIG-"+generateID())

	signedInfo := sig.CreateElement(prefixDS + ":SignedInfo")
	// Exclusive C14N needs the declaration on the element itself
	signedInfo.CreateAttr("xmlns:"+prefixDS, message.NsDS)

	c14nMethod := signedInfo.CreateElement(prefixDS + ":CanonicalizationMethod")
	c14nMethod.CreateAttr("Algorithm", AlgorithmC14N)
	addInclusiveNamespaces(c14nMethod, envPrefix)

	sigMethod := signedInfo.CreateElement(prefixDS + ":SignatureMethod")
	sigMethod.CreateAttr("Algorithm", string(params.Algorithm))

	if err := addElementReference(signedInfo, messaging, messagingID, envPrefix, params.DigestAlgorithm, digestHash); err != nil {
		return nil, err
	}
	if err := addElementReference(signedInfo, body, bodyID, "", params.DigestAlgorithm, digestHash); err != nil {
		return nil, err
	}
	for _, att := range attachments {
		if err := addAttachmentReference(signedInfo, att, params.DigestAlgorithm, digestHash); err != nil {
			return nil, err
		}
	}

	canonical, err := canonicalize(signedInfo, envPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalizing SignedInfo: %v", ErrSigningFailed, err)
	}
	value, err := s.signBytes([]byte(canonical), sigHash, params.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	sig.CreateElement(prefixDS + ":SignatureValue").SetText(base64.StdEncoding.EncodeToString(value))

	keyInfo := sig.CreateElement(prefixDS + ":KeyInfo")
	if err := buildSecurityTokenReference(keyInfo, s.cert, params.TokenReference, bstID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	return signed, nil
}

func (s *XMLSigner) signBytes(data []byte, h crypto.Hash, alg pmode.SignatureAlgorithm) ([]byte, error) {
	if h == 0 {
		return s.key.Sign(rand.Reader, data, crypto.Hash(0))
	}
	hh := h.New()
	hh.Write(data)
	digest := hh.Sum(nil)

	switch pub := s.key.Public().(type) {
	case *rsa.PublicKey:
		return s.key.Sign(rand.Reader, digest, h)
	case *ecdsa.PublicKey:
		if alg != pmode.AlgoECDSASHA256 {
			return nil, fmt.Errorf("algorithm %q does not match an ECDSA key", alg)
		}
		der, err := s.key.Sign(rand.Reader, digest, h)
		if err != nil {
			return nil, err
		}
		return ecdsaRaw(der, (pub.Curve.Params().BitSize+7)/8)
	default:
		return nil, fmt.Errorf("unsupported key type %T for %q", pub, alg)
	}
}

// ecdsaRaw converts an ASN.1 ECDSA signature to the r||s form of XML-DSig
func ecdsaRaw(der []byte, size int) ([]byte, error) {
	r, s := new(big.Int), new(big.Int)
	var inner cryptobyte.String
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, fmt.Errorf("malformed ECDSA signature")
	}
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out, nil
}

// securityHeader finds or creates the wsse:Security header and marks it
// mustUnderstand for the SOAP version in use.
func securityHeader(header *etree.Element, envPrefix string, v soap.Version) *etree.Element {
	security := child(header, message.NsWSSE, "Security")
	if security == nil {
		security = header.CreateElement(prefixWSSE + ":Security")
		security.CreateAttr("xmlns:"+prefixWSSE, message.NsWSSE)
		security.CreateAttr("xmlns:"+prefixWSU, message.NsWSU)
	}
	if envPrefix != "" {
		security.CreateAttr(envPrefix+":mustUnderstand", v.MustUnderstandValue(true))
	}
	return security
}

func addInclusiveNamespaces(parent *etree.Element, prefixList string) {
	if prefixList == "" {
		return
	}
	incl := parent.CreateElement(prefixEC + ":InclusiveNamespaces")
	incl.CreateAttr("xmlns:"+prefixEC, AlgorithmC14N)
	incl.CreateAttr("PrefixList", prefixList)
}

// canonicalize applies exclusive C14N to elem with an optional
// InclusiveNamespaces prefix list
func canonicalize(elem *etree.Element, prefixList string) (string, error) {
	transform := ""
	if prefixList != "" {
		transform = `<ec:InclusiveNamespaces xmlns:ec="` + AlgorithmC14N + `" PrefixList="` + prefixList + `"/>`
	}
	c14n := signedxml.ExclusiveCanonicalization{WithComments: false}
	return c14n.ProcessElement(elem, transform)
}

func digest(h crypto.Hash, data []byte) string {
	hh := h.New()
	hh.Write(data)
	return base64.StdEncoding.EncodeToString(hh.Sum(nil))
}

func addElementReference(signedInfo, elem *etree.Element, id, prefixList string, alg pmode.HashAlgorithm, h crypto.Hash) error {
	canonical, err := canonicalize(elem, prefixList)
	if err != nil {
		return fmt.Errorf("%w: canonicalizing #%s: %v", ErrSigningFailed, id, err)
	}

	ref := signedInfo.CreateElement(prefixDS + ":Reference")
	ref.CreateAttr("URI", "#"+id)
	transform := ref.CreateElement(prefixDS + ":Transforms").CreateElement(prefixDS + ":Transform")
	transform.CreateAttr("Algorithm", AlgorithmC14N)
	addInclusiveNamespaces(transform, prefixList)
	ref.CreateElement(prefixDS+":DigestMethod").CreateAttr("Algorithm", string(alg))
	ref.CreateElement(prefixDS + ":DigestValue").SetText(digest(h, []byte(canonical)))
	return nil
}

func addAttachmentReference(signedInfo *etree.Element, att *attachment.Attachment, alg pmode.HashAlgorithm, h crypto.Hash) error {
	data, err := att.Bytes()
	if err != nil {
		return fmt.Errorf("%w: reading attachment %q: %v", ErrSigningFailed, att.ID, err)
	}

	ref := signedInfo.CreateElement(prefixDS + ":Reference")
	ref.CreateAttr("URI", att.Href())
	transform := ref.CreateElement(prefixDS + ":Transforms").CreateElement(prefixDS + ":Transform")
	transform.CreateAttr("Algorithm", AlgorithmAttachmentContentSignature)
	ref.CreateElement(prefixDS+":DigestMethod").CreateAttr("Algorithm", string(alg))
	ref.CreateElement(prefixDS + ":DigestValue").SetText(digest(h, data))
	return nil
}

// subjectKeyIdentifier returns the SKI extension or a hash of the public key
func subjectKeyIdentifier(cert *x509.Certificate) ([]byte, error) {
	if len(cert.SubjectKeyId) > 0 {
		return cert.SubjectKeyId, nil
	}
	pub, err := x509.MarshalPKIXPublicKey(cert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha1.Sum(pub)
	return sum[:], nil
}

func thumbprint(cert *x509.Certificate) []byte {
	sum := sha1.Sum(cert.Raw)
	return sum[:]
}

func buildSecurityTokenReference(parent *etree.Element, cert *x509.Certificate, method pmode.TokenReferenceMethod, bstID string) error {
	str := parent.CreateElement(prefixWSSE + ":SecurityTokenReference")

	switch method {
	case pmode.TokenRefBinarySecurityToken, "":
		reference := str.CreateElement(prefixWSSE + ":Reference")
		reference.CreateAttr("URI", "#"+bstID)
		reference.CreateAttr("ValueType", ValueTypeX509v3)

	case pmode.TokenRefKeyIdentifier:
		ski, err := subjectKeyIdentifier(cert)
		if err != nil {
			return err
		}
		keyID := str.CreateElement(prefixWSSE + ":KeyIdentifier")
		keyID.CreateAttr("ValueType", ValueTypeSKI)
		keyID.CreateAttr("EncodingType", EncodingBase64Binary)
		keyID.SetText(base64.StdEncoding.EncodeToString(ski))

	case pmode.TokenRefIssuerSerial:
		x509Data := str.CreateElement(prefixDS + ":X509Data")
		issuerSerial := x509Data.CreateElement(prefixDS + ":X509IssuerSerial")
		issuerSerial.CreateElement(prefixDS + ":X509IssuerName").SetText(cert.Issuer.String())
		issuerSerial.CreateElement(prefixDS + ":X509SerialNumber").SetText(cert.SerialNumber.String())

	case pmode.TokenRefThumbprint:
		keyID := str.CreateElement(prefixWSSE + ":KeyIdentifier")
		keyID.CreateAttr("ValueType", ValueTypeThumbprint)
		keyID.CreateAttr("EncodingType", EncodingBase64Binary)
		keyID.SetText(base64.StdEncoding.EncodeToString(thumbprint(cert)))

	default:
		return fmt.Errorf("unsupported token reference method: %s", method)
	}
	return nil
}
