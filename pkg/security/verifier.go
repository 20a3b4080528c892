package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/beevik/etree"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/pmode"
	"github.com/pondersource/phase4/pkg/soap"
)

var (
	// ErrNoSignature is returned when a signature is required but absent
	ErrNoSignature = errors.New("message is not signed")
	// ErrSignatureInvalid wraps every signature verification failure
	ErrSignatureInvalid = errors.New("signature validation failed")
	// ErrUnknownSigner is returned when the signing certificate cannot be resolved
	ErrUnknownSigner = errors.New("signing certificate not found")
)

// VerificationResult describes a verified signature
type VerificationResult struct {
	Certificate        *x509.Certificate
	SignatureAlgorithm string
	// References are detached copies of the ds:Reference elements, used
	// for non-repudiation receipts
	References []*etree.Element
}

// XMLVerifier checks signatures created by XMLSigner or compatible
// WS-Security implementations.
type XMLVerifier struct {
	// Peers are used to resolve KeyIdentifier and IssuerSerial references
	Peers []*x509.Certificate
	// Validator decides whether the signing certificate is trusted. A nil
	// validator accepts any certificate.
	Validator CertificateValidator
}

// IsSigned reports whether the envelope carries a ds:Signature in its
// Security header
func IsSigned(doc *etree.Document, v soap.Version) bool {
	return findSignature(doc, v) != nil
}

func findSignature(doc *etree.Document, v soap.Version) *etree.Element {
	security := child(v.Header(doc), message.NsWSSE, "Security")
	return child(security, message.NsDS, "Signature")
}

// Verify checks every reference and the signature value. Attachments
// referenced via cid: must be present in attachments.
func (ver *XMLVerifier) Verify(ctx context.Context, doc *etree.Document, v soap.Version, attachments []*attachment.Attachment) (*VerificationResult, error) {
	sig := findSignature(doc, v)
	if sig == nil {
		return nil, ErrNoSignature
	}
	signedInfo := child(sig, message.NsDS, "SignedInfo")
	if signedInfo == nil {
		return nil, fmt.Errorf("%w: SignedInfo missing", ErrSignatureInvalid)
	}
	sigValueElem := child(sig, message.NsDS, "SignatureValue")
	if sigValueElem == nil {
		return nil, fmt.Errorf("%w: SignatureValue missing", ErrSignatureInvalid)
	}
	sigValue, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigValueElem.Text()))
	if err != nil {
		return nil, fmt.Errorf("%w: SignatureValue: %v", ErrSignatureInvalid, err)
	}

	cert, err := ver.resolveCertificate(doc, sig)
	if err != nil {
		return nil, err
	}
	if ver.Validator != nil {
		if err := ver.Validator.ValidateCertificate(ctx, cert, nil, PurposeSigning); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
		}
	}

	result := &VerificationResult{Certificate: cert}
	for _, ref := range children(signedInfo, message.NsDS, "Reference") {
		if err := verifyReference(doc, ref, attachments); err != nil {
			return nil, err
		}
		result.References = append(result.References, message.Standalone(ref))
	}
	if len(result.References) == 0 {
		return nil, fmt.Errorf("%w: no references", ErrSignatureInvalid)
	}

	method := child(signedInfo, message.NsDS, "SignatureMethod")
	if method == nil {
		return nil, fmt.Errorf("%w: SignatureMethod missing", ErrSignatureInvalid)
	}
	result.SignatureAlgorithm = method.SelectAttrValue("Algorithm", "")

	c14nMethod := child(signedInfo, message.NsDS, "CanonicalizationMethod")
	canonical, err := canonicalize(signedInfo, inclusivePrefixes(c14nMethod))
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalizing SignedInfo: %v", ErrSignatureInvalid, err)
	}
	if err := verifySignatureValue(cert, pmode.SignatureAlgorithm(result.SignatureAlgorithm), []byte(canonical), sigValue); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return result, nil
}

func inclusivePrefixes(parent *etree.Element) string {
	incl := child(parent, AlgorithmC14N, "InclusiveNamespaces")
	if incl == nil {
		return ""
	}
	return incl.SelectAttrValue("PrefixList", "")
}

func verifyReference(doc *etree.Document, ref *etree.Element, attachments []*attachment.Attachment) error {
	uri := ref.SelectAttrValue("URI", "")
	method := child(ref, message.NsDS, "DigestMethod")
	valueElem := child(ref, message.NsDS, "DigestValue")
	if method == nil || valueElem == nil {
		return fmt.Errorf("%w: incomplete reference %q", ErrSignatureInvalid, uri)
	}
	h, err := hashFor(pmode.HashAlgorithm(method.SelectAttrValue("Algorithm", "")))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	var computed string
	switch {
	case strings.HasPrefix(uri, "#"):
		id := uri[1:]
		target := findByWSUId(doc, id)
		if target == nil {
			target = findByID(doc, id)
		}
		if target == nil {
			return fmt.Errorf("%w: referenced element %q not found", ErrSignatureInvalid, uri)
		}
		transform := path(ref, [2]string{message.NsDS, "Transforms"}, [2]string{message.NsDS, "Transform"})
		canonical, err := canonicalize(target, inclusivePrefixes(transform))
		if err != nil {
			return fmt.Errorf("%w: canonicalizing %q: %v", ErrSignatureInvalid, uri, err)
		}
		computed = digest(h, []byte(canonical))

	case message.IsAttachmentHref(uri):
		var att *attachment.Attachment
		for _, a := range attachments {
			if message.MatchContentID(a.ID, uri) {
				att = a
				break
			}
		}
		if att == nil {
			return fmt.Errorf("%w: referenced attachment %q not found", ErrSignatureInvalid, uri)
		}
		data, err := att.Bytes()
		if err != nil {
			return fmt.Errorf("%w: reading attachment %q: %v", ErrSignatureInvalid, uri, err)
		}
		computed = digest(h, data)

	default:
		return fmt.Errorf("%w: unsupported reference URI %q", ErrSignatureInvalid, uri)
	}

	expected := strings.TrimSpace(valueElem.Text())
	if subtle.ConstantTimeCompare([]byte(expected), []byte(computed)) != 1 {
		return fmt.Errorf("%w: digest mismatch for %q", ErrSignatureInvalid, uri)
	}
	return nil
}

func (ver *XMLVerifier) resolveCertificate(doc *etree.Document, sig *etree.Element) (*x509.Certificate, error) {
	str := path(sig, [2]string{message.NsDS, "KeyInfo"}, [2]string{message.NsWSSE, "SecurityTokenReference"})
	if str == nil {
		return nil, fmt.Errorf("%w: no SecurityTokenReference", ErrUnknownSigner)
	}

	if ref := child(str, message.NsWSSE, "Reference"); ref != nil {
		uri := strings.TrimPrefix(ref.SelectAttrValue("URI", ""), "#")
		bst := findByWSUId(doc, uri)
		if bst == nil {
			return nil, fmt.Errorf("%w: token %q", ErrUnknownSigner, uri)
		}
		raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(bst.Text()), ""))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownSigner, err)
		}
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownSigner, err)
		}
		return cert, nil
	}

	if keyID := child(str, message.NsWSSE, "KeyIdentifier"); keyID != nil {
		want, err := base64.StdEncoding.DecodeString(strings.TrimSpace(keyID.Text()))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnknownSigner, err)
		}
		thumb := keyID.SelectAttrValue("ValueType", "") == ValueTypeThumbprint
		for _, peer := range ver.Peers {
			var got []byte
			if thumb {
				got = thumbprint(peer)
			} else if got, err = subjectKeyIdentifier(peer); err != nil {
				continue
			}
			if bytes.Equal(got, want) {
				return peer, nil
			}
		}
		return nil, fmt.Errorf("%w: no peer certificate matches the key identifier", ErrUnknownSigner)
	}

	if is := path(str, [2]string{message.NsDS, "X509Data"}, [2]string{message.NsDS, "X509IssuerSerial"}); is != nil {
		issuer := text(child(is, message.NsDS, "X509IssuerName"))
		serial := text(child(is, message.NsDS, "X509SerialNumber"))
		for _, peer := range ver.Peers {
			if peer.Issuer.String() == issuer && peer.SerialNumber.String() == serial {
				return peer, nil
			}
		}
		return nil, fmt.Errorf("%w: no peer certificate with issuer %q serial %s", ErrUnknownSigner, issuer, serial)
	}

	return nil, fmt.Errorf("%w: unsupported token reference", ErrUnknownSigner)
}

func verifySignatureValue(cert *x509.Certificate, alg pmode.SignatureAlgorithm, data, sig []byte) error {
	h, err := signatureHashFor(alg)
	if err != nil {
		return err
	}
	var hashed []byte
	if h != crypto.Hash(0) {
		hh := h.New()
		hh.Write(data)
		hashed = hh.Sum(nil)
	}

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, h, hashed, sig)
	case *ecdsa.PublicKey:
		if len(sig)%2 != 0 {
			return fmt.Errorf("malformed ECDSA signature")
		}
		half := len(sig) / 2
		r := new(big.Int).SetBytes(sig[:half])
		s := new(big.Int).SetBytes(sig[half:])
		if !ecdsa.Verify(pub, hashed, r, s) {
			return fmt.Errorf("ECDSA verification failed")
		}
		return nil
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, data, sig) {
			return fmt.Errorf("Ed25519 verification failed")
		}
		return nil
	default:
		return fmt.Errorf("unsupported public key type %T", pub)
	}
}
