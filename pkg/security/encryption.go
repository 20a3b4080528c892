package security

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml/xmlenc"

	"github.com/pondersource/phase4/pkg/attachment"
	"github.com/pondersource/phase4/pkg/message"
	"github.com/pondersource/phase4/pkg/soap"
)

var (
	ErrEncryptionDisabled = errors.New("encryption is not enabled")
	ErrNoDecryptionKey    = errors.New("no decryption key configured")
	ErrDecryptionFailed   = errors.New("decryption failed")
)

// Namespaces of the key agreement elements
const (
	nsXENC11   = "http://www.w3.org/2009/xmlenc11#"
	nsDSigMore = "http://www.w3.org/2021/04/xmldsig-more#"
	nsDSig11   = "http://www.w3.org/2009/xmldsig11#"
)

// IsEncrypted reports whether the Security header of doc holds an
// EncryptedKey or the body holds EncryptedData
func IsEncrypted(doc *etree.Document, v soap.Version) bool {
	security := child(v.Header(doc), message.NsWSSE, "Security")
	if child(security, message.NsXENC, "EncryptedKey") != nil {
		return true
	}
	return child(v.Body(doc), message.NsXENC, "EncryptedData") != nil
}

// EncryptAttachments encrypts every attachment with one content encryption
// key wrapped for params.RecipientKey. The returned document carries the
// EncryptedKey and one EncryptedData per attachment in its Security header.
// The returned attachments hold the ciphertext; the input is not modified.
func EncryptAttachments(doc *etree.Document, v soap.Version, attachments []*attachment.Attachment, params CryptParams) (*etree.Document, []*attachment.Attachment, error) {
	if !params.IsEncryptionEnabled() {
		return nil, nil, ErrEncryptionDisabled
	}
	alg := string(params.Algorithm)
	keySize := xmlenc.KeySize(alg)
	if keySize == 0 {
		return nil, nil, fmt.Errorf("unsupported content encryption algorithm: %s", alg)
	}
	info := params.HKDFInfo
	if info == nil {
		info = DefaultHKDFInfo
	}

	out := doc.Copy()
	header := v.Header(out)
	body := v.Body(out)
	if header == nil || body == nil {
		return nil, nil, fmt.Errorf("envelope has no Header or Body")
	}

	if params.EncryptBody {
		if err := encryptBody(body, params.RecipientKey, info, alg); err != nil {
			return nil, nil, err
		}
	}
	if len(attachments) == 0 {
		return out, attachments, nil
	}

	cek := make([]byte, keySize)
	if _, err := rand.Read(cek); err != nil {
		return nil, nil, fmt.Errorf("failed to generate CEK: %w", err)
	}
	ka, err := xmlenc.NewX25519KeyAgreement(params.RecipientKey, xmlenc.DefaultHKDFParams(info))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create key agreement: %w", err)
	}
	ek, err := ka.WrapKey(cek, xmlenc.KeyWrapAlgorithmForContentAlgorithm(alg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to wrap CEK: %w", err)
	}

	encrypted := make([]*attachment.Attachment, len(attachments))
	dataElems := make([]*etree.Element, len(attachments))
	for i, att := range attachments {
		data, err := att.Bytes()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read attachment %s: %w", att.ID, err)
		}
		ciphertext, err := xmlenc.AESGCMEncrypt(cek, data, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encrypt attachment %s: %w", att.ID, err)
		}

		id := "ED-" + generateID()
		ek.ReferenceList = append(ek.ReferenceList, xmlenc.DataReference{URI: "#" + id})
		dataElems[i] = encryptedDataElement(id, att, alg)

		enc := att.WithSource(attachment.BytesSource(ciphertext))
		enc.MimeType = attachment.DefaultMimeType
		enc.Charset = ""
		encrypted[i] = enc
	}

	security := securityHeader(header, out.Root().Space, v)
	security.AddChild(encryptedKeyToElement(ek, "EK-"+generateID()))
	for _, e := range dataElems {
		security.AddChild(e)
	}
	return out, encrypted, nil
}

// encryptBody replaces the first body child by a self contained
// EncryptedData
func encryptBody(body *etree.Element, key *ecdh.PublicKey, info []byte, alg string) error {
	payload := body.ChildElements()
	if len(payload) == 0 {
		return nil
	}
	encData, err := NewX25519Encryptor(key, info, alg).EncryptElement(message.Standalone(payload[0]))
	if err != nil {
		return fmt.Errorf("failed to encrypt body: %w", err)
	}
	body.RemoveChild(payload[0])
	body.AddChild(encData.ToElement())
	return nil
}

// encryptedDataElement describes one encrypted MIME part. The MimeType
// attribute keeps the original type so the receiver can restore it.
func encryptedDataElement(id string, att *attachment.Attachment, alg string) *etree.Element {
	ed := etree.NewElement(prefixXENC + ":EncryptedData")
	ed.CreateAttr("xmlns:"+prefixXENC, message.NsXENC)
	ed.CreateAttr("Id", id)
	ed.CreateAttr("MimeType", att.MimeType)
	ed.CreateAttr("Type", TypeAttachmentContentOnly)

	ed.CreateElement(prefixXENC+":EncryptionMethod").CreateAttr("Algorithm", alg)

	ref := ed.CreateElement(prefixXENC+":CipherData").CreateElement(prefixXENC + ":CipherReference")
	ref.CreateAttr("URI", att.Href())
	transform := ref.CreateElement(prefixXENC+":Transforms").CreateElement(prefixDS + ":Transform")
	transform.CreateAttr("xmlns:"+prefixDS, message.NsDS)
	transform.CreateAttr("Algorithm", AlgorithmAttachmentCiphertext)
	return ed
}

// Decrypt reverses EncryptAttachments and decrypts an encrypted body
// payload. Attachments not referenced by the EncryptedKey are returned as
// is. bodyDecrypted reports whether the returned document differs from doc.
func Decrypt(doc *etree.Document, v soap.Version, attachments []*attachment.Attachment, key *ecdh.PrivateKey, hkdfInfo []byte) (out *etree.Document, decrypted []*attachment.Attachment, bodyDecrypted bool, err error) {
	if key == nil {
		return nil, nil, false, ErrNoDecryptionKey
	}
	if hkdfInfo == nil {
		hkdfInfo = DefaultHKDFInfo
	}

	out = doc.Copy()
	decrypted = attachments

	if body := v.Body(out); body != nil {
		for _, ed := range children(body, message.NsXENC, "EncryptedData") {
			encData, err := xmlenc.ParseEncryptedData(ed)
			if err != nil {
				return nil, nil, false, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
			}
			plain, err := NewX25519Decryptor(key, hkdfInfo).DecryptElement(encData)
			if err != nil {
				return nil, nil, false, fmt.Errorf("%w: body: %v", ErrDecryptionFailed, err)
			}
			body.InsertChildAt(ed.Index(), plain)
			body.RemoveChild(ed)
			bodyDecrypted = true
		}
	}

	security := child(v.Header(out), message.NsWSSE, "Security")
	ekElem := child(security, message.NsXENC, "EncryptedKey")
	if ekElem == nil {
		return out, decrypted, bodyDecrypted, nil
	}

	ek, err := parseEncryptedKeyElement(ekElem)
	if err != nil {
		return nil, nil, false, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	cek, err := unwrapKey(ek, key, hkdfInfo)
	if err != nil {
		return nil, nil, false, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	decrypted = make([]*attachment.Attachment, len(attachments))
	copy(decrypted, attachments)
	for _, ref := range children(child(ekElem, message.NsXENC, "ReferenceList"), message.NsXENC, "DataReference") {
		id := strings.TrimPrefix(ref.SelectAttrValue("URI", ""), "#")
		ed := findByID(out, id)
		if ed == nil {
			return nil, nil, false, fmt.Errorf("%w: EncryptedData %q not found", ErrDecryptionFailed, id)
		}
		cipherRef := path(ed, [2]string{message.NsXENC, "CipherData"}, [2]string{message.NsXENC, "CipherReference"})
		if cipherRef == nil {
			return nil, nil, false, fmt.Errorf("%w: EncryptedData %q has no CipherReference", ErrDecryptionFailed, id)
		}
		href := cipherRef.SelectAttrValue("URI", "")

		idx := -1
		for i, att := range attachments {
			if message.MatchContentID(att.ID, href) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, nil, false, fmt.Errorf("%w: attachment %q not found", ErrDecryptionFailed, href)
		}

		ciphertext, err := attachments[idx].Bytes()
		if err != nil {
			return nil, nil, false, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		plaintext, err := xmlenc.AESGCMDecrypt(cek, ciphertext, nil)
		if err != nil {
			return nil, nil, false, fmt.Errorf("%w: attachment %s: %v", ErrDecryptionFailed, attachments[idx].ID, err)
		}

		plain := attachments[idx].WithSource(attachment.BytesSource(plaintext))
		if mt := ed.SelectAttrValue("MimeType", ""); mt != "" {
			plain.MimeType = mt
		}
		decrypted[idx] = plain
	}
	return out, decrypted, bodyDecrypted, nil
}

// unwrapKey derives the key encryption key and unwraps the CEK
func unwrapKey(ek *xmlenc.EncryptedKey, key *ecdh.PrivateKey, hkdfInfo []byte) ([]byte, error) {
	if ek.KeyInfo == nil || ek.KeyInfo.AgreementMethod == nil {
		return nil, fmt.Errorf("EncryptedKey has no AgreementMethod")
	}
	am := ek.KeyInfo.AgreementMethod
	ephemeral, err := originatorKey(am)
	if err != nil {
		return nil, err
	}

	hkdf := xmlenc.DefaultHKDFParams(hkdfInfo)
	if am.KeyDerivationMethod != nil && am.KeyDerivationMethod.HKDFParams != nil {
		hkdf = am.KeyDerivationMethod.HKDFParams
	}
	cek, err := xmlenc.NewX25519KeyAgreementForDecrypt(key, ephemeral, hkdf).UnwrapKey(ek)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap CEK: %w", err)
	}
	return cek, nil
}

// encryptedKeyToElement serializes an EncryptedKey for the Security header
func encryptedKeyToElement(ek *xmlenc.EncryptedKey, id string) *etree.Element {
	elem := etree.NewElement(prefixXENC + ":EncryptedKey")
	elem.CreateAttr("xmlns:"+prefixXENC, message.NsXENC)
	elem.CreateAttr("xmlns:xenc11", nsXENC11)
	elem.CreateAttr("xmlns:dsig-more", nsDSigMore)
	elem.CreateAttr("xmlns:dsig11", nsDSig11)
	elem.CreateAttr("Id", id)

	if ek.EncryptionMethod != nil {
		elem.CreateElement(prefixXENC+":EncryptionMethod").CreateAttr("Algorithm", ek.EncryptionMethod.Algorithm)
	}

	if ek.KeyInfo != nil && ek.KeyInfo.AgreementMethod != nil {
		keyInfo := elem.CreateElement(prefixDS + ":KeyInfo")
		keyInfo.CreateAttr("xmlns:"+prefixDS, message.NsDS)

		am := ek.KeyInfo.AgreementMethod
		amElem := keyInfo.CreateElement(prefixXENC + ":AgreementMethod")
		amElem.CreateAttr("Algorithm", am.Algorithm)

		if kdm := am.KeyDerivationMethod; kdm != nil {
			kdmElem := amElem.CreateElement("xenc11:KeyDerivationMethod")
			kdmElem.CreateAttr("Algorithm", kdm.Algorithm)
			if p := kdm.HKDFParams; p != nil {
				hkdf := kdmElem.CreateElement("dsig-more:HKDFParams")
				if p.PRF != "" {
					hkdf.CreateElement("dsig-more:PRF").CreateAttr("Algorithm", p.PRF)
				}
				if p.Salt != nil {
					hkdf.CreateElement("dsig-more:Salt").CreateElement("dsig-more:Specified").
						SetText(base64.StdEncoding.EncodeToString(p.Salt))
				}
				if p.Info != nil {
					hkdf.CreateElement("dsig-more:Info").SetText(base64.StdEncoding.EncodeToString(p.Info))
				}
				if p.KeyLength > 0 {
					hkdf.CreateElement("dsig-more:KeyLength").SetText(strconv.Itoa(p.KeyLength))
				}
			}
		}

		writeECKeyInfo(amElem, "OriginatorKeyInfo", am.OriginatorKeyInfo)
		writeECKeyInfo(amElem, "RecipientKeyInfo", am.RecipientKeyInfo)
	}

	if ek.CipherData != nil && ek.CipherData.CipherValue != nil {
		elem.CreateElement(prefixXENC+":CipherData").CreateElement(prefixXENC + ":CipherValue").
			SetText(base64.StdEncoding.EncodeToString(ek.CipherData.CipherValue))
	}

	if len(ek.ReferenceList) > 0 {
		refList := elem.CreateElement(prefixXENC + ":ReferenceList")
		for _, ref := range ek.ReferenceList {
			refList.CreateElement(prefixXENC+":DataReference").CreateAttr("URI", ref.URI)
		}
	}
	return elem
}

func writeECKeyInfo(parent *etree.Element, name string, ki *xmlenc.KeyInfo) {
	if ki == nil || ki.KeyValue == nil || ki.KeyValue.ECKeyValue == nil {
		return
	}
	ec := parent.CreateElement(prefixXENC+":"+name).
		CreateElement(prefixDS + ":KeyValue").
		CreateElement("dsig11:ECKeyValue")
	ec.CreateElement("dsig11:NamedCurve").CreateAttr("URI", ki.KeyValue.ECKeyValue.NamedCurve)
	ec.CreateElement("dsig11:PublicKey").SetText(base64.StdEncoding.EncodeToString(ki.KeyValue.ECKeyValue.PublicKey))
}

// parseEncryptedKeyElement reads an EncryptedKey. Children are matched by
// local name since senders differ in the prefixes they bind.
func parseEncryptedKeyElement(elem *etree.Element) (*xmlenc.EncryptedKey, error) {
	ek := &xmlenc.EncryptedKey{}

	if em := childLocal(elem, "EncryptionMethod"); em != nil {
		ek.EncryptionMethod = &xmlenc.EncryptionMethod{Algorithm: em.SelectAttrValue("Algorithm", "")}
	}

	if amElem := childLocal(childLocal(elem, "KeyInfo"), "AgreementMethod"); amElem != nil {
		am := &xmlenc.AgreementMethod{Algorithm: amElem.SelectAttrValue("Algorithm", "")}

		if kdmElem := childLocal(amElem, "KeyDerivationMethod"); kdmElem != nil {
			am.KeyDerivationMethod = &xmlenc.KeyDerivationMethod{Algorithm: kdmElem.SelectAttrValue("Algorithm", "")}
			if hkdfElem := childLocal(kdmElem, "HKDFParams"); hkdfElem != nil {
				p := &xmlenc.HKDFParams{}
				if prf := childLocal(hkdfElem, "PRF"); prf != nil {
					p.PRF = prf.SelectAttrValue("Algorithm", "")
				}
				if salt, err := base64.StdEncoding.DecodeString(text(childLocal(childLocal(hkdfElem, "Salt"), "Specified"))); err == nil && len(salt) > 0 {
					p.Salt = salt
				}
				if info, err := base64.StdEncoding.DecodeString(text(childLocal(hkdfElem, "Info"))); err == nil && len(info) > 0 {
					p.Info = info
				}
				if kl := text(childLocal(hkdfElem, "KeyLength")); kl != "" {
					n, err := strconv.Atoi(kl)
					if err != nil {
						return nil, fmt.Errorf("invalid HKDF KeyLength %q", kl)
					}
					p.KeyLength = n
				}
				am.KeyDerivationMethod.HKDFParams = p
			}
		}

		if ec := childLocal(childLocal(childLocal(amElem, "OriginatorKeyInfo"), "KeyValue"), "ECKeyValue"); ec != nil {
			pub, err := base64.StdEncoding.DecodeString(text(childLocal(ec, "PublicKey")))
			if err != nil {
				return nil, fmt.Errorf("failed to decode ephemeral public key: %w", err)
			}
			ecValue := &xmlenc.ECKeyValue{PublicKey: pub}
			if nc := childLocal(ec, "NamedCurve"); nc != nil {
				ecValue.NamedCurve = nc.SelectAttrValue("URI", "")
			}
			am.OriginatorKeyInfo = &xmlenc.KeyInfo{KeyValue: &xmlenc.KeyValue{ECKeyValue: ecValue}}
		}
		ek.KeyInfo = &xmlenc.KeyInfo{AgreementMethod: am}
	}

	if cv := childLocal(childLocal(elem, "CipherData"), "CipherValue"); cv != nil {
		value, err := base64.StdEncoding.DecodeString(text(cv))
		if err != nil {
			return nil, fmt.Errorf("failed to decode CipherValue: %w", err)
		}
		ek.CipherData = &xmlenc.CipherData{CipherValue: value}
	}

	for _, ref := range children(childLocal(elem, "ReferenceList"), message.NsXENC, "DataReference") {
		ek.ReferenceList = append(ek.ReferenceList, xmlenc.DataReference{URI: ref.SelectAttrValue("URI", "")})
	}
	return ek, nil
}
