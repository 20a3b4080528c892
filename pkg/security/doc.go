// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security implements the WS-Security layer of AS4 messages.

# Signatures

XMLSigner signs the eb:Messaging header, the SOAP Body and every MIME
attachment (Attachment-Content-Signature transform) with exclusive
canonicalization. Any crypto.Signer works, so keys may live in PKCS#11
tokens. Supported algorithms are RSA-SHA256/384/512, ECDSA-SHA256 and
Ed25519. The signing certificate is referenced by BinarySecurityToken,
SubjectKeyIdentifier, IssuerSerial or SHA-1 thumbprint.

	signer, err := security.NewXMLSigner(key, cert)
	signed, err := signer.Sign(doc, soap.SOAP12, messagingID, attachments, security.DefaultSigningParams())

XMLVerifier checks the references and the signature value and hands the
certificate to a CertificateValidator.

# Encryption

EncryptAttachments encrypts attachments with AES-GCM under one content key
wrapped through X25519 key agreement and HKDF (eDelivery AS4 2.0). The
EncryptedKey and one EncryptedData per attachment go into the Security
header. Decrypt restores the payloads and their original MIME types.

# Trust

DefaultCertificateValidator checks CA chains, PinnedCertificateValidator
trusts a fixed set of partner certificates and AuthZENTrustValidator asks
an AuthZEN policy decision point. RevocationAwareCertValidator adds OCSP
and CRL checks to any of them.

Binding bundles all of the above behind one interface for the client and
the receiving MSH.
*/
package security
