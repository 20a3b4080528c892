// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mime handles MIME multipart packaging for AS4.

This package implements SOAP with Attachments (SwA) packaging for AS4
messages with binary payloads.

# MIME Structure

AS4 messages with attachments use multipart/related:

	Content-Type: multipart/related;
	    type="application/soap+xml";
	    start="<soap-envelope>";
	    boundary="----=_Part_..."

	------=_Part_...
	Content-Type: application/soap+xml; charset=utf-8
	Content-ID: <soap-envelope>

	[SOAP Envelope]

	------=_Part_...
	Content-Type: application/gzip
	Content-ID: <payload-1>
	Content-Transfer-Encoding: binary

	[Binary payload data]

# Writing

	msg := mime.NewMessage(soap.SOAP12, doc, attachments)
	body, contentType, err := msg.Serialize()

# Reading

The first part is always the SOAP envelope. Every other part is passed to
an attachment.Factory:

	msg, err := mime.Parse(r, contentType, factory, scope)

# References

  - SOAP with Attachments: https://www.w3.org/TR/SOAP-attachments
  - MIME Multipart: https://datatracker.ietf.org/doc/html/rfc2046
*/
package mime
