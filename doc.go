// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package phase4 is an AS4 message service handler: it sends and receives
ebMS3/AS4 business messages between two trading partners.

# Overview

The handler builds, signs, encrypts, compresses and MIME-wraps outgoing
user messages and transmits them with bounded retries. Incoming messages
run through an ordered chain of SOAP header processors that extract the
ebMS metadata, verify WS-Security and enforce mustUnderstand before the
payload reaches the application. Every exchange is governed by a
Processing Mode (P-Mode).

# Specifications Implemented

  - OASIS ebXML Messaging Services v3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - OASIS AS4 Profile of ebMS 3.0 Version 1.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - eDelivery AS4 2.0: https://ec.europa.eu/digital-building-blocks/sites/spaces/DIGITAL/pages/845480153/eDelivery+AS4+-+2.0
  - WS-Security 1.1.1: https://docs.oasis-open.org/wss/v1.1/
  - SOAP with Attachments and SOAP 1.1/1.2

# Package Structure

	github.com/pondersource/phase4/pkg/as4         - Client: build and send with retries
	github.com/pondersource/phase4/pkg/msh         - Incoming pipeline, header processors and HTTP receiver
	github.com/pondersource/phase4/pkg/pmode       - Processing Mode model and registry
	github.com/pondersource/phase4/pkg/message     - ebMS3 header types, signals and error catalogue
	github.com/pondersource/phase4/pkg/security    - Signing, encryption and certificate validation
	github.com/pondersource/phase4/pkg/attachment  - Attachments with lazy, repeatable sources
	github.com/pondersource/phase4/pkg/compression - GZIP payload compression
	github.com/pondersource/phase4/pkg/mime        - MIME multipart reading and writing
	github.com/pondersource/phase4/pkg/soap        - SOAP versions
	github.com/pondersource/phase4/pkg/transport   - HTTPS client and server
	github.com/pondersource/phase4/pkg/reliability - Duplicate detection (memory, Redis)
	github.com/pondersource/phase4/pkg/dump        - Wire dumps of incoming and outgoing messages
	github.com/pondersource/phase4/cmd/phase4      - serve, send and ping commands

# Quick Start

To send a user message:

	client, err := as4.NewClient(&as4.ClientConfig{
	    PMode:   pm,
	    Binding: security.NewDefaultBinding(security.Credentials{Signer: key, Certificate: cert}),
	})
	if err != nil {
	    return err
	}

	um := &as4.UserMessage{Attachments: []*attachment.Attachment{
	    attachment.NewFromBytes("invoice@example.org", "application/xml", invoice),
	}}
	um.SetValuesFromPMode(pm)

	sent, err := client.SendMessageWithRetries(ctx, um, nil)
	if err != nil {
	    return err
	}
	signal, err := sent.Signal()

To receive, mount an msh.Receiver on an HTTP server:

	handler, _ := msh.NewHandler(msh.Config{
	    Processors: msh.NewDefaultRegistry(msh.NewStaticPModeResolver(registry), binding, nil),
	})
	receiver, _ := msh.NewReceiver(msh.ReceiverConfig{Handler: handler, Consumer: consumer})
	http.Handle("/as4", receiver)

# Security Features

  - RSA-SHA256/384/512, ECDSA-SHA256 and Ed25519 signatures with Exclusive XML Canonicalization
  - X25519/HKDF key agreement with AES-128-GCM attachment encryption (AS4 2.0)
  - Pinned, PKI and AuthZEN certificate trust, with optional OCSP/CRL revocation checking
  - PKCS#11 signing keys (build tag pkcs11)

# License

BSD-2-Clause License
*/
package phase4
