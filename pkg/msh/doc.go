// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package msh implements the receiving side of the AS4 Message Service Handler.

An incoming HTTP request is parsed into a SOAP document and attachments,
then every SOAP header is handed to the processor registered for its
qualified name. Processors fill a MessageState that later stages read.

# Header processors

The default registry holds two processors, run in registration order:

  - MessagingProcessor decodes eb:Messaging, resolves the P-Mode and
    extracts payload metadata (compression, MIME type)
  - SecurityProcessor decrypts and verifies wsse:Security

	processors := msh.NewDefaultRegistry(resolver, binding, nil)
	handler, err := msh.NewHandler(msh.Config{Processors: processors})

A failing processor stops the chain; its errors become ebMS errors that
reference the incoming message. A mustUnderstand header no processor
handled is a protocol error.

# Receiving

Receiver wraps a Handler as an http.Handler. It checks duplicates, hands
user messages to a MessageConsumer and answers synchronously with a
Receipt or an Error signal:

	rc, err := msh.NewReceiver(msh.ReceiverConfig{
		Handler:  handler,
		Consumer: msh.ConsumerFunc(deliver),
		Detector: reliability.NewMemoryDetector(time.Minute),
	})
	http.Handle("/as4", rc)

# References

  - OASIS ebMS 3.0 Core: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - AS4 Profile: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package msh
