// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements HTTPS transport layer for AS4.

This package provides secure HTTP transport for AS4 messages with
TLS 1.2/1.3 support as specified in the eDelivery AS4 profile.

# TLS Configuration

The package recommends TLS 1.3 with fallback to TLS 1.2:

	config := transport.DefaultHTTPSConfig()
	// MinTLSVersion: TLS 1.2
	// MaxTLSVersion: TLS 1.3

For TLS 1.2, the following cipher suites are recommended:
  - TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
  - TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256

# Client Usage

Post returns the status line, headers and body of every exchange, also
when the status is not 2xx:

	client := transport.NewHTTPSClient(&transport.HTTPSConfig{
	    MinTLSVersion: transport.TLS12,
	    Certificates:  []tls.Certificate{clientCert},
	    RootCAs:       certPool,
	})

	resp, err := client.Post(ctx, "https://receiver.example.com/as4", header, body)
	var se *transport.StatusError
	if errors.As(err, &se) {
	    // resp.Header and resp.StatusLine are still available
	}

# Server Usage

HTTPSServer hosts any http.Handler, usually an msh.Receiver:

	server := transport.NewHTTPSServer(":8443", "/as4", &transport.HTTPSConfig{
	    MinTLSVersion: transport.TLS12,
	    Certificates:  []tls.Certificate{serverCert},
	    ClientAuth:    tls.RequireAndVerifyClientCert,
	    ClientCAs:     clientCAPool,
	}, receiver)
	err := server.Start()

# References

  - eDelivery AS4 Transport: https://ec.europa.eu/digital-building-blocks/sites/spaces/DIGITAL/
  - TLS 1.3 RFC 8446: https://datatracker.ietf.org/doc/html/rfc8446
  - TLS 1.2 RFC 5246: https://datatracker.ietf.org/doc/html/rfc5246
*/
package transport
