// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression provides GZIP payload compression for AS4.

The AS4 profile compresses attachments (never the SOAP body) with GZIP and
announces this with the CompressionType part property.

# Compression

Compress payloads before sending:

	compressor := compression.NewCompressor()
	compressed, err := compressor.Compress(payload)

# Lazy decompression

Incoming attachments are wrapped rather than decompressed eagerly. The
returned source opens a fresh reader each time and decompresses on read:

	src = compression.Decompressing(contentID, src)

Corrupt input yields a *DecompressError, so callers can tell payload
corruption apart from transport failures:

	if compression.IsDecompressError(err) { ... }

# References

  - OASIS AS4 Compression: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - GZIP RFC 1952: https://datatracker.ietf.org/doc/html/rfc1952
*/
package compression
