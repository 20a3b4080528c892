// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package attachment models the MIME attachments of AS4 messages.

An Attachment carries its content ID, MIME type, compression mode and a
re-openable Source. Incoming parts are turned into attachments by a
Factory; the DefaultFactory keeps small parts in memory and writes large
ones to temporary files owned by a resource.Scope.

	att := attachment.NewFromFile("invoice@example.org", "application/xml", path)
	pi := att.PartInfo("")
*/
package attachment
