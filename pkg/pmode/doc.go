// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package pmode provides Processing Mode (P-Mode) configuration for AS4.

P-Mode is the central configuration mechanism in AS4 that defines how
messages are processed. Each P-Mode specifies settings for a particular
message exchange agreement between parties.

# P-Mode Structure

	type PMode struct {
	    ID                 string
	    Initiator          *Party              // Sending party
	    Responder          *Party              // Receiving party
	    AgreementRef       string              // Business agreement reference
	    MEP                MEP                 // One-way or two-way
	    MEPBinding         MEPBinding          // push, pull, pushAndPush ...
	    Leg1, Leg2         *Leg                // Per-direction policy
	    PayloadService     *PayloadService     // Compression
	    ReceptionAwareness *ReceptionAwareness // Retry and duplicate detection
	}

A one-way P-Mode never has a second leg and a two-way P-Mode always has
one. [PMode.Validate] enforces this and a [Registry] refuses P-Modes that
fail validation.

# Creating P-Modes

Use the default P-Mode as a starting point:

	p := pmode.Default()
	p.ID = "my-pmode"
	p.Leg1.BusinessInfo.Service = "urn:example:service"
	p.Leg1.BusinessInfo.Action = "submitOrder"

The unmodified default P-Mode is the ebMS ping exchange; see [IsPing].

# Registry

	registry := pmode.NewRegistry()
	if err := registry.Register(p); err != nil { ... }

	found, err := registry.Resolve(initiatorID, responderID, address)

The registry is safe for concurrent use. It stores copies and replaces
entries as a whole.

# References

  - OASIS AS4 P-Mode: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - ebMS 3.0 Core, Appendix D: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
*/
package pmode
