// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message provides AS4 message structures and builders.

This package implements the message structures defined in the OASIS ebXML
Messaging Services Version 3.0 specification, with extensions for the
AS4 profile.

# Message Types

The eb:Messaging header carries UserMessages and SignalMessages:

UserMessage - Business messages containing:
  - MessageInfo: Message ID, timestamp, RefToMessageId
  - PartyInfo: Sender and receiver party identification
  - CollaborationInfo: Service, action, conversation ID
  - MessageProperties: Custom properties
  - PayloadInfo: References to attached payloads

SignalMessage - Protocol signals:
  - PullRequest: Request for a message from an MPC
  - Receipt: Acknowledgment of received messages
  - Error: Error notifications

# Building Messages

	um, err := message.NewUserMessage(
	    message.NewMessageInfo(message.NewMessageID(), "", time.Time{}),
	    message.WithFrom(partyType, "sender", pmode.DefaultInitiatorURL),
	    message.WithTo(partyType, "receiver", pmode.DefaultResponderURL),
	    message.WithService("", "http://example.com/service"),
	    message.WithAction("processDocument"),
	).Build()

# SOAP Envelopes

Envelopes are assembled with etree so that namespace prefixes match what
WSS4J based handlers expect:

	elem, err := message.MessagingElement(&message.Messaging{UserMessage: []*message.UserMessage{um}}, soap.SOAP12, wsuID)
	doc := message.NewSOAPDocument(soap.SOAP12, elem, nil)

[FindMessaging] and [ParseMessaging] do the reverse for received envelopes.

# Errors

The ebMS error catalogue (EBMS:0001 to EBMS:0303) is available as
[EbmsError] values, e.g. [EbmsValueNotRecognized].

# References

  - OASIS ebMS 3.0 Core: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - ebCore Party ID Types: https://docs.oasis-open.org/ebcore/PartyIdType/v1.0/
*/
package message
