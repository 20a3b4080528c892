// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package as4 is the sending side of the MSH.

A Client turns one of the message kinds (UserMessage, PullRequest,
Receipt, ErrorMessage) into a SOAP envelope, applies compression, signing
and encryption as configured, and posts it to the receiving MSH.

# Client Creation

	client, err := as4.NewClient(&as4.ClientConfig{
	    HTTPSConfig: transport.DefaultHTTPSConfig(),
	    Binding:     security.NewDefaultBinding(creds),
	    PMode:       processingMode,
	})

The P-Mode supplies the SOAP version, signing and encryption algorithms,
the endpoint of leg 1 and the retry settings of reception awareness. All
of them can be overridden on the Client afterwards. The recipient's
encryption key is never part of a P-Mode and has to be set on
CryptParams.

# Sending Messages

	msg := &as4.UserMessage{Attachments: []*attachment.Attachment{att}}
	msg.SetValuesFromPMode(processingMode)

	sent, err := client.SendMessageWithRetries(ctx, msg, nil)
	if err != nil {
	    return err
	}
	signal, err := sent.Signal()

Each send gets a fresh message ID. Failed attempts are retried up to
MaxRetries times with the same bytes; the HTTP entity is buffered in
memory when retries or an outgoing dumper are configured. IllegalStateError
and BuildError are returned before anything reaches the network and are
never retried.

# Build Steps

BuildMessage runs the steps without sending:

 1. validate the message
 2. create the eb:Messaging header
 3. create the SOAP envelope
 4. compress attachments with a CompressionMode
 5. sign the envelope and attachments
 6. encrypt the attachments
 7. package as MIME multipart/related if there are attachments

Callbacks observe the header, the unsigned and the signed envelope.
*/
package as4
