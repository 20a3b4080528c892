// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package dump records raw AS4 traffic for troubleshooting.

The receiver hands every incoming request to an IncomingDumper before
parsing it; the client hands the bytes of every send attempt to an
OutgoingDumper. Dumping never changes what is sent or received.

	dumper, err := dump.NewDirectory("/var/lib/phase4/dumps")
	receiver := msh.NewReceiver(msh.ReceiverConfig{Handler: handler, IncomingDumper: dumper})
*/
package dump
