// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability provides the duplicate detection half of AS4 reception
awareness. The retry half lives in the client, driven by the P-Mode.

# Duplicate Detection

A receiver remembers the IDs of the user messages it accepted. A message
whose ID was already seen inside the detection window is answered with a
receipt but not delivered again:

	detector := reliability.NewMemoryDetector(time.Hour)
	defer detector.Close()

	dup, err := detector.SeenBefore(ctx, messageID, 24*time.Hour)
	if err != nil {
	    // detection unavailable
	}
	if dup {
	    // acknowledge, skip delivery
	}

Several receiver instances behind a load balancer share state through
Redis:

	detector, err := reliability.NewRedisDetector(ctx, &reliability.RedisConfig{
	    Addr: "localhost:6379",
	})

# References

  - OASIS AS4 Reception Awareness: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package reliability
