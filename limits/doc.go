// Package limits provides centralized size constants and validation functions
// for the shared-memory queue protocol spoken between the host and the video
// firmware. Every layer that touches a packet length uses these values so the
// ring, the packet codec and the session layer agree on what is legal.
//
// # Region Layout
//
// The shared region handed over by a transport is laid out as:
//
//   - the queue table header (TableHeaderSize bytes)
//   - NumQueues queue headers of QueueHeaderSize bytes each
//   - NumQueues ring regions of QueueSize bytes each
//   - the SFR scratch region (SFRSize bytes)
//
// SharedRegionSize is the sum and is the minimum a transport must provide.
//
// # Packet Sizes
//
//   - MinPacketSize (20 bytes): size, session id, type, port and flags words.
//   - MaxCommandSize (4 KiB): host-built commands.
//   - MaxPacketSize (12 KiB): anything read back from firmware.
//
// The ring capacity is always larger than MaxPacketSize so a single legal
// packet can never be unrepresentable.
//
// # Validation Functions
//
//	if err := limits.ValidateMessage(size); err != nil {
//	    // ErrPacketEmpty, ErrPacketMisaligned, ErrPacketTooLarge or ErrPacketTruncated
//	}
//
// All errors wrap one of the sentinel values and can be matched with errors.Is.
package limits
