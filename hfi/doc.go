// Package hfi implements the host side of the shared-memory queue protocol
// used to talk to the video firmware.
//
// # Region Layout
//
// A transport provides one contiguous, word-aligned region. NewQueues lays a
// queue table header, three queue headers, three rings and the SFR scratch
// area over it (see the limits package for sizes). The firmware attaches to
// the same region with Attach.
//
// # Rings
//
// RingQueue is a single-producer single-consumer ring indexed in 32-bit
// words. Header fields are read and written with 32-bit atomics so the
// payload copy is always ordered before the index that publishes it. Packets
// that straddle the end of a ring are copied in two spans.
//
//	needsSignal, err := ring.Write(packet)
//	n, txReq, err := ring.Read(buf)
//
// Write refuses a packet that would leave no headroom (ErrQueueFull) and sets
// tx_req so the firmware signals when space frees. Read validates indices and
// the length prefix before trusting them; a corrupt entry is dropped by
// moving the read index up to the write index (ErrQueueCorrupt).
//
// # Submissions
//
// Commands are written only while the core lock is held. CoreLock.Lock returns
// a Token and SubmitCommand refuses any token that is not the live one:
//
//	tok := lock.Lock()
//	defer tok.Unlock()
//	err := queues.SubmitCommand(tok, packet)
//
// # Packets
//
// Every packet starts with five little-endian words: total size in bytes,
// session id, packet type, port and flags (status on responses). Packet,
// BufferPayload and PropertyPayload encode and decode them.
package hfi
