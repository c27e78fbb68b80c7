// Package buffers tracks the data buffers of one codec session as they move
// between the client, the driver and the firmware.
//
// # Ownership
//
// Every buffer has exactly one owner, derived from its attr bits:
//
//	QUEUED      firmware
//	DEFERRED    driver (prepared, waiting to be queued)
//	neither     client
//
// Prepare moves a client buffer to the driver, Queue submits it through a
// Submitter, and Complete hands it back. Flush returns everything the driver
// or firmware holds on one side without waiting for the firmware.
//
// # Read-only references
//
// A decoder may keep reading an output frame it already returned, flagging
// it read-only. The manager records such frames and, when the client queues
// a buffer at the same device address, carries the read-only attr onto it.
// Records the firmware no longer references are dropped on the next queue
// or on FlushReadOnly.
//
// # Internal buffers
//
// Firmware scratch buffers (BIN, COMV, LINE, DPB, ...) are sized by the
// ResourceProvider. GetInternal applies the reuse rule, CreateInternal
// allocates and maps, QueueInternal submits, ReleaseInternal requests a
// release and ReleaseDone destroys the buffer once the firmware agrees.
//
// # Timing
//
// Queued input timestamps feed a sliding window that yields the content
// frame rate, an optional reorder list that restamps decoder output, an
// input-rate history and per-frame latency statistics.
//
// A Manager is not safe for concurrent use.
package buffers
