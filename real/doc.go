// Package real provides the production firmware link for vidcore.
//
// SharedMemoryTransport maps a file shared with the firmware process and
// exchanges notifications over two eventfds:
//
//	host                                firmware
//	  │  queue table + rings + SFR (mmap)  │
//	  ├────────────────────────────────────┤
//	  │  RaiseDoorbell ──► doorbell fd ───►│
//	  │◄── interrupt fd ◄── signal         │
//
// A watcher goroutine polls the interrupt eventfd in slices bounded by
// TransportConfig.InterruptTimeout, clears its counter and runs the
// registered callback. The callback must not block; the core only kicks its
// dispatcher from it.
//
// The eventfds are created with close-on-exec. Hand DoorbellFD and
// InterruptFD to the firmware process explicitly, for example through
// exec.Cmd.ExtraFiles after duplicating them.
//
// The transport is available on Linux only. On other platforms
// NewSharedMemoryTransport returns ErrUnsupported.
package real
