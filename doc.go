// Package vidcore coordinates video decode and encode sessions between a
// host and the video firmware.
//
// A [Core] owns one device: the shared-memory command, message and debug
// rings, the firmware lifecycle and the registry of sessions. A [Session]
// is one decode or encode instance with its own state machine, buffer
// bookkeeping and capability table. Firmware responses arrive on an
// interrupt and are routed to the session they name by a dispatcher
// goroutine.
//
// # Getting Started
//
// Create a transport and resource provider, then a core:
//
//	cfg := config.Default()
//	tr, err := factory.NewTransportFactoryWithConfig(cfg.TransportConfig()).CreateTransport()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	core, err := vidcore.NewCore(cfg, tr, provider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer core.Shutdown()
//
// Open a session. The firmware is booted by the first session:
//
//	s, err := core.Open(ctx, vidcore.Params{
//	    Domain:   interfaces.DomainDecoder,
//	    Width:    1920,
//	    Height:   1080,
//	    OnBuffer: func(b buffers.Buffer) { /* buffer is back with the client */ },
//	    OnEvent:  func(e vidcore.Event) { /* EOS, source change, error */ },
//	})
//
// # Streaming
//
// Buffers queued before a port streams are held by the driver and
// [ErrDeferred] is returned; they are submitted on [Session.StreamOn].
// [Session.StreamOff] waits for the firmware to return every buffer of the
// port. A firmware that does not answer within the configured response
// timeout kills the session and force deinitializes the core.
//
//	_ = s.StreamOn(state.PortInput)
//	_ = s.StreamOn(state.PortOutput)
//	_ = s.QueueBuffer(buffers.Descriptor{Type: interfaces.BufferInput, Index: 0, FD: fd, Size: n, DataSize: n})
//
// A drain ends with [EventEOS]; [Session.Resume] then restarts the ports.
// Resolution changes follow the same pattern after [EventSourceChange].
//
// # Admission
//
// Every open, and every input stream-on, is checked against the load of
// the other active sessions. Overload either rejects the session with
// [ErrOverloaded] or [ErrTooManySessions], or demotes realtime decoders to
// non-realtime priority.
//
// # Diagnostics
//
// [Core.Dump] captures the core and session state as CBOR; [DecodeDump]
// reads it back. Page faults store a dump retrievable with [Core.LastDump].
//
// # Locking
//
// Lock order is session before core. Client callbacks run after the session
// lock is released and may call back into the session. Callbacks raised by
// firmware messages run on the dispatcher goroutine and must not wait for
// further firmware responses.
package vidcore
