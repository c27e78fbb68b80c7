// Package testing provides a simulated firmware link for deterministic
// testing of the vidcore coordinator.
//
// # Overview
//
// SimulatedTransport implements interfaces.Transport over an in-memory
// shared region. A Firmware goroutine attached to the same region consumes
// the command ring whenever the host rings the doorbell, answers on the
// message ring and raises the host interrupt. No device or kernel support
// is needed, so tests run fast and reproducibly.
//
// # Simulation vs Real Implementation
//
// The coordinator supports two transports:
//
//   - Simulation (this package): the firmware is a scripted goroutine. Used
//     for unit and integration testing and by the vidc-sim command.
//
//   - Real (real package): the region is a memory-mapped file and the
//     doorbell and interrupt are eventfds shared with a firmware process.
//
// Both implement interfaces.Transport, and the factory package selects one
// from configuration.
//
// # Firmware Behaviour
//
// Input buffers are returned as soon as they are queued. Every consumed
// input fills the oldest output buffer the firmware holds. Drain answers
// with a drain-done followed by a last flag that carries a held output
// buffer when one exists. Stopping the output port returns every held output
// buffer empty before the stop-done. Internal buffers are held until
// released.
//
// Tests steer the firmware through:
//
//	fw := transport.Firmware()
//	fw.DropCommands(hfi.CmdSessionStop)   // never answer stop
//	fw.InjectPortSettingsChange(sessionID)
//	fw.InjectSysError("watchdog")
//
// The command log (Commands, CountCommands, ClearCommands) records every
// command the firmware consumed, including dropped ones.
//
// # Resources
//
// SimulatedResources implements interfaces.ResourceProvider with in-memory
// bookkeeping. Outstanding reports live allocations, mappings and surface
// references so tests can assert that a session leaves nothing behind.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. The interrupt callback
// runs on the firmware goroutine and must not block.
package testing
