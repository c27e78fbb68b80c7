// Package factory creates firmware transports for vidcore.
//
// The factory hides the choice between the simulated firmware (testing
// package) and the shared memory link (real package) behind
// interfaces.Transport, so the core never depends on a concrete link.
//
// # Configuration
//
// NewTransportFactory starts from built-in defaults and applies:
//   - VIDC_USE_SIMULATION: "true" or "false"
//   - VIDC_DEVICE_PATH: shared memory file for the real link
//   - VIDC_REGION_SIZE: region size in bytes, at least the queue layout
//   - VIDC_INTERRUPT_TIMEOUT: interrupt wait slice in milliseconds
//
// Values that fail to parse or fall out of bounds are logged at warning
// level and the default is kept. NewTransportFactoryWithConfig takes an
// already resolved configuration, such as the transport section of
// config.Config.
//
// # Usage
//
//	f := factory.NewTransportFactory()
//	tr, err := f.CreateTransport()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Close()
//
// # Testing Support
//
// CreateSimulationForTesting returns the concrete *testing.SimulatedTransport
// so tests can script the firmware:
//
//	sim, _ := f.CreateSimulationForTesting(factory.WithInterruptTimeout(time.Millisecond))
//	sim.Firmware().DropCommands(hfi.CmdSessionStop)
//
// # Thread Safety
//
// All TransportFactory methods are safe for concurrent use.
package factory
