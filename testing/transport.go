package testing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/limits"
	"github.com/sirupsen/logrus"
)

// SimulatedDeviceAddr is the firmware-visible base of the simulated region.
const SimulatedDeviceAddr = 0x80000000

// ErrTransportClosed indicates use of a closed transport
var ErrTransportClosed = errors.New("transport closed")

// SimulatedTransport implements interfaces.Transport over an in-memory region
// served by a Firmware goroutine.
type SimulatedTransport struct {
	config *interfaces.TransportConfig
	region *interfaces.Region
	fw     *Firmware

	mu        sync.RWMutex
	onIRQ     func()
	closed    bool
	doorbells atomic.Int64

	kick   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSimulatedTransport creates the region and starts the simulated firmware.
func NewSimulatedTransport(config *interfaces.TransportConfig) (*SimulatedTransport, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	size := max(config.RegionSize, limits.SharedRegionSize)

	logrus.Warn("SIMULATION FUNCTION - NOT A REAL OPERATION")
	logrus.WithFields(logrus.Fields{
		"function":    "NewSimulatedTransport",
		"region_size": size,
	}).Info("Creating simulated firmware transport")

	t := &SimulatedTransport{
		config: config,
		region: &interfaces.Region{
			Mem:        make([]byte, size),
			DeviceAddr: SimulatedDeviceAddr,
		},
		kick: make(chan struct{}, 1),
	}
	t.fw = newFirmware(t.region, t.interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	go t.run(ctx)
	return t, nil
}

// Firmware returns the scripted firmware behind the transport.
func (t *SimulatedTransport) Firmware() *Firmware { return t.fw }

// RaiseDoorbell wakes the firmware.
func (t *SimulatedTransport) RaiseDoorbell() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.doorbells.Add(1)
	select {
	case t.kick <- struct{}{}:
	default:
	}
	return nil
}

// Region returns the shared region.
func (t *SimulatedTransport) Region() (*interfaces.Region, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	return t.region, nil
}

// OnInterrupt registers the interrupt callback. It runs on the firmware
// goroutine and must not block.
func (t *SimulatedTransport) OnInterrupt(callback func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onIRQ = callback
}

// Close stops the firmware goroutine. Closing twice is a no-op.
func (t *SimulatedTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
	logrus.WithFields(logrus.Fields{
		"function":  "SimulatedTransport.Close",
		"doorbells": t.doorbells.Load(),
	}).Info("Simulated transport closed")
	return nil
}

// IsSimulation returns true.
func (t *SimulatedTransport) IsSimulation() bool { return true }

// Doorbells returns how many times the host rang the firmware.
func (t *SimulatedTransport) Doorbells() int64 { return t.doorbells.Load() }

// Interrupt raises the host interrupt, as the firmware does after writing
// messages. Tests use it to inject spurious interrupts.
func (t *SimulatedTransport) Interrupt() { t.interrupt() }

func (t *SimulatedTransport) interrupt() {
	t.mu.RLock()
	cb := t.onIRQ
	closed := t.closed
	t.mu.RUnlock()
	if cb != nil && !closed {
		cb()
	}
}

func (t *SimulatedTransport) run(ctx context.Context) {
	defer t.wg.Done()
	retry := time.NewTicker(5 * time.Millisecond)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.kick:
			t.fw.service()
		case <-retry.C:
			t.fw.flushBacklog()
		}
	}
}

// String describes the transport for logs.
func (t *SimulatedTransport) String() string {
	return fmt.Sprintf("simulated(%#x, %d bytes)", t.region.DeviceAddr, len(t.region.Mem))
}
