//go:build linux

package real

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/opd-ai/vidcore/interfaces"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SharedMemoryTransport implements interfaces.Transport over a memory-mapped
// file shared with a firmware process. The doorbell and the interrupt are
// eventfds; DoorbellFD and InterruptFD hand them to the peer.
type SharedMemoryTransport struct {
	config *interfaces.TransportConfig
	file   *os.File
	mem    []byte
	region *interfaces.Region

	doorbellFD  int
	interruptFD int

	mu     sync.RWMutex
	onIRQ  func()
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewSharedMemoryTransport maps config.DevicePath, creating and sizing the
// file when needed, and starts the interrupt watcher.
func NewSharedMemoryTransport(config *interfaces.TransportConfig) (*SharedMemoryTransport, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if config.DevicePath == "" {
		return nil, interfaces.ErrMissingDevicePath
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewSharedMemoryTransport",
		"path":        config.DevicePath,
		"region_size": config.RegionSize,
	}).Info("Creating shared memory transport")

	f, err := os.OpenFile(config.DevicePath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open shared region: %w", err)
	}
	t := &SharedMemoryTransport{config: config, file: f, doorbellFD: -1, interruptFD: -1, done: make(chan struct{})}
	if err := t.setup(); err != nil {
		t.release()
		logrus.WithFields(logrus.Fields{
			"function": "NewSharedMemoryTransport",
			"path":     config.DevicePath,
			"error":    err.Error(),
		}).Error("Failed to set up shared memory transport")
		return nil, err
	}

	t.wg.Add(1)
	go t.watch()
	return t, nil
}

func (t *SharedMemoryTransport) setup() error {
	fd := int(t.file.Fd())
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fmt.Errorf("stat shared region: %w", err)
	}
	if st.Size < int64(t.config.RegionSize) {
		if err := unix.Ftruncate(fd, int64(t.config.RegionSize)); err != nil {
			return fmt.Errorf("size shared region: %w", err)
		}
	}
	mem, err := unix.Mmap(fd, 0, t.config.RegionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap shared region: %w", err)
	}
	t.mem = mem
	t.region = &interfaces.Region{Mem: mem, DeviceAddr: DefaultDeviceAddr}

	if t.doorbellFD, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK); err != nil {
		return fmt.Errorf("doorbell eventfd: %w", err)
	}
	if t.interruptFD, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK); err != nil {
		return fmt.Errorf("interrupt eventfd: %w", err)
	}
	return nil
}

// RaiseDoorbell signals the doorbell eventfd.
func (t *SharedMemoryTransport) RaiseDoorbell() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrTransportClosed
	}
	return signal(t.doorbellFD)
}

// Region returns the mapped region.
func (t *SharedMemoryTransport) Region() (*interfaces.Region, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	return t.region, nil
}

// OnInterrupt registers the callback run by the watcher goroutine.
func (t *SharedMemoryTransport) OnInterrupt(callback func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onIRQ = callback
}

// IsSimulation returns false.
func (t *SharedMemoryTransport) IsSimulation() bool { return false }

// DoorbellFD returns the eventfd the firmware waits on.
func (t *SharedMemoryTransport) DoorbellFD() int { return t.doorbellFD }

// InterruptFD returns the eventfd the firmware signals.
func (t *SharedMemoryTransport) InterruptFD() int { return t.interruptFD }

// Close stops the watcher, unmaps the region and closes the eventfds.
func (t *SharedMemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)
	t.wg.Wait()
	err := t.release()
	logrus.WithFields(logrus.Fields{
		"function": "SharedMemoryTransport.Close",
		"path":     t.config.DevicePath,
	}).Info("Shared memory transport closed")
	return err
}

func (t *SharedMemoryTransport) release() error {
	var errs []error
	if t.mem != nil {
		errs = append(errs, unix.Munmap(t.mem))
		t.mem = nil
	}
	for _, fd := range []*int{&t.doorbellFD, &t.interruptFD} {
		if *fd >= 0 {
			errs = append(errs, unix.Close(*fd))
			*fd = -1
		}
	}
	errs = append(errs, t.file.Close())
	return errors.Join(errs...)
}

// watch waits for interrupts in bounded slices so Close is noticed.
func (t *SharedMemoryTransport) watch() {
	defer t.wg.Done()
	timeout := int(t.config.InterruptTimeout.Milliseconds())
	fds := []unix.PollFd{{Fd: int32(t.interruptFD), Events: unix.POLLIN}}
	for {
		select {
		case <-t.done:
			return
		default:
		}
		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "SharedMemoryTransport.watch",
				"error":    err.Error(),
			}).Error("Interrupt poll failed")
			return
		}
		if n == 0 || fds[0].Revents&unix.POLLIN == 0 {
			continue
		}
		if _, err := drain(t.interruptFD); err != nil {
			continue
		}
		t.mu.RLock()
		cb := t.onIRQ
		t.mu.RUnlock()
		if cb != nil {
			cb()
		}
	}
}

func signal(fd int) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], 1)
	if _, err := unix.Write(fd, b[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("signal eventfd: %w", err)
	}
	return nil
}

// drain reads and clears an eventfd counter.
func drain(fd int) (uint64, error) {
	var b [8]byte
	if _, err := unix.Read(fd, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
