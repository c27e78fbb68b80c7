// Package main runs a scripted decode or encode session against the
// simulated video firmware.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/opd-ai/vidcore"
	"github.com/opd-ai/vidcore/buffers"
	"github.com/opd-ai/vidcore/config"
	"github.com/opd-ai/vidcore/factory"
	"github.com/opd-ai/vidcore/interfaces"
	"github.com/opd-ai/vidcore/state"
	simfw "github.com/opd-ai/vidcore/testing"
	"github.com/sirupsen/logrus"
)

// CLIConfig holds the parsed command-line flags.
type CLIConfig struct {
	logLevel   string
	configPath string
	domain     string
	width      uint
	height     uint
	frames     int
	buffers    int
	timeout    time.Duration
	dump       bool
	help       bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	flag.StringVar(&cfg.configPath, "config", "", "YAML configuration file (default: built-in defaults)")

	flag.StringVar(&cfg.domain, "domain", "decoder", "Session kind (decoder, encoder)")
	flag.UintVar(&cfg.width, "width", 1920, "Frame width")
	flag.UintVar(&cfg.height, "height", 1080, "Frame height")
	flag.IntVar(&cfg.frames, "frames", 30, "Number of input frames to queue")
	flag.IntVar(&cfg.buffers, "buffers", 4, "Buffers per port")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall run timeout")
	flag.BoolVar(&cfg.dump, "dump", false, "Print a core dump summary before closing")

	flag.BoolVar(&cfg.help, "help", false, "Show help message")

	flag.Parse()
	return cfg
}

// printUsage prints the usage information.
func printUsage() {
	fmt.Println("Video core simulator")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s -frames 120\n", os.Args[0])
	fmt.Printf("  %s -domain encoder -width 1280 -height 720 -log-level debug\n", os.Args[0])
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(cfg *CLIConfig) error {
	if _, err := parseDomain(cfg.domain); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(cfg.logLevel); err != nil {
		return fmt.Errorf("invalid log level %q", cfg.logLevel)
	}
	if cfg.width == 0 || cfg.height == 0 {
		return fmt.Errorf("frame size must be positive")
	}
	if cfg.frames <= 0 {
		return fmt.Errorf("frame count must be positive")
	}
	if cfg.buffers <= 0 || cfg.buffers > 32 {
		return fmt.Errorf("buffer count must be between 1 and 32")
	}
	if cfg.timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func parseDomain(s string) (interfaces.Domain, error) {
	switch strings.ToLower(s) {
	case "decoder", "dec":
		return interfaces.DomainDecoder, nil
	case "encoder", "enc":
		return interfaces.DomainEncoder, nil
	}
	return 0, fmt.Errorf("unknown domain %q", s)
}

// loadConfig reads the core configuration. The simulator always runs on
// the simulated transport.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	cfg.Transport.Simulation = true
	return cfg, nil
}

// RunResult summarizes a completed run.
type RunResult struct {
	Inputs  int
	Outputs int
	Elapsed time.Duration
}

// run opens one session, streams frames through it, drains and closes.
func run(ctx context.Context, cli *CLIConfig, cfg *config.Config) (*RunResult, error) {
	domain, err := parseDomain(cli.domain)
	if err != nil {
		return nil, err
	}

	tr, err := factory.NewTransportFactoryWithConfig(cfg.TransportConfig()).CreateTransport()
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	defer tr.Close()

	core, err := vidcore.NewCore(cfg, tr, simfw.NewSimulatedResources(simfw.DefaultRequirements()))
	if err != nil {
		return nil, err
	}
	defer core.Shutdown()

	done := make(chan buffers.Buffer, 4*cli.buffers)
	eos := make(chan struct{}, 1)
	failed := make(chan struct{}, 1)

	start := time.Now()
	s, err := core.Open(ctx, vidcore.Params{
		Domain: domain,
		Width:  uint32(cli.width),
		Height: uint32(cli.height),
		OnBuffer: func(b buffers.Buffer) {
			done <- b
		},
		OnEvent: func(e vidcore.Event) {
			ch := eos
			if e == vidcore.EventError {
				ch = failed
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer s.Close(context.Background())

	for _, port := range []state.Port{state.PortInput, state.PortOutput} {
		if err := s.StreamOn(port); err != nil {
			return nil, fmt.Errorf("stream on %s: %w", port, err)
		}
	}

	res := &RunResult{}
	queued := 0
	queue := func(d buffers.Descriptor) error {
		err := s.QueueBuffer(d)
		if err == nil || errors.Is(err, vidcore.ErrDeferred) {
			return nil
		}
		return err
	}
	for i := 0; i < cli.buffers; i++ {
		if err := queue(outputDescriptor(uint32(i))); err != nil {
			return nil, err
		}
		if queued < cli.frames {
			if err := queue(inputDescriptor(uint32(i), queued)); err != nil {
				return nil, err
			}
			queued++
		}
	}

	for res.Inputs < cli.frames || res.Outputs < cli.frames {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-failed:
			return res, vidcore.ErrSessionError
		case b := <-done:
			switch b.Type {
			case interfaces.BufferInput:
				res.Inputs++
				if queued < cli.frames {
					if err := queue(inputDescriptor(b.Index, queued)); err != nil {
						return res, err
					}
					queued++
				}
			case interfaces.BufferOutput:
				res.Outputs++
				if res.Outputs+cli.buffers <= cli.frames {
					if err := queue(outputDescriptor(b.Index)); err != nil {
						return res, err
					}
				}
			}
		}
	}

	if err := s.Drain(); err != nil {
		return res, fmt.Errorf("drain: %w", err)
	}
	select {
	case <-eos:
	case <-failed:
		return res, vidcore.ErrSessionError
	case <-ctx.Done():
		return res, ctx.Err()
	}

	if cli.dump {
		printDump(core)
	}

	for _, port := range []state.Port{state.PortOutput, state.PortInput} {
		if err := s.StreamOff(ctx, port); err != nil {
			return res, fmt.Errorf("stream off %s: %w", port, err)
		}
	}
	if err := s.Close(ctx); err != nil {
		return res, fmt.Errorf("close: %w", err)
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

func inputDescriptor(index uint32, frame int) buffers.Descriptor {
	return buffers.Descriptor{
		Type:       interfaces.BufferInput,
		Index:      index,
		FD:         int32(1000 + index),
		DeviceAddr: 0x40000000 + uint64(index)<<20,
		Size:       1 << 20,
		DataSize:   uint32(4096 + frame%512),
		Timestamp:  int64(frame) * 33333,
	}
}

func outputDescriptor(index uint32) buffers.Descriptor {
	return buffers.Descriptor{
		Type:       interfaces.BufferOutput,
		Index:      index,
		FD:         int32(2000 + index),
		DeviceAddr: 0x80000000 + uint64(index)<<23,
		Size:       8 << 20,
	}
}

func printDump(core *vidcore.Core) {
	b, err := core.Dump()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dump failed: %v\n", err)
		return
	}
	d, err := vidcore.DecodeDump(b)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dump decode failed: %v\n", err)
		return
	}
	fmt.Printf("core %s %s, %d bytes, %d sessions\n", d.State, d.SubState, len(b), len(d.Sessions))
	for _, s := range d.Sessions {
		fmt.Printf("  session %d %s %s %s load=%q frames=%d\n",
			s.ID, s.Domain, s.State, s.SubState, s.Load, s.Stats.Frames)
	}
}

// setupSignalHandling cancels ctx on interrupt.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Warn("Interrupted, shutting down")
		cancel()
	}()
}

func main() {
	cli := parseCLIFlags()
	if cli.help {
		printUsage()
		os.Exit(0)
	}
	if err := validateCLIConfig(cli); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}
	level, _ := logrus.ParseLevel(cli.logLevel)
	logrus.SetLevel(level)

	cfg, err := loadConfig(cli.configPath)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"path":     cli.configPath,
			"error":    err.Error(),
		}).Error("Failed to load configuration")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cli.timeout)
	defer cancel()
	setupSignalHandling(cancel)

	res, err := run(ctx, cli, cfg)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Error("Run failed")
		cancel()
		os.Exit(1)
	}
	fmt.Printf("%s: %d inputs, %d outputs in %v\n", cli.domain, res.Inputs, res.Outputs, res.Elapsed)
}
