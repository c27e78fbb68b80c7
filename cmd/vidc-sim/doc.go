// Package main provides vidc-sim, a command-line driver that runs one video
// session end to end against the simulated firmware.
//
// # Usage
//
// Decode 30 frames of 1080p with the built-in defaults:
//
//	go run ./cmd/vidc-sim
//
// Encode with a configuration file and verbose logs:
//
//	go run ./cmd/vidc-sim -domain encoder -config vidc.yaml -log-level debug
//
// # Configuration Options
//
//   - -log-level: logrus level (default: info)
//   - -config: YAML configuration file (default: built-in defaults)
//   - -domain: decoder or encoder (default: decoder)
//   - -width, -height: frame size (default: 1920x1080)
//   - -frames: input frames to queue (default: 30)
//   - -buffers: buffers per port (default: 4)
//   - -timeout: overall run timeout (default: 30s)
//   - -dump: print a core dump summary after the drain
//
// # Workflow
//
//  1. Boot the simulated firmware and open a session
//  2. Stream on both ports and cycle buffers until every frame is processed
//  3. Drain and wait for the end of stream
//  4. Stream off, close and shut the core down
//
// # Exit Codes
//
//   - 0: the run completed
//   - 1: configuration error or run failure
package main
