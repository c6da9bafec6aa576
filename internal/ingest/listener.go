// Package ingest receives the measurement streams over UDP: sweep pulses,
// inertial samples, latched device descriptions, and ground-truth
// correction samples. Each stream is newline-free JSON, one message per
// datagram.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/AvatarWorld/deepdive/internal/bundle"
	"github.com/AvatarWorld/deepdive/internal/monitoring"
)

// maxDatagram bounds one message; device descriptions with a full sensor
// array are the largest.
const maxDatagram = 65536

// Handlers receives decoded messages. Nil entries drop the stream.
type Handlers struct {
	Sweep      func(bundle.Sweep)
	IMU        func(IMUMessage)
	Device     func(DeviceMessage)
	Correction func(CorrectionMessage)
}

// UDPListener reads datagrams from one address and hands each to a decode
// function. Decode errors are counted and logged, never fatal.
type UDPListener struct {
	name        string
	address     string
	logInterval time.Duration
	decode      func([]byte) error
}

// NewUDPListener builds a listener with the given decode function.
func NewUDPListener(name, address string, decode func([]byte) error) *UDPListener {
	return &UDPListener{
		name:        name,
		address:     address,
		logInterval: time.Minute,
		decode:      decode,
	}
}

// Start listens until the context is cancelled. The socket is closed from
// a watcher goroutine so the blocking read unblocks promptly.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	monitoring.Logf("ingest: %s listening on %s", l.name, conn.LocalAddr())

	var received, dropped int64
	lastLog := time.Now()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read %s: %w", l.name, err)
		}
		received++
		if err := l.decode(buf[:n]); err != nil {
			dropped++
			monitoring.Logf("ingest: %s drop: %v", l.name, err)
		}
		if time.Since(lastLog) >= l.logInterval {
			monitoring.Logf("ingest: %s received=%d dropped=%d", l.name, received, dropped)
			lastLog = time.Now()
		}
	}
}

// Addr returns the configured listen address.
func (l *UDPListener) Addr() string { return l.address }

// SweepListener decodes sweep messages at address.
func SweepListener(address string, h Handlers) *UDPListener {
	return NewUDPListener("sweeps", address, func(b []byte) error {
		var s bundle.Sweep
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s.Tracker == "" || s.Lighthouse == "" {
			return fmt.Errorf("sweep missing tracker or lighthouse id")
		}
		if s.Axis != 0 && s.Axis != 1 {
			return fmt.Errorf("sweep axis %d out of range", s.Axis)
		}
		if h.Sweep != nil {
			h.Sweep(s)
		}
		return nil
	})
}

// IMUListener decodes inertial messages at address.
func IMUListener(address string, h Handlers) *UDPListener {
	return NewUDPListener("imu", address, func(b []byte) error {
		var m IMUMessage
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		if m.Tracker == "" {
			return fmt.Errorf("imu message missing tracker id")
		}
		if h.IMU != nil {
			h.IMU(m)
		}
		return nil
	})
}

// DeviceListener decodes latched device descriptions at address.
func DeviceListener(address string, h Handlers) *UDPListener {
	return NewUDPListener("devices", address, func(b []byte) error {
		var m DeviceMessage
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		if m.Tracker == nil && m.Lighthouse == nil {
			return fmt.Errorf("device message carries no description")
		}
		if h.Device != nil {
			h.Device(m)
		}
		return nil
	})
}

// CorrectionListener decodes ground-truth samples at address.
func CorrectionListener(address string, h Handlers) *UDPListener {
	return NewUDPListener("corrections", address, func(b []byte) error {
		var m CorrectionMessage
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		if h.Correction != nil {
			h.Correction(m)
		}
		return nil
	})
}
