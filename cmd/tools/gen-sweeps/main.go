// Command gen-sweeps streams a synthetic tracking session over UDP:
// device descriptions, sweep measurements for a body circling between
// two lighthouses, and matching ground-truth corrections. Useful for
// exercising deepdive-filter and deepdive-refine without hardware.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"math"
	"math/rand"
	"net"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/AvatarWorld/deepdive/internal/bundle"
	"github.com/AvatarWorld/deepdive/internal/geometry"
	"github.com/AvatarWorld/deepdive/internal/ingest"
)

var (
	pulseAddr      = flag.String("pulse", "127.0.0.1:6001", "sweep stream address")
	deviceAddr     = flag.String("device", "127.0.0.1:6003", "device stream address")
	correctionAddr = flag.String("correction", "127.0.0.1:6004", "correction stream address")
	serial         = flag.String("serial", "LHR-SIM", "tracker serial")
	duration       = flag.Duration("duration", 10*time.Second, "session length")
	noise          = flag.Float64("noise", 5e-4, "angle noise stddev (rad)")
	seed           = flag.Int64("seed", 1, "noise seed")
)

var sensors = []r3.Vec{
	{X: 0.08, Y: 0.02, Z: 0.01},
	{X: -0.07, Y: 0.05, Z: -0.02},
	{X: 0.03, Y: -0.08, Z: 0.02},
	{X: -0.04, Y: -0.04, Z: -0.03},
	{X: 0.06, Y: 0.07, Z: -0.01},
	{X: -0.08, Y: -0.01, Z: 0.03},
	{X: 0.01, Y: 0.08, Z: 0.02},
	{X: -0.02, Y: -0.06, Z: -0.02},
}

func main() {
	flag.Parse()
	rng := rand.New(rand.NewSource(*seed))

	pulse := dial(*pulseAddr)
	device := dial(*deviceAddr)
	correction := dial(*correctionAddr)
	defer pulse.Close()
	defer device.Close()
	defer correction.Close()

	lighthouses := map[string]geometry.Transform{
		"LHB-SIM1": {Pos: r3.Vec{Z: 0}, Rot: geometry.Identity().Rot},
		"LHB-SIM2": {Pos: r3.Vec{X: 1.5, Z: 0.2}, Rot: geometry.FromAxisAngle(r3.Vec{Y: -0.3})},
	}

	describeDevices(device, lighthouses)

	start := time.Now()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	epochs := 0
	for now := range ticker.C {
		t := now.Sub(start).Seconds()
		if now.Sub(start) > *duration {
			break
		}

		// Slow circle at constant height, yawing with the motion.
		body := geometry.Transform{
			Pos: r3.Vec{X: 0.5 * math.Cos(0.4*t), Y: 0.5 * math.Sin(0.4*t), Z: 2.0},
			Rot: geometry.FromAxisAngle(r3.Vec{Z: 0.4 * t}),
		}

		for lhSerial, pose := range lighthouses {
			for axis := 0; axis < 2; axis++ {
				s := bundle.Sweep{
					Tracker:    *serial,
					Lighthouse: lhSerial,
					Axis:       axis,
					Time:       now,
				}
				for id, pos := range sensors {
					ang := geometry.PredictedAngle(body, pos, pose, nil, axis, false)
					ang += rng.NormFloat64() * *noise
					s.Pulses = append(s.Pulses, bundle.Pulse{
						Sensor:   id,
						Angle:    ang,
						Duration: 1e-4,
					})
				}
				send(pulse, s)
			}
		}

		send(correction, ingest.CorrectionMessage{
			Time: now,
			Pose: body.Param6(),
		})

		epochs++
		if epochs%50 == 0 {
			log.Printf("%d epochs sent", epochs)
		}
	}
	log.Printf("done: %d epochs over %s", epochs, *duration)
}

func describeDevices(conn net.Conn, lighthouses map[string]geometry.Transform) {
	trk := ingest.TrackerDescription{
		Serial:           *serial,
		Frame:            "body",
		AccelScale:       ingest.Vec3{1, 1, 1},
		GyroScale:        ingest.Vec3{1, 1, 1},
		ImuFromTracking:  geometry.Identity().Param6(),
		TrackingFromHead: geometry.Identity().Param6(),
		BodyFromHead:     geometry.Identity().Param6(),
	}
	for _, p := range sensors {
		trk.Sensors = append(trk.Sensors, ingest.SensorDescription{
			Position: ingest.Vec3{p.X, p.Y, p.Z},
			Normal:   ingest.Vec3{0, 0, -1},
		})
	}
	send(conn, ingest.DeviceMessage{Tracker: &trk})

	for lhSerial, pose := range lighthouses {
		send(conn, ingest.DeviceMessage{
			Lighthouse: &ingest.LighthouseDescription{
				Serial: lhSerial,
				Pose:   pose.Param6(),
			},
		})
	}
}

func dial(addr string) net.Conn {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		log.Fatalf("failed to dial %s: %v", addr, err)
	}
	return conn
}

func send(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Fatalf("failed to marshal: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		log.Printf("send to %s failed: %v", conn.RemoteAddr(), err)
	}
}
