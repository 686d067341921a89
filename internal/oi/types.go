// Package oi implements the iRobot Open Interface serial driver: command
// encoding, the continuous sensor-stream reader, packet decoding, and
// self-healing reconnection. It is the sole owner of the serial port.
package oi

import (
	"time"

	"github.com/pkg/errors"
)

// Sentinel errors for the driver's documented failure modes (spec §4.B, §7).
var (
	ErrPortUnavailable    = errors.New("oi: serial port unavailable")
	ErrWriteTimeout       = errors.New("oi: write timed out")
	ErrFramingExceeded    = errors.New("oi: too many consecutive framing resyncs")
	ErrDecoderInconsistent = errors.New("oi: sensor payload decoded to an inconsistent length")
	ErrClosed             = errors.New("oi: driver closed")
	ErrOdometryLagExceeded = errors.New("oi: odometry consumer lagged past threshold, stream restarted")
)

// Mode is an OI operating mode.
type Mode int

// Recognised OI modes.
const (
	ModeOff Mode = iota
	ModePassive
	ModeSafe
	ModeFull
)

// ChargingState is the decoded charging-state packet value (id 21).
type ChargingState struct {
	Code  byte
	Label string
}

var chargingStateLabels = map[byte]string{
	0: "not-charging",
	1: "reconditioning",
	2: "full",
	3: "trickle",
	4: "waiting",
	5: "fault",
}

func decodeChargingState(b byte) ChargingState {
	label, ok := chargingStateLabels[b]
	if !ok {
		label = "unknown"
	}
	return ChargingState{Code: b, Label: label}
}

// SensorSnapshot is a decoded, typed view of the robot's sensor state (spec §3).
// Fields not present in the most recently requested/streamed packet group
// retain their prior value, matching the OI's "last known good" semantics.
type SensorSnapshot struct {
	BatteryPercent float64
	BatteryMAh     uint16
	BatteryCapMAh  uint16
	Charging       ChargingState

	BumpLeft  bool
	BumpRight bool

	WheelDropLeft   bool
	WheelDropRight  bool
	WheelDropCaster bool

	CliffLeft      bool
	CliffFrontLeft bool
	CliffFrontRight bool
	CliffRight     bool

	WallSeen    bool
	DockVisible bool

	ChargingSourceInternal bool
	ChargingSourceHomeBase bool

	DistanceMM float64
	AngleDeg   float64

	TotalDistanceMM float64
	TotalAngleDeg   float64

	LeftEncoderCounts  uint16
	RightEncoderCounts uint16

	Mode Mode

	Timestamp time.Time

	// LinkAlive is true if the stream producing this snapshot is currently
	// considered healthy (updated within 3x the stream period).
	LinkAlive bool
}

// EncoderSample is a single (left, right) rolling-16-bit encoder reading.
type EncoderSample struct {
	Left      uint16
	Right     uint16
	Timestamp time.Time
}

// EncoderDelta16 computes the signed delta between two rolling 16-bit
// unsigned counters, correctly handling wraparound in either direction.
func EncoderDelta16(prev, cur uint16) int32 {
	d := int32(cur) - int32(prev)
	switch {
	case d > 32767:
		d -= 65536
	case d < -32768:
		d += 65536
	}
	return d
}
