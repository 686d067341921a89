package control

import "github.com/nasa-jpl/roomba-teleop/internal/oi"

// Arbitrate applies the bumper/wheel-drop/cliff safety rules of spec §4.F
// to a proposed drive command, rewriting it to a stop when the sensor state
// forbids the requested motion. The returned bool reports whether a
// rewrite occurred.
func Arbitrate(s oi.SensorSnapshot, velocity, radius float64) (v, r float64, rewritten bool) {
	if s.WheelDropLeft || s.WheelDropRight || s.WheelDropCaster ||
		s.CliffLeft || s.CliffFrontLeft || s.CliffFrontRight || s.CliffRight {
		return 0, 0, true
	}

	switch {
	case s.BumpLeft && s.BumpRight:
		if velocity < 0 {
			return velocity, radius, false
		}
		return 0, 0, true
	case s.BumpLeft:
		if velocity < 0 || radius < 0 {
			return velocity, radius, false
		}
		return 0, 0, true
	case s.BumpRight:
		if velocity < 0 || radius > 0 {
			return velocity, radius, false
		}
		return 0, 0, true
	default:
		return velocity, radius, false
	}
}
