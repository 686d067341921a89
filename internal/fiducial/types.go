// Package fiducial implements camera-based pose correction: ArUco marker
// detection (component H) and the single-marker / pair-mode snap target
// computation that feeds the odometry estimator (component E).
package fiducial

import (
	"time"

	"github.com/nasa-jpl/roomba-teleop/internal/geometry"
)

// MarkerObservation is one detected marker in a single camera frame, in
// image-pixel coordinates (spec §3).
type MarkerObservation struct {
	ID          int
	Corners     [4]geometry.Point
	Center      geometry.Point
	AreaPx      float64
	FrameWidth  int
	FrameHeight int
	Timestamp   time.Time
}

// Reasons a fiducial result can be unusable, spec §4.H.
const (
	ReasonIdle        = "idle"
	ReasonNoFrame     = "no_frame"
	ReasonDecodeFailed = "decode_failed"
)

func reasonUnsupportedDictionary(name string) string {
	return "unsupported_dictionary:" + name
}

func reasonDetectorError(msg string) string {
	return "detector_error:" + msg
}

// FiducialResult is the latest publication of the fiducial worker, spec §4.G/§4.H.
type FiducialResult struct {
	Enabled     bool
	OK          bool
	Reason      string
	Markers     []MarkerObservation
	FrameWidth  int
	FrameHeight int
	Timestamp   time.Time
}

// Stale reports whether r is older than threshold as of now.
func (r FiducialResult) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(r.Timestamp) > threshold
}
