// Package odometry integrates encoder (or one-frame distance/angle) data
// into a room-constrained pose estimate, persists it append-only, and
// applies fiducial-derived corrective snaps.
package odometry

import (
	"math"

	"github.com/nasa-jpl/roomba-teleop/internal/geometry"
	"github.com/nasa-jpl/roomba-teleop/internal/util"
)

// Pose is the robot's estimated position and heading in the room frame.
// Theta is always normalised to (-180, 180] on construction.
type Pose struct {
	XMM      float64 `json:"x_mm"`
	YMM      float64 `json:"y_mm"`
	ThetaDeg float64 `json:"theta_deg"`
}

// NewPose builds a Pose, normalising theta.
func NewPose(x, y, theta float64) Pose {
	return Pose{XMM: x, YMM: y, ThetaDeg: util.NormalizeDegrees(theta)}
}

// Point returns the (x, y) position as a geometry.Point.
func (p Pose) Point() geometry.Point { return geometry.Point{X: p.XMM, Y: p.YMM} }

// ThetaRad returns the heading in radians.
func (p Pose) ThetaRad() float64 { return p.ThetaDeg * math.Pi / 180 }

// shortestArcDeg returns the signed shortest angular distance from a to b,
// both in degrees, in (-180, 180].
func shortestArcDeg(a, b float64) float64 {
	return util.NormalizeDegrees(b - a)
}

// LerpPose linearly interpolates position by posBlend in [0,1] and takes
// the shortest angular arc for heading, scaled by thetaBlend in [0,1].
func LerpPose(from, to Pose, posBlend, thetaBlend float64) Pose {
	x := from.XMM + (to.XMM-from.XMM)*posBlend
	y := from.YMM + (to.YMM-from.YMM)*posBlend
	arc := shortestArcDeg(from.ThetaDeg, to.ThetaDeg)
	theta := from.ThetaDeg + arc*thetaBlend
	return NewPose(x, y, theta)
}
