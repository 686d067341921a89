package fiducial

import (
	"math"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/roomba-teleop/internal/geometry"
	"github.com/nasa-jpl/roomba-teleop/internal/odometry"
	"github.com/nasa-jpl/roomba-teleop/internal/planmodel"
	"github.com/nasa-jpl/roomba-teleop/internal/util"
)

// ErrSnapRejected is the SnapRejected error kind of spec §7: the fiducial
// result was unusable (unknown marker, both distance estimators invalid, or
// a stale detection).
var ErrSnapRejected = errors.New("fiducial: snap rejected")

// areaAnchorRef and rangeAnchorRefMM are the calibration constants of
// spec §4.E: a marker of size 150mm presents area_px = 3253 at its
// reference range.
const (
	areaAnchorRef    = 3253
	rangeAnchorRefMM = 150
	distFallbackGain = 0.18
	minRangeMM       = 70
	maxRangeMM       = 2500
)

// Config holds the snap-tuning values of spec §6.
type Config struct {
	FocalPx        float64
	DefaultSizeMM  float64
	HeadingGainDeg float64
	PoseBlend      float64
	ThetaBlend     float64
}

// areaAnchor returns the calibration area for a marker of the given size.
func areaAnchor(sizeMM float64) float64 {
	ratio := sizeMM / rangeAnchorRefMM
	return areaAnchorRef * ratio * ratio
}

// rangeAnchor returns the calibrated reference distance (d0) for a marker:
// the distance from marker to its declared snap_pose, if one is configured
// (the installer measures the real parking distance at calibration time),
// else the generic size-based default of spec §4.E.
func rangeAnchor(m planmodel.Marker) float64 {
	if m.SnapPose != nil {
		markerPos := geometry.Point{X: m.XMM, Y: m.YMM}
		d := m.SnapPose.Sub(markerPos).Norm()
		if d > 0 {
			return d
		}
	}
	return rangeAnchorRefMM * (m.SizeMM / rangeAnchorRefMM)
}

func markerAxis(m planmodel.Marker) geometry.Point {
	if m.SnapPose != nil {
		markerPos := geometry.Point{X: m.XMM, Y: m.YMM}
		d := m.SnapPose.Sub(markerPos)
		if n := d.Norm(); n > 0 {
			return geometry.Point{X: d.X / n, Y: d.Y / n}
		}
	}
	rad := m.ThetaDeg * math.Pi / 180
	return geometry.Point{X: math.Cos(rad), Y: math.Sin(rad)}
}

// shapeMetrics returns shape_cos (foreshortening ratio, clamped [0.08,1])
// and shape_yaw_deg (skew between the marker's top and bottom edges) for a
// detected quadrilateral. Corners are assumed ordered around the perimeter
// (ArUco convention: top-left, top-right, bottom-right, bottom-left).
func shapeMetrics(c [4]geometry.Point) (shapeCos, shapeYawDeg float64) {
	top := c[1].Sub(c[0])
	bottom := c[2].Sub(c[3])
	left := c[3].Sub(c[0])
	right := c[2].Sub(c[1])

	avgW := (top.Norm() + bottom.Norm()) / 2
	avgH := (left.Norm() + right.Norm()) / 2
	if avgW == 0 || avgH == 0 {
		return 1, 0
	}
	small, large := avgW, avgH
	if large < small {
		small, large = large, small
	}
	shapeCos = util.Clamp(small/large, 0.08, 1)

	angleTop := math.Atan2(top.Y, top.X)
	angleBottom := math.Atan2(bottom.Y, bottom.X)
	shapeYawDeg = util.NormalizeDegrees((angleBottom - angleTop) * 180 / math.Pi)
	return shapeCos, shapeYawDeg
}

// estimateRange implements the spec §4.E distance estimate: the area-based
// calibration with a fallback to the focal-length relation when area is
// unreliable, foreshortening-corrected and clamped to [70, 2500] mm. The
// second return is false when both the area estimator (AreaPx == 0) and
// its focal-length fallback (observed edge == 0) are invalid; per spec §8
// that boundary case must be rejected, not clamped to a fabricated minimum
// range.
func estimateRange(m planmodel.Marker, obs MarkerObservation, focalPx float64, shapeCos float64) (float64, bool) {
	var d float64
	if obs.AreaPx > 0 {
		d = rangeAnchor(m) * math.Sqrt(areaAnchor(m.SizeMM)/obs.AreaPx)
	} else {
		observedEdge := observedEdgePx(obs.Corners)
		if observedEdge <= 0 {
			return 0, false
		}
		d = focalPx * m.SizeMM / observedEdge * distFallbackGain
	}
	d *= math.Sqrt(shapeCos)
	return util.Clamp(d, minRangeMM, maxRangeMM), true
}

func observedEdgePx(c [4]geometry.Point) float64 {
	top := c[1].Sub(c[0]).Norm()
	bottom := c[2].Sub(c[3]).Norm()
	return (top + bottom) / 2
}

// proximity is area_px / area_anchor clamped to [0,1], used to damp the
// image-offset and shape-yaw heading corrections as the robot nears the marker.
func proximity(m planmodel.Marker, obs MarkerObservation) float64 {
	anchor := areaAnchor(m.SizeMM)
	if anchor == 0 {
		return 0
	}
	return util.Clamp(obs.AreaPx/anchor, 0, 1)
}

// SingleMarkerTarget computes the target pose for one detection of a known
// plan marker (spec §4.E single-marker mode). The second return is false
// when the marker's distance cannot be estimated (spec §8: both the area
// and focal-length fallback estimators are invalid), in which case the
// pose is not meaningful and must not be applied.
func SingleMarkerTarget(m planmodel.Marker, obs MarkerObservation, cfg Config) (odometry.Pose, bool) {
	shapeCos, shapeYawDeg := shapeMetrics(obs.Corners)
	d, ok := estimateRange(m, obs, cfg.FocalPx, shapeCos)
	if !ok {
		return odometry.Pose{}, false
	}

	axis := markerAxis(m)
	markerPos := geometry.Point{X: m.XMM, Y: m.YMM}
	target := markerPos.Add(axis.Scale(d))

	baseHeading := math.Atan2(-axis.Y, -axis.X) * 180 / math.Pi
	prox := proximity(m, obs)

	var imageOffsetTerm float64
	if obs.FrameWidth > 0 {
		imageOffsetTerm = (float64(obs.Center.X)/float64(obs.FrameWidth) - 0.5) * cfg.HeadingGainDeg * (0.2 * (1 - prox))
	}
	shapeYawTerm := shapeYawDeg * (0.33 * (1 - 0.5*prox))

	theta := baseHeading + imageOffsetTerm + shapeYawTerm
	return odometry.NewPose(target.X, target.Y, theta), true
}

// pairScore implements the spec §4.E pair-selection score.
func pairScore(areaSum, pixelDist float64) float64 {
	return areaSum + 120*pixelDist
}

// PairTarget computes the target pose from two detections of distinct known
// plan markers (spec §4.E pair mode). The second return is false when
// neither the pinhole pair-separation estimate nor the area estimate is
// valid (spec §8), mirroring SingleMarkerTarget's reject signal.
func PairTarget(mA, mB planmodel.Marker, obsA, obsB MarkerObservation, cfg Config) (odometry.Pose, bool) {
	posA := geometry.Point{X: mA.XMM, Y: mA.YMM}
	posB := geometry.Point{X: mB.XMM, Y: mB.YMM}
	worldSep := posB.Sub(posA).Norm()

	t := posB.Sub(posA)
	if n := t.Norm(); n > 0 {
		t = geometry.Point{X: t.X / n, Y: t.Y / n}
	}
	n1 := geometry.Point{X: -t.Y, Y: t.X}
	n2 := geometry.Point{X: t.Y, Y: -t.X}

	axisA := markerAxis(mA)
	axisB := markerAxis(mB)
	avgAxis := geometry.Point{X: (axisA.X + axisB.X) / 2, Y: (axisA.Y + axisB.Y) / 2}

	n := n1
	if n2.Dot(avgAxis) > n1.Dot(avgAxis) {
		n = n2
	}

	pixelSep := obsB.Center.Sub(obsA.Center).Norm()

	var dPinhole float64
	if pixelSep > 0 {
		dPinhole = cfg.FocalPx * worldSep / pixelSep
	}

	shapeCosA, _ := shapeMetrics(obsA.Corners)
	shapeCosB, _ := shapeMetrics(obsB.Corners)
	dAreaValid := obsA.AreaPx > 0 && obsB.AreaPx > 0
	var dArea float64
	if dAreaValid {
		dA, _ := estimateRange(mA, obsA, cfg.FocalPx, shapeCosA)
		dB, _ := estimateRange(mB, obsB, cfg.FocalPx, shapeCosB)
		dArea = (dA + dB) / 2
	}

	if dPinhole <= 0 && !dAreaValid {
		return odometry.Pose{}, false
	}

	var dPair float64
	switch {
	case dPinhole > 0 && dAreaValid:
		dPair = 0.85*dPinhole + 0.15*dArea
	case dPinhole > 0:
		dPair = dPinhole
	default:
		dPair = dArea
	}
	dPair = util.Clamp(dPair, minRangeMM, maxRangeMM)

	midpoint := geometry.Point{X: (posA.X + posB.X) / 2, Y: (posA.Y + posB.Y) / 2}
	target := midpoint.Add(n.Scale(dPair))
	heading := math.Atan2(-n.Y, -n.X) * 180 / math.Pi

	return odometry.NewPose(target.X, target.Y, heading), true
}

// SelectBestPair scans obs for the highest-scoring pair of detections that
// both reference known markers, per spec §4.E.
func SelectBestPair(markers map[int]planmodel.Marker, obs []MarkerObservation) (a, b MarkerObservation, mA, mB planmodel.Marker, ok bool) {
	var bestScore float64
	found := false
	for i := 0; i < len(obs); i++ {
		mi, okI := markers[obs[i].ID]
		if !okI {
			continue
		}
		for j := i + 1; j < len(obs); j++ {
			mj, okJ := markers[obs[j].ID]
			if !okJ {
				continue
			}
			score := pairScore(obs[i].AreaPx+obs[j].AreaPx, obs[i].Center.Sub(obs[j].Center).Norm())
			if !found || score > bestScore {
				bestScore = score
				a, b, mA, mB = obs[i], obs[j], mi, mj
				found = true
			}
		}
	}
	return a, b, mA, mB, found
}
