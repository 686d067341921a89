package odometry

import (
	"math"
	"sync"
	"time"

	"github.com/nasa-jpl/roomba-teleop/internal/geometry"
	"github.com/nasa-jpl/roomba-teleop/internal/oi"
	"github.com/nasa-jpl/roomba-teleop/internal/util"
)

// IntegrationSource selects which sensor fields drive pose integration.
type IntegrationSource string

// Recognised integration sources, spec §4.D / §6 (odometry_source).
const (
	IntegrationEncoders IntegrationSource = "encoders"
	IntegrationDistance IntegrationSource = "distance"
)

// Config holds the tunables of the estimator, spec §6.
type Config struct {
	Source             IntegrationSource
	MMPerTick          float64
	LinearScale        float64
	AngularScale       float64
	WheelbaseMM        float64
	RobotRadiusMM      float64
	CollisionMarginScale float64
}

// DefaultConfig returns reasonable defaults matching spec §8 scenario S1/S2.
func DefaultConfig() Config {
	return Config{
		Source:               IntegrationEncoders,
		MMPerTick:            0.445,
		LinearScale:          1,
		AngularScale:         1,
		WheelbaseMM:          235,
		RobotRadiusMM:        173,
		CollisionMarginScale: 1,
	}
}

// Estimator integrates robot motion into a room-constrained pose, one
// writer (the caller driving UpdateFromSensor/ApplySnap), many readers via
// Current(). All geometry is precomputed once from the active plan.
type Estimator struct {
	mu sync.RWMutex

	cfg Config

	room      geometry.Polygon
	obstacles []geometry.Polygon

	current    Pose
	lastSample *oi.EncoderSample
	lastRecord Record

	hist *History
}

// New constructs an Estimator seeded from startPose, or from the last
// history record in hist if one is present (spec §3 Lifecycle, §4.D
// Persistence, §8 scenario S5).
func New(cfg Config, room geometry.Polygon, obstacles []geometry.Polygon, startPose Pose, hist *History, lastRecord *Record) *Estimator {
	e := &Estimator{cfg: cfg, room: room, obstacles: obstacles, hist: hist, current: startPose}
	if lastRecord != nil {
		e.current = lastRecord.Pose
	}
	return e
}

// Current returns a consistent snapshot of the current pose.
func (e *Estimator) Current() Pose {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// LastRecord returns the most recently applied step, for telemetry.
func (e *Estimator) LastRecord() Record {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastRecord
}

// ResetTo overwrites the current pose without touching persisted history.
func (e *Estimator) ResetTo(p Pose) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = p
	e.lastSample = nil
}

// ResetHistory truncates the history file and adopts newPose as current.
func (e *Estimator) ResetHistory(newPose Pose) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.hist.Reset(newPose); err != nil {
		return err
	}
	e.current = newPose
	e.lastSample = nil
	e.lastRecord = Record{Pose: newPose, Source: SourceSnap, Timestamp: time.Now()}
	return nil
}

func (e *Estimator) clearance() float64 {
	return e.cfg.RobotRadiusMM * e.cfg.CollisionMarginScale
}

// clampStep applies the sliding-clamp collision policy of spec §4.D: a
// candidate step is accepted outright if it satisfies all constraints; if
// not, its component perpendicular to the nearest violated edge is
// discarded and the tangential remainder is re-checked; if that still
// violates, translation is clamped to zero for this step.
func (e *Estimator) clampStep(from geometry.Point, delta geometry.Point) geometry.Point {
	clearance := e.clearance()
	candidate := from.Add(delta)
	if e.satisfies(candidate, clearance) {
		return delta
	}

	edge, violated := e.nearestViolatedEdge(candidate, clearance)
	if !violated {
		// Shouldn't happen given satisfies() returned false, but fail closed.
		return geometry.Point{}
	}

	tangentialMag := delta.Dot(edge.Tangent)
	tangentialStep := edge.Tangent.Scale(tangentialMag)
	candidate2 := from.Add(tangentialStep)
	if e.satisfies(candidate2, clearance) {
		return tangentialStep
	}
	return geometry.Point{}
}

func (e *Estimator) satisfies(p geometry.Point, clearance float64) bool {
	if !geometry.InsideRoomWithClearance(e.room, p, clearance) {
		return false
	}
	for _, obs := range e.obstacles {
		if !geometry.ClearsObstacleWithClearance(obs, p, clearance) {
			return false
		}
	}
	return true
}

// nearestViolatedEdge returns the edge responsible for the nearest
// violation at p: the room boundary if p has left the room or is too
// close to it, else the nearest offending obstacle's edge.
func (e *Estimator) nearestViolatedEdge(p geometry.Point, clearance float64) (geometry.Edge, bool) {
	if !geometry.InsideRoomWithClearance(e.room, p, clearance) {
		edge, _ := e.room.ClosestEdge(p)
		return edge, true
	}
	for _, obs := range e.obstacles {
		if !geometry.ClearsObstacleWithClearance(obs, p, clearance) {
			edge, _ := obs.ClosestEdge(p)
			return edge, true
		}
	}
	return geometry.Edge{}, false
}

// integrate computes the raw (unclamped) linear/angular step implied by a
// sensor snapshot, without mutating estimator state.
func (e *Estimator) integrate(snap oi.SensorSnapshot) (linearMM, angularDeg float64) {
	switch e.cfg.Source {
	case IntegrationDistance:
		return snap.DistanceMM * e.cfg.LinearScale, snap.AngleDeg * e.cfg.AngularScale
	default: // IntegrationEncoders
		sample := oi.EncoderSample{Left: snap.LeftEncoderCounts, Right: snap.RightEncoderCounts, Timestamp: snap.Timestamp}
		if e.lastSample == nil {
			e.lastSample = &sample
			return 0, 0
		}
		dLeft := oi.EncoderDelta16(e.lastSample.Left, sample.Left)
		dRight := oi.EncoderDelta16(e.lastSample.Right, sample.Right)
		e.lastSample = &sample

		sL := float64(dLeft) * e.cfg.MMPerTick
		sR := float64(dRight) * e.cfg.MMPerTick
		linear := (sL + sR) / 2 * e.cfg.LinearScale
		angularRad := (sR - sL) / e.cfg.WheelbaseMM * e.cfg.AngularScale
		return linear, angularRad * 180 / math.Pi
	}
}

// UpdateFromSensor integrates one sensor snapshot into the pose, enforcing
// the room/obstacle collision constraint, and appends a history record.
// It returns the new pose and the (possibly clamped) step delta applied.
func (e *Estimator) UpdateFromSensor(snap oi.SensorSnapshot) (Pose, Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	linear, angularDeg := e.integrate(snap)

	deltaThetaRad := angularDeg * math.Pi / 180
	midHeadingRad := e.current.ThetaRad() + deltaThetaRad/2
	rawDelta := geometry.Point{X: linear * math.Cos(midHeadingRad), Y: linear * math.Sin(midHeadingRad)}

	applied := e.clampStep(e.current.Point(), rawDelta)
	newPos := e.current.Point().Add(applied)
	newPose := NewPose(newPos.X, newPos.Y, e.current.ThetaDeg+angularDeg)

	source := SourceEncoders
	if e.cfg.Source == IntegrationDistance {
		source = SourceDistance
	}
	rec := Record{
		Pose:      newPose,
		DX:        applied.X,
		DY:        applied.Y,
		DTheta:    shortestArcDeg(e.current.ThetaDeg, newPose.ThetaDeg),
		Source:    source,
		Timestamp: time.Now(),
	}
	e.current = newPose
	e.lastRecord = rec
	if err := e.hist.Append(rec); err != nil {
		return newPose, rec, err
	}
	return newPose, rec, nil
}

// ApplySnap blends the current pose toward target by posBlend/thetaBlend
// (spec §4.E), subjecting the resulting position to the same collision
// clamp as a normal integration step. ApplySnap(current, *, *) is a no-op.
func (e *Estimator) ApplySnap(target Pose, posBlend, thetaBlend float64) (Pose, Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	blended := LerpPose(e.current, target, posBlend, thetaBlend)
	rawDelta := blended.Point().Sub(e.current.Point())
	applied := e.clampStep(e.current.Point(), rawDelta)
	newPos := e.current.Point().Add(applied)
	newPose := NewPose(newPos.X, newPos.Y, blended.ThetaDeg)

	rec := Record{
		Pose:      newPose,
		DX:        applied.X,
		DY:        applied.Y,
		DTheta:    shortestArcDeg(e.current.ThetaDeg, newPose.ThetaDeg),
		Source:    SourceSnap,
		Timestamp: time.Now(),
	}
	e.current = newPose
	e.lastRecord = rec
	if err := e.hist.Append(rec); err != nil {
		return newPose, rec, err
	}
	return newPose, rec, nil
}

// Clamp01 constrains a blend factor to [0, 1], the domain spec §4.D/§4.E require.
func Clamp01(f float64) float64 { return util.Clamp(f, 0, 1) }
