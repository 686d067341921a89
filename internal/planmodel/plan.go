// Package planmodel loads and exposes the static room description: the
// room contour, obstacle polygons (already transformed to world
// coordinates), the start pose, and fiducial marker references. A Plan is
// immutable after load; Loader supports atomic hot-reload (spec §4.A).
package planmodel

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/nasa-jpl/roomba-teleop/internal/geometry"
)

// ErrPlanInvalid is returned when a plan document fails validation
// (spec §3 invariants, §7 PlanInvalid).
var ErrPlanInvalid = errors.New("planmodel: plan failed validation")

// Pose2D is a plain (x, y, theta) tuple as read from the plan document,
// kept separate from odometry.Pose to avoid an import cycle between the
// two leaf packages.
type Pose2D struct {
	XMM      float64 `json:"x_mm"`
	YMM      float64 `json:"y_mm"`
	ThetaDeg float64 `json:"theta_deg"`
}

// objectShapeDoc is a named, shape-local contour referenced by id from objects.
type objectShapeDoc struct {
	ID      string             `json:"shape_id"`
	Contour [][2]float64       `json:"contour"`
}

type objectDoc struct {
	ShapeID string  `json:"shape_id"`
	Pose    Pose2D  `json:"pose"`
}

type markerDoc struct {
	ID            int      `json:"id"`
	XMM           float64  `json:"x_mm"`
	YMM           float64  `json:"y_mm"`
	ThetaDeg      float64  `json:"theta_deg"`
	SizeMM        float64  `json:"size_mm"`
	SnapPoseXY    *[2]float64 `json:"snap_pose,omitempty"`
	FrontOffsetMM *float64 `json:"front_offset_mm,omitempty"`
}

// planDoc mirrors the on-disk JSON document shape, spec §6.
type planDoc struct {
	Unit         string           `json:"unit"`
	Contour      [][2]float64     `json:"contour"`
	StartPose    Pose2D           `json:"start_pose"`
	ObjectShapes []objectShapeDoc `json:"object_shapes"`
	Objects      []objectDoc      `json:"objects"`
	ArucoMarkers []markerDoc      `json:"aruco_markers"`
}

// Obstacle is an obstacle polygon already transformed into world
// coordinates, ready for collision checks.
type Obstacle struct {
	ShapeID string
	Pose    Pose2D
	World   geometry.Polygon
}

// Marker is a fiducial reference declared by the plan.
type Marker struct {
	ID            int
	XMM, YMM      float64
	ThetaDeg      float64
	SizeMM        float64
	SnapPose      *geometry.Point
	FrontOffsetMM *float64
}

// Plan is an immutable, loaded room description.
type Plan struct {
	Room      geometry.Polygon
	Obstacles []Obstacle
	Start     Pose2D
	MarkerRefs map[int]Marker
}

// RoomContour returns the room polygon.
func (p *Plan) RoomContour() geometry.Polygon { return p.Room }

// ObstaclePolygons returns the world-space obstacle polygons.
func (p *Plan) ObstaclePolygons() []geometry.Polygon {
	out := make([]geometry.Polygon, len(p.Obstacles))
	for i, o := range p.Obstacles {
		out[i] = o.World
	}
	return out
}

// StartPose returns the plan's declared start pose.
func (p *Plan) StartPose() Pose2D { return p.Start }

// Markers returns the marker references by id.
func (p *Plan) Markers() map[int]Marker { return p.MarkerRefs }

const defaultMarkerSizeMM = 150

// Load reads and validates a plan document from path.
func Load(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "planmodel: opening plan file")
	}
	defer f.Close()

	var doc planDoc
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return nil, errors.Wrap(ErrPlanInvalid, err.Error())
	}
	return fromDoc(doc)
}

func fromDoc(doc planDoc) (*Plan, error) {
	if len(doc.Contour) < 3 {
		return nil, errors.Wrap(ErrPlanInvalid, "room contour must have >= 3 vertices")
	}
	room := geometry.NewPolygon(toPoints(doc.Contour))

	shapes := make(map[string][]geometry.Point, len(doc.ObjectShapes))
	for _, s := range doc.ObjectShapes {
		shapes[s.ID] = toPoints(s.Contour)
	}

	obstacles := make([]Obstacle, 0, len(doc.Objects))
	for _, o := range doc.Objects {
		local, ok := shapes[o.ShapeID]
		if !ok {
			return nil, errors.Wrapf(ErrPlanInvalid, "object references unknown shape_id %q", o.ShapeID)
		}
		world := transform(local, o.Pose)
		poly := geometry.NewPolygon(world)
		if !partiallyInsideBBox(poly, room.BBox) {
			return nil, errors.Wrapf(ErrPlanInvalid, "obstacle with shape_id %q lies entirely outside the room bounding box", o.ShapeID)
		}
		obstacles = append(obstacles, Obstacle{ShapeID: o.ShapeID, Pose: o.Pose, World: poly})
	}

	markers := make(map[int]Marker, len(doc.ArucoMarkers))
	for _, m := range doc.ArucoMarkers {
		if _, dup := markers[m.ID]; dup {
			return nil, errors.Wrapf(ErrPlanInvalid, "duplicate marker id %d", m.ID)
		}
		size := m.SizeMM
		if size == 0 {
			size = defaultMarkerSizeMM
		}
		mk := Marker{ID: m.ID, XMM: m.XMM, YMM: m.YMM, ThetaDeg: m.ThetaDeg, SizeMM: size, FrontOffsetMM: m.FrontOffsetMM}
		if m.SnapPoseXY != nil {
			pt := geometry.Point{X: m.SnapPoseXY[0], Y: m.SnapPoseXY[1]}
			mk.SnapPose = &pt
		}
		markers[m.ID] = mk
	}

	return &Plan{Room: room, Obstacles: obstacles, Start: doc.StartPose, MarkerRefs: markers}, nil
}

func toPoints(raw [][2]float64) []geometry.Point {
	pts := make([]geometry.Point, len(raw))
	for i, v := range raw {
		pts[i] = geometry.Point{X: v[0], Y: v[1]}
	}
	return pts
}

func transform(local []geometry.Point, pose Pose2D) []geometry.Point {
	rad := pose.ThetaDeg * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	out := make([]geometry.Point, len(local))
	for i, p := range local {
		rx := p.X*cos - p.Y*sin
		ry := p.X*sin + p.Y*cos
		out[i] = geometry.Point{X: rx + pose.XMM, Y: ry + pose.YMM}
	}
	return out
}

func partiallyInsideBBox(poly geometry.Polygon, roomBBox geometry.BBox) bool {
	return poly.BBox.Overlaps(roomBBox)
}

// Loader owns the active Plan and can hot-reload it from disk when the
// underlying file changes, swapping it atomically so readers never observe
// a half-loaded plan. A failed reload leaves the previous plan active
// (spec §7 PlanInvalid).
type Loader struct {
	mu     sync.RWMutex
	path   string
	active *Plan
	log    zerolog.Logger
	watch  *fsnotify.Watcher
}

// NewLoader loads path once and returns a ready Loader.
func NewLoader(path string, log zerolog.Logger) (*Loader, error) {
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Loader{path: path, active: p, log: log}, nil
}

// Current returns the active plan.
func (l *Loader) Current() *Plan {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

// Reload re-reads the plan file, activating it only if valid.
func (l *Loader) Reload() error {
	p, err := Load(l.path)
	if err != nil {
		l.log.Warn().Err(err).Str("path", l.path).Msg("planmodel: reload rejected, keeping previous plan")
		return err
	}
	l.mu.Lock()
	l.active = p
	l.mu.Unlock()
	l.log.Info().Str("path", l.path).Msg("planmodel: plan reloaded")
	return nil
}

// WatchForChanges starts an fsnotify watch on the plan file and calls
// Reload on every write event, until stop is closed.
func (l *Loader) WatchForChanges(stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "planmodel: creating fsnotify watcher")
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return errors.Wrap(err, "planmodel: watching plan file")
	}
	l.watch = w
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					l.Reload()
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.log.Warn().Err(err).Msg("planmodel: fsnotify error")
			case <-stop:
				return
			}
		}
	}()
	return nil
}

// String renders basic plan stats, used for CLI diagnostics.
func (p *Plan) String() string {
	return fmt.Sprintf("Plan{room_verts=%d obstacles=%d markers=%d start=%+v}",
		len(p.Room.Vertices), len(p.Obstacles), len(p.MarkerRefs), p.Start)
}
