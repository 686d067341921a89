// Package geometry provides the small set of 2D polygon primitives the
// odometry estimator needs: point-in-polygon containment, point-to-edge
// clearance, and disc/polygon clearance checks. Obstacle edge
// lists and bounding boxes are precomputed once at Plan load time so that
// every odometry update is O(edges) rather than re-deriving geometry per
// call, per the source's design notes.
package geometry

import "math"

// Point is a 2D point in millimetres.
type Point struct {
	X, Y float64
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y} }

// Add returns p + q.
func (p Point) Add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y} }

// Scale returns p scaled by s.
func (p Point) Scale(s float64) Point { return Point{p.X * s, p.Y * s} }

// Dot returns the dot product of p and q.
func (p Point) Dot(q Point) float64 { return p.X*q.X + p.Y*q.Y }

// Norm returns the Euclidean length of p.
func (p Point) Norm() float64 { return math.Hypot(p.X, p.Y) }

// BBox is an axis-aligned bounding box.
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// Contains reports whether pt lies within the bounding box (inclusive).
func (b BBox) Contains(pt Point) bool {
	return pt.X >= b.MinX && pt.X <= b.MaxX && pt.Y >= b.MinY && pt.Y <= b.MaxY
}

// Overlaps reports whether two bounding boxes intersect.
func (b BBox) Overlaps(o BBox) bool {
	return b.MinX <= o.MaxX && b.MaxX >= o.MinX && b.MinY <= o.MaxY && b.MaxY >= o.MinY
}

// Edge is a directed polygon edge with precomputed direction data.
type Edge struct {
	A, B Point

	// Tangent is the unit vector from A to B.
	Tangent Point

	// Normal is the unit vector perpendicular to Tangent, pointing to the
	// right of A->B. For a CCW-wound polygon this points outward.
	Normal Point

	Length float64
}

func newEdge(a, b Point) Edge {
	d := b.Sub(a)
	l := d.Norm()
	var t, n Point
	if l > 0 {
		t = Point{d.X / l, d.Y / l}
		n = Point{t.Y, -t.X}
	}
	return Edge{A: a, B: b, Tangent: t, Normal: n, Length: l}
}

// Polygon is a closed, precomputed 2D polygon.
type Polygon struct {
	Vertices []Point
	Edges    []Edge
	BBox     BBox
}

// NewPolygon precomputes edges and a bounding box for verts, which must be
// a closed polygon specified without repeating the first vertex.
func NewPolygon(verts []Point) Polygon {
	p := Polygon{Vertices: verts}
	if len(verts) < 3 {
		return p
	}
	p.Edges = make([]Edge, len(verts))
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i, v := range verts {
		j := (i + 1) % len(verts)
		p.Edges[i] = newEdge(v, verts[j])
		if v.X < minX {
			minX = v.X
		}
		if v.X > maxX {
			maxX = v.X
		}
		if v.Y < minY {
			minY = v.Y
		}
		if v.Y > maxY {
			maxY = v.Y
		}
	}
	p.BBox = BBox{minX, minY, maxX, maxY}
	return p
}

// SignedArea returns the signed area of the polygon; positive for CCW winding.
func (p Polygon) SignedArea() float64 {
	var sum float64
	n := len(p.Vertices)
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += p.Vertices[i].X*p.Vertices[j].Y - p.Vertices[j].X*p.Vertices[i].Y
	}
	return sum / 2
}

// Contains reports whether pt is inside the polygon using a ray-casting test.
// Points exactly on the boundary may resolve either way.
func (p Polygon) Contains(pt Point) bool {
	inside := false
	n := len(p.Vertices)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := p.Vertices[i], p.Vertices[j]
		if (vi.Y > pt.Y) != (vj.Y > pt.Y) {
			xIntersect := (vj.X-vi.X)*(pt.Y-vi.Y)/(vj.Y-vi.Y) + vi.X
			if pt.X < xIntersect {
				inside = !inside
			}
		}
	}
	return inside
}

// DistToSegment returns the distance from pt to the segment a-b and the
// closest point on the segment.
func DistToSegment(pt, a, b Point) (float64, Point) {
	d := b.Sub(a)
	l2 := d.Dot(d)
	if l2 == 0 {
		return pt.Sub(a).Norm(), a
	}
	t := pt.Sub(a).Dot(d) / l2
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	closest := a.Add(d.Scale(t))
	return pt.Sub(closest).Norm(), closest
}

// ClosestEdge returns the edge of p nearest to pt and the distance to it.
func (p Polygon) ClosestEdge(pt Point) (Edge, float64) {
	best := math.Inf(1)
	var bestEdge Edge
	for _, e := range p.Edges {
		d, _ := DistToSegment(pt, e.A, e.B)
		if d < best {
			best = d
			bestEdge = e
		}
	}
	return bestEdge, best
}

// Disc is a circular footprint used to model the robot for collision checks.
type Disc struct {
	Center Point
	Radius float64
}

// InsideRoomWithClearance reports whether the disc lies entirely within room,
// keeping at least clearance between the disc center and every room edge.
func InsideRoomWithClearance(room Polygon, center Point, clearance float64) bool {
	if !room.Contains(center) {
		return false
	}
	_, d := room.ClosestEdge(center)
	return d >= clearance
}

// ClearsObstacleWithClearance reports whether the disc, centered at center,
// avoids obstacle by at least clearance.
func ClearsObstacleWithClearance(obstacle Polygon, center Point, clearance float64) bool {
	if !obstacle.BBox.Contains(center) && !obstacle.Contains(center) {
		_, d := obstacle.ClosestEdge(center)
		if d >= clearance {
			return true
		}
		return false
	}
	if obstacle.Contains(center) {
		return false
	}
	_, d := obstacle.ClosestEdge(center)
	return d >= clearance
}
