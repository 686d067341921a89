package planmodel

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/roomba-teleop/internal/geometry"
)

func samplePlanDoc() planDoc {
	return planDoc{
		Unit:      "mm",
		Contour:   [][2]float64{{0, 0}, {3000, 0}, {3000, 3000}, {0, 3000}},
		StartPose: Pose2D{XMM: 500, YMM: 500, ThetaDeg: 0},
		ObjectShapes: []objectShapeDoc{
			{ID: "crate", Contour: [][2]float64{{-50, -50}, {50, -50}, {50, 50}, {-50, 50}}},
		},
		Objects: []objectDoc{
			{ShapeID: "crate", Pose: Pose2D{XMM: 1000, YMM: 1000, ThetaDeg: 90}},
		},
		ArucoMarkers: []markerDoc{
			{ID: 1, XMM: 2000, YMM: 2000, ThetaDeg: 180, SizeMM: 150},
		},
	}
}

func writePlanFile(t *testing.T, doc planDoc) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.json")
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal plan doc: %v", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatalf("write plan file: %v", err)
	}
	return path
}

func TestFromDocBuildsRoomAndMarkers(t *testing.T) {
	plan, err := fromDoc(samplePlanDoc())
	if err != nil {
		t.Fatalf("fromDoc: %v", err)
	}
	if len(plan.Room.Vertices) != 4 {
		t.Errorf("room vertices = %d, want 4", len(plan.Room.Vertices))
	}
	if len(plan.Obstacles) != 1 {
		t.Fatalf("obstacles = %d, want 1", len(plan.Obstacles))
	}
	marker, ok := plan.MarkerRefs[1]
	if !ok {
		t.Fatal("marker id 1 missing")
	}
	if marker.SizeMM != 150 {
		t.Errorf("marker.SizeMM = %v, want 150", marker.SizeMM)
	}
}

func TestObstacleTransform90Degrees(t *testing.T) {
	plan, err := fromDoc(samplePlanDoc())
	if err != nil {
		t.Fatalf("fromDoc: %v", err)
	}
	// The crate's local corner (50,-50) rotated 90deg becomes (50,50) in the
	// rotated frame, then translated by the obstacle pose (1000,1000).
	world := plan.Obstacles[0].World.Vertices
	found := false
	for _, v := range world {
		if math.Abs(v.X-1050) < 1e-6 && math.Abs(v.Y-1050) < 1e-6 {
			found = true
		}
	}
	if !found {
		t.Errorf("world vertices = %+v, want one at (1050, 1050) after a 90deg rotation + translation", world)
	}
}

func TestMarkerDefaultsSize(t *testing.T) {
	doc := samplePlanDoc()
	doc.ArucoMarkers = append(doc.ArucoMarkers, markerDoc{ID: 2, XMM: 0, YMM: 0, ThetaDeg: 0})
	plan, err := fromDoc(doc)
	if err != nil {
		t.Fatalf("fromDoc: %v", err)
	}
	if plan.MarkerRefs[2].SizeMM != defaultMarkerSizeMM {
		t.Errorf("default SizeMM = %v, want %v", plan.MarkerRefs[2].SizeMM, defaultMarkerSizeMM)
	}
}

func TestMarkerSnapPoseParsed(t *testing.T) {
	doc := samplePlanDoc()
	doc.ArucoMarkers[0].SnapPoseXY = &[2]float64{1700, 2000}
	plan, err := fromDoc(doc)
	if err != nil {
		t.Fatalf("fromDoc: %v", err)
	}
	m := plan.MarkerRefs[1]
	if m.SnapPose == nil || *m.SnapPose != (geometry.Point{X: 1700, Y: 2000}) {
		t.Errorf("SnapPose = %+v, want {1700 2000}", m.SnapPose)
	}
}

func TestFromDocRejectsShortContour(t *testing.T) {
	doc := samplePlanDoc()
	doc.Contour = [][2]float64{{0, 0}, {1, 1}}
	if _, err := fromDoc(doc); err == nil {
		t.Error("expected rejection of a room contour with < 3 vertices")
	}
}

func TestFromDocRejectsUnknownShapeID(t *testing.T) {
	doc := samplePlanDoc()
	doc.Objects[0].ShapeID = "missing"
	if _, err := fromDoc(doc); err == nil {
		t.Error("expected rejection of an object referencing an unknown shape_id")
	}
}

func TestFromDocRejectsObstacleOutsideRoom(t *testing.T) {
	doc := samplePlanDoc()
	doc.Objects[0].Pose = Pose2D{XMM: 100000, YMM: 100000, ThetaDeg: 0}
	if _, err := fromDoc(doc); err == nil {
		t.Error("expected rejection of an obstacle entirely outside the room bbox")
	}
}

func TestFromDocRejectsDuplicateMarkerIDs(t *testing.T) {
	doc := samplePlanDoc()
	doc.ArucoMarkers = append(doc.ArucoMarkers, markerDoc{ID: 1, XMM: 1, YMM: 1})
	if _, err := fromDoc(doc); err == nil {
		t.Error("expected rejection of duplicate marker ids")
	}
}

func TestLoaderReloadKeepsPreviousPlanOnFailure(t *testing.T) {
	path := writePlanFile(t, samplePlanDoc())
	loader, err := NewLoader(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	original := loader.Current()

	if err := os.WriteFile(path, []byte("not json"), 0644); err != nil {
		t.Fatalf("corrupt plan file: %v", err)
	}
	if err := loader.Reload(); err == nil {
		t.Error("expected Reload to fail on an invalid document")
	}
	if loader.Current() != original {
		t.Error("Reload failure must keep the previously active plan")
	}
}

func TestLoaderReloadSwapsOnSuccess(t *testing.T) {
	path := writePlanFile(t, samplePlanDoc())
	loader, err := NewLoader(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	updated := samplePlanDoc()
	updated.StartPose = Pose2D{XMM: 42, YMM: 42, ThetaDeg: 0}
	b, _ := json.Marshal(updated)
	if err := os.WriteFile(path, b, 0644); err != nil {
		t.Fatalf("rewrite plan file: %v", err)
	}
	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := loader.Current().StartPose(); got.XMM != 42 {
		t.Errorf("StartPose after reload = %+v, want x_mm=42", got)
	}
}
