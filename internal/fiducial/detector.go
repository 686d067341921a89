package fiducial

import (
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gocv.io/x/gocv/contrib"

	"github.com/nasa-jpl/roomba-teleop/internal/geometry"
)

// Detector runs fiducial marker detection on a decoded grayscale frame.
type Detector interface {
	Detect(gray gocv.Mat, width, height int, ts time.Time) ([]MarkerObservation, error)
}

var dictionaryByName = map[string]contrib.ArucoDictionaryCode{
	"4x4_50":   contrib.ArucoDict4x4_50,
	"4x4_100":  contrib.ArucoDict4x4_100,
	"5x5_100":  contrib.ArucoDict5x5_100,
	"6x6_250":  contrib.ArucoDict6x6_250,
	"original": contrib.ArucoDictOriginal,
}

// ArucoDetector wraps gocv's contrib ArUco module for the dictionary
// configured at construction (aruco_dictionary, spec §6).
type ArucoDetector struct {
	dictName string
	dict     contrib.ArucoDictionary
	params   contrib.ArucoDetectorParameters
}

// NewArucoDetector builds a detector for the named dictionary, or an
// UnsupportedDictionary error if name is not recognised.
func NewArucoDetector(name string) (*ArucoDetector, error) {
	code, ok := dictionaryByName[name]
	if !ok {
		return nil, errors.New(reasonUnsupportedDictionary(name))
	}
	return &ArucoDetector{
		dictName: name,
		dict:     contrib.GetPredefinedDictionary(code),
		params:   contrib.NewArucoDetectorParameters(),
	}, nil
}

// Detect runs ArUco detection on gray and converts results to
// MarkerObservations in the caller's coordinate frame.
func (d *ArucoDetector) Detect(gray gocv.Mat, width, height int, ts time.Time) ([]MarkerObservation, error) {
	corners, ids, _ := contrib.DetectMarkers(gray, d.dict, d.params)

	out := make([]MarkerObservation, 0, len(ids))
	for i, id := range ids {
		pts := corners[i]
		if len(pts) != 4 {
			continue
		}
		var c [4]geometry.Point
		var cx, cy float64
		for j, p := range pts {
			c[j] = geometry.Point{X: float64(p.X), Y: float64(p.Y)}
			cx += float64(p.X)
			cy += float64(p.Y)
		}
		center := geometry.Point{X: cx / 4, Y: cy / 4}
		area := shoelaceArea(c)
		out = append(out, MarkerObservation{
			ID:          id,
			Corners:     c,
			Center:      center,
			AreaPx:      area,
			FrameWidth:  width,
			FrameHeight: height,
			Timestamp:   ts,
		})
	}
	return out, nil
}

func shoelaceArea(c [4]geometry.Point) float64 {
	var sum float64
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		sum += c[i].X*c[j].Y - c[j].X*c[i].Y
	}
	if sum < 0 {
		sum = -sum
	}
	return sum / 2
}
