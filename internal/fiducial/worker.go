package fiducial

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"github.com/nasa-jpl/roomba-teleop/internal/camera"
)

// WorkerState is a state of the fiducial worker's state machine, spec §4.H.
type WorkerState string

// Recognised worker states.
const (
	StateDisabled     WorkerState = "disabled"
	StateWaitingFrame WorkerState = "waiting_frame"
	StateDetecting    WorkerState = "detecting"
	StatePublished    WorkerState = "published"
	StateFailed       WorkerState = "failed"
)

// Worker runs ArUco detection against the latest camera frame at a
// configured cadence and publishes a latest-wins FiducialResult.
type Worker struct {
	frames   camera.FrameSource
	detector Detector
	period   time.Duration
	log      zerolog.Logger

	mu      sync.RWMutex
	state   WorkerState
	result  FiducialResult
}

// NewWorker constructs a disabled worker; call Run to enable it.
func NewWorker(frames camera.FrameSource, detector Detector, period time.Duration, log zerolog.Logger) *Worker {
	return &Worker{frames: frames, detector: detector, period: period, log: log, state: StateDisabled}
}

// State returns the worker's current state-machine state.
func (w *Worker) State() WorkerState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Latest returns the most recently published result.
func (w *Worker) Latest() FiducialResult {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.result
}

func (w *Worker) setState(s WorkerState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) publish(r FiducialResult) {
	w.mu.Lock()
	w.result = r
	if r.OK {
		w.state = StatePublished
	} else {
		w.state = StateFailed
	}
	w.mu.Unlock()
}

// Run enables the worker and blocks, ticking at the configured period until
// ctx is cancelled. A no-frame-in-3x-period condition reports ok=false
// reason=no_frame (spec §6 Camera frame source).
func (w *Worker) Run(ctx context.Context) {
	w.setState(StateWaitingFrame)
	ticker := time.NewTicker(w.period)
	defer ticker.Stop()
	staleAfter := 3 * w.period

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(staleAfter)
		}
	}
}

func (w *Worker) tick(staleAfter time.Duration) {
	w.setState(StateWaitingFrame)
	frame, ok := w.frames.Latest()
	if !ok || time.Since(frame.Timestamp) > staleAfter {
		w.publish(FiducialResult{Enabled: true, OK: false, Reason: ReasonNoFrame, Timestamp: time.Now()})
		return
	}

	w.setState(StateDetecting)
	gray, err := decodeGray(frame.JPEG)
	if err != nil {
		w.publish(FiducialResult{Enabled: true, OK: false, Reason: ReasonDecodeFailed, Timestamp: time.Now()})
		return
	}
	defer gray.Close()

	obs, err := w.detector.Detect(gray, frame.Width, frame.Height, frame.Timestamp)
	if err != nil {
		w.publish(FiducialResult{Enabled: true, OK: false, Reason: reasonDetectorError(err.Error()), Timestamp: time.Now()})
		return
	}

	w.publish(FiducialResult{
		Enabled:     true,
		OK:          true,
		Markers:     obs,
		FrameWidth:  frame.Width,
		FrameHeight: frame.Height,
		Timestamp:   frame.Timestamp,
	})
}

func decodeGray(jpeg []byte) (gocv.Mat, error) {
	img := gocv.IMDecode(jpeg, gocv.IMReadGrayScale)
	if img.Empty() {
		return img, errDecode
	}
	return img, nil
}

var errDecode = imgDecodeError{}

type imgDecodeError struct{}

func (imgDecodeError) Error() string { return "fiducial: jpeg decode returned an empty image" }
