package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/rs/zerolog"

	"github.com/nasa-jpl/roomba-teleop/internal/control"
	"github.com/nasa-jpl/roomba-teleop/internal/odometry"
	"github.com/nasa-jpl/roomba-teleop/internal/planmodel"
	"github.com/nasa-jpl/roomba-teleop/internal/telemetry"
)

// Server owns the HTTP mux exposing the control and telemetry channels of
// spec §6, plus plan-reload and health endpoints.
type Server struct {
	sessionFactory func() *control.Session
	broadcaster    *telemetry.Broadcaster
	plan           *planmodel.Loader
	estimator      *odometry.Estimator
	log            zerolog.Logger
}

// NewServer builds a Server. sessionFactory returns a fresh control.Session
// per connection (each operator channel gets its own rate limiter state).
func NewServer(sessionFactory func() *control.Session, broadcaster *telemetry.Broadcaster, plan *planmodel.Loader, estimator *odometry.Estimator, log zerolog.Logger) *Server {
	return &Server{sessionFactory: sessionFactory, broadcaster: broadcaster, plan: plan, estimator: estimator, log: log}
}

// BuildMux constructs the root chi router, mirroring the source tree's
// BuildMux convention.
func (s *Server) BuildMux() chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)

	root.Get("/healthz", s.handleHealthz)
	root.Get("/control", s.handleControl)
	root.Get("/telemetry", s.handleTelemetry)
	root.Post("/plan/reload", s.handlePlanReload)
	root.Post("/odometry/reset_history", s.handleResetHistory)

	return root
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handlePlanReload(w http.ResponseWriter, r *http.Request) {
	if err := s.plan.Reload(); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleResetHistory truncates the persisted odometry history and reseeds
// it at the estimator's current pose, the HTTP counterpart of the
// control channel's reset_history action (both recover from persisted-pose
// corruption without restarting the process).
func (s *Server) handleResetHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.estimator.ResetHistory(s.estimator.Current()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleControl upgrades to a WebSocket and runs one operator's command
// session until the connection closes or the driver reports Closed.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrade(w, r)
	if err != nil {
		s.log.Warn().Err(err).Msg("transport: control upgrade failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer conn.Close()

	session := s.sessionFactory()
	ctx := r.Context()
	for {
		op, payload, err := conn.readFrame()
		if err != nil {
			return
		}
		switch op {
		case opClose:
			return
		case opPing:
			conn.writePong(payload)
			continue
		case opPong:
			continue
		case opText:
		default:
			continue
		}

		cmd, err := control.DecodeCommand(payload)
		if err != nil {
			conn.WriteText([]byte(`{"error":"` + err.Error() + `"}`))
			continue
		}
		ack, err := session.Handle(ctx, cmd)
		if err != nil {
			if err == control.ErrSessionClosed {
				conn.WriteText([]byte(`{"error":"driver closed"}`))
				return
			}
			conn.WriteText([]byte(`{"error":"` + err.Error() + `"}`))
			continue
		}
		conn.WriteText([]byte(ack))
	}
}

// handleTelemetry upgrades to a WebSocket and streams telemetry snapshots
// until the connection closes.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrade(w, r)
	if err != nil {
		s.log.Warn().Err(err).Msg("transport: telemetry upgrade failed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer conn.Close()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, _, err := conn.readFrame()
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(snapshotWire(snap))
			if err != nil {
				continue
			}
			if err := conn.WriteText(b); err != nil {
				return
			}
		}
	}
}

type snapshotWireT struct {
	Sensor          interface{} `json:"sensor"`
	SensorAlive     bool        `json:"sensor_stream_alive"`
	SensorAgeMS     int64       `json:"sensor_stream_age_ms"`
	SensorLastError string      `json:"sensor_stream_last_error,omitempty"`
	Pose            interface{} `json:"pose"`
	StepDelta       interface{} `json:"step_delta"`
	Fiducial        interface{} `json:"fiducial"`
	TimestampUnixMS int64       `json:"timestamp_ms"`
}

func snapshotWire(s telemetry.Snapshot) snapshotWireT {
	return snapshotWireT{
		Sensor:          s.Sensor,
		SensorAlive:     s.SensorAlive,
		SensorAgeMS:     s.SensorAge.Milliseconds(),
		SensorLastError: s.SensorLastError,
		Pose:            s.Pose,
		StepDelta:       s.StepDelta,
		Fiducial:        s.Fiducial,
		TimestampUnixMS: s.Timestamp.UnixNano() / int64(time.Millisecond),
	}
}
