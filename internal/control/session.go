package control

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/roomba-teleop/internal/odometry"
	"github.com/nasa-jpl/roomba-teleop/internal/oi"
)

// ErrSessionClosed is returned once the driver reports a fatal Closed
// condition; the caller must close the operator channel (spec §4.F).
var ErrSessionClosed = errors.New("control: session closed, driver unavailable")

const sensorStreamGroup = 100 // OI packet group 100: all sensor data
const sensorStreamHz = 20

// Session mediates one operator channel's commands into the OI driver,
// applying safety arbitration against the driver's latest sensor snapshot
// and rate-limiting outbound drive frames, spec §4.F / §5.
type Session struct {
	driver    *oi.Driver
	estimator *odometry.Estimator
	log       zerolog.Logger
	limiter   *rate.Limiter
}

// NewSession builds a Session bound to driver and estimator.
// maxCommandsPerSec throttles how often drive frames may be forwarded to
// the wire (spec §5 FIFO ordering per channel; throttling protects the
// serial link from a runaway operator loop).
func NewSession(driver *oi.Driver, estimator *odometry.Estimator, maxCommandsPerSec float64, log zerolog.Logger) *Session {
	return &Session{driver: driver, estimator: estimator, log: log, limiter: rate.NewLimiter(rate.Limit(maxCommandsPerSec), int(maxCommandsPerSec)+1)}
}

// Handle processes one decoded command and returns an ack/echo string for
// the operator channel, per spec §6 Control channel.
func (s *Session) Handle(ctx context.Context, cmd Command) (string, error) {
	switch cmd.Action {
	case ActionPing:
		return "pong", nil

	case ActionInit:
		if err := s.driver.Connect(); err != nil {
			return "", s.fatalize(err)
		}
		if err := s.driver.Start(); err != nil {
			return "", s.fatalize(err)
		}
		if err := s.driver.SetMode(oi.ModeSafe); err != nil {
			return "", s.fatalize(err)
		}
		if err := s.driver.EnsureSensorStream(sensorStreamGroup, sensorStreamHz); err != nil {
			return "", s.fatalize(err)
		}
		return "ack:init", nil

	case ActionMode:
		m := oi.ModeSafe
		if cmd.Mode == "full" {
			m = oi.ModeFull
		}
		if err := s.driver.SetMode(m); err != nil {
			return "", s.fatalize(err)
		}
		return "ack:mode:" + cmd.Mode, nil

	case ActionDrive:
		if !s.limiter.Allow() {
			return "ack:drive:throttled", nil
		}
		snap, _, _ := s.driver.Latest()
		v, r, rewritten := Arbitrate(snap, cmd.Velocity, cmd.Radius)
		if rewritten {
			if err := s.driver.Stop(); err != nil {
				return "", s.fatalize(err)
			}
			return "ack:drive:rewritten_stop", nil
		}
		if err := s.driver.Drive(v, r); err != nil {
			return "", s.fatalize(err)
		}
		return "ack:drive", nil

	case ActionResetHistory:
		if err := s.estimator.ResetHistory(s.estimator.Current()); err != nil {
			return "", err
		}
		return "ack:reset_history", nil

	case ActionStop:
		if err := s.driver.Stop(); err != nil {
			return "", s.fatalize(err)
		}
		return "ack:stop", nil

	case ActionClean:
		if err := s.driver.Clean(); err != nil {
			return "", s.fatalize(err)
		}
		return "ack:clean", nil

	case ActionDock:
		if err := s.driver.Dock(); err != nil {
			return "", s.fatalize(err)
		}
		return "ack:dock", nil

	default:
		return "", errors.Wrapf(ErrOperatorInvalid, "unhandled action %q", cmd.Action)
	}
}

func (s *Session) fatalize(err error) error {
	if errors.Cause(err) == oi.ErrClosed {
		s.log.Error().Err(err).Msg("control: driver closed, ending session")
		return ErrSessionClosed
	}
	return err
}
