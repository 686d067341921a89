package fiducial

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/roomba-teleop/internal/odometry"
	"github.com/nasa-jpl/roomba-teleop/internal/planmodel"
)

// SnapApplier consumes the fiducial worker's latest result and blends it
// into the odometry estimator (the "snap applier" task of spec §5).
// A SnapRejected condition (stale result, unknown marker, or a failed
// two-estimator distance) is logged once per signature and leaves odometry
// untouched, per spec §7.
type SnapApplier struct {
	worker        *Worker
	plan          *planmodel.Loader
	estimator     *odometry.Estimator
	cfg           Config
	staleThreshold time.Duration
	log           zerolog.Logger

	lastRejectReason string
}

// NewSnapApplier wires a worker's results into an estimator via plan marker references.
func NewSnapApplier(worker *Worker, plan *planmodel.Loader, estimator *odometry.Estimator, cfg Config, staleThreshold time.Duration, log zerolog.Logger) *SnapApplier {
	return &SnapApplier{worker: worker, plan: plan, estimator: estimator, cfg: cfg, staleThreshold: staleThreshold, log: log}
}

// Tick evaluates the worker's latest result once; the host invokes it on a
// timer at the fiducial period (spec §5 "Snap applier" task). It does not
// track which results it has already applied.
func (a *SnapApplier) Tick() {
	res := a.worker.Latest()
	if !res.OK {
		return
	}
	if res.Stale(time.Now(), a.staleThreshold) {
		a.reject("stale_detection")
		return
	}
	if len(res.Markers) == 0 {
		return
	}

	markers := a.plan.Current().Markers()

	usable := make([]MarkerObservation, 0, len(res.Markers))
	for _, m := range res.Markers {
		if _, ok := markers[m.ID]; ok {
			usable = append(usable, m)
		}
	}
	if len(usable) == 0 {
		a.reject("unknown_marker")
		return
	}

	var target odometry.Pose
	var rangeOK bool
	if len(usable) >= 2 {
		obsA, obsB, mA, mB, pairFound := SelectBestPair(markers, usable)
		if !pairFound {
			target, rangeOK = SingleMarkerTarget(markers[usable[0].ID], usable[0], a.cfg)
		} else {
			target, rangeOK = PairTarget(mA, mB, obsA, obsB, a.cfg)
		}
	} else {
		target, rangeOK = SingleMarkerTarget(markers[usable[0].ID], usable[0], a.cfg)
	}
	if !rangeOK {
		a.reject("no_valid_range_estimate")
		return
	}

	if _, _, err := a.estimator.ApplySnap(target, odometry.Clamp01(a.cfg.PoseBlend), odometry.Clamp01(a.cfg.ThetaBlend)); err != nil {
		a.log.Warn().Err(err).Msg("fiducial: apply_snap failed")
	}
}

func (a *SnapApplier) reject(reason string) {
	if a.lastRejectReason == reason {
		return
	}
	a.lastRejectReason = reason
	a.log.Warn().Str("reason", reason).Msg("fiducial: snap rejected")
}
