// Package telemetry periodically assembles a combined snapshot of robot,
// odometry, and fiducial state and fans it out to subscribers (spec §4.G).
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/brandondube/ringo"
	"github.com/rs/zerolog"

	"github.com/nasa-jpl/roomba-teleop/internal/fiducial"
	"github.com/nasa-jpl/roomba-teleop/internal/odometry"
	"github.com/nasa-jpl/roomba-teleop/internal/oi"
	"github.com/nasa-jpl/roomba-teleop/internal/util"
)

// historyRoundingMM and historyRoundingDeg control the precision retained
// in RecentPoseHistory's ring buffers: plotting the raw floating-point pose
// adds noise a UI can't resolve anyway.
const historyRoundingMM = 0.1
const historyRoundingDeg = 0.1

// Snapshot is one published telemetry frame, spec §4.G / §6 Telemetry channel.
type Snapshot struct {
	Sensor          oi.SensorSnapshot
	SensorAlive     bool
	SensorAge       time.Duration
	SensorLastError string

	Pose      odometry.Pose
	StepDelta odometry.Record

	Fiducial fiducial.FiducialResult

	Timestamp time.Time
}

const subscriberQueueDepth = 16
const historyCapacity = 600 // 1 minute at the default 100ms interval

// Broadcaster assembles and fans out Snapshots at a fixed interval. It is
// the only component that reads both odometry and sensor state in one
// tick; it always takes locks in the order odometry -> sensors -> fiducial
// (spec §4.G) by virtue of calling Current()/Latest() in that sequence,
// none of which are held across the other's call.
type Broadcaster struct {
	driver    *oi.Driver
	estimator *odometry.Estimator
	worker    *fiducial.Worker
	interval  time.Duration
	log       zerolog.Logger

	subsMu sync.Mutex
	subs   []chan Snapshot

	histMu   sync.Mutex
	xHist    ringo.CircleF64
	yHist    ringo.CircleF64
	thetaHist ringo.CircleF64
	tHist    ringo.CircleTime
}

// New builds a Broadcaster; worker may be nil when fiducial snapping is disabled.
func New(driver *oi.Driver, estimator *odometry.Estimator, worker *fiducial.Worker, interval time.Duration, log zerolog.Logger) *Broadcaster {
	b := &Broadcaster{driver: driver, estimator: estimator, worker: worker, interval: interval, log: log}
	b.xHist.Init(historyCapacity)
	b.yHist.Init(historyCapacity)
	b.thetaHist.Init(historyCapacity)
	b.tHist.Init(historyCapacity)
	return b
}

// Subscribe returns a bounded channel of future snapshots. A slow
// subscriber that does not keep up is dropped once its queue overflows
// (spec §4.G).
func (b *Broadcaster) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, subscriberQueueDepth)
	b.subsMu.Lock()
	b.subs = append(b.subs, ch)
	b.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (b *Broadcaster) Unsubscribe(ch <-chan Snapshot) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for i, c := range b.subs {
		if c == ch {
			close(c)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// RecentPoseHistory returns the contiguous (x, y, theta, timestamp) samples
// recorded so far, least to most recent.
func (b *Broadcaster) RecentPoseHistory() (xs, ys, thetas []float64, ts []time.Time) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	return b.xHist.Contiguous(), b.yHist.Contiguous(), b.thetaHist.Contiguous(), b.tHist.Contiguous()
}

// Run ticks at the configured interval until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Broadcaster) tick() {
	pose := b.estimator.Current()
	delta := b.estimator.LastRecord()

	sensor, alive, age := b.driver.Latest()
	var lastErrStr string
	if err := b.driver.LastError(); err != nil {
		lastErrStr = err.Error()
	}

	var fidResult fiducial.FiducialResult
	if b.worker != nil {
		fidResult = b.worker.Latest()
	}

	snap := Snapshot{
		Sensor:          sensor,
		SensorAlive:     alive,
		SensorAge:       age,
		SensorLastError: lastErrStr,
		Pose:            pose,
		StepDelta:       delta,
		Fiducial:        fidResult,
		Timestamp:       time.Now(),
	}

	b.histMu.Lock()
	b.xHist.Append(util.Round(pose.XMM, historyRoundingMM))
	b.yHist.Append(util.Round(pose.YMM, historyRoundingMM))
	b.thetaHist.Append(util.Round(pose.ThetaDeg, historyRoundingDeg))
	b.tHist.Append(snap.Timestamp)
	b.histMu.Unlock()

	b.publish(snap)
}

func (b *Broadcaster) publish(snap Snapshot) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for i := 0; i < len(b.subs); i++ {
		select {
		case b.subs[i] <- snap:
		default:
			close(b.subs[i])
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			i--
		}
	}
}
