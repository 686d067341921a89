package telemetry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nasa-jpl/roomba-teleop/internal/geometry"
	"github.com/nasa-jpl/roomba-teleop/internal/odometry"
	"github.com/nasa-jpl/roomba-teleop/internal/oi"
)

func newTestEstimator(t *testing.T) *odometry.Estimator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hist.jsonl")
	hist, _, err := odometry.OpenHistory(path)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	t.Cleanup(func() { hist.Close() })
	room := geometry.NewPolygon([]geometry.Point{{0, 0}, {3000, 0}, {3000, 3000}, {0, 3000}})
	return odometry.New(odometry.DefaultConfig(), room, nil, odometry.NewPose(0, 0, 0), hist, nil)
}

func TestBroadcasterTickAssemblesSnapshot(t *testing.T) {
	driver := oi.NewDriver(oi.Config{Port: "unused"}, zerolog.Nop())
	b := New(driver, newTestEstimator(t), nil, 10*time.Millisecond, zerolog.Nop())
	ch := b.Subscribe()

	b.tick()

	select {
	case snap := <-ch:
		if snap.Timestamp.IsZero() {
			t.Error("snapshot Timestamp is zero")
		}
		if snap.SensorAlive {
			t.Error("SensorAlive should be false before the driver ever publishes")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a published snapshot")
	}
}

func TestBroadcasterDropsSlowSubscriberOnOverflow(t *testing.T) {
	driver := oi.NewDriver(oi.Config{Port: "unused"}, zerolog.Nop())
	b := New(driver, newTestEstimator(t), nil, 10*time.Millisecond, zerolog.Nop())
	ch := b.Subscribe()

	for i := 0; i < subscriberQueueDepth+5; i++ {
		b.tick()
	}

	b.subsMu.Lock()
	remaining := len(b.subs)
	b.subsMu.Unlock()
	if remaining != 0 {
		t.Errorf("subs remaining = %d, want 0 after overflowing a never-drained subscriber", remaining)
	}

	// The channel should have been closed by the overflow-drop path.
	drained := 0
	for range ch {
		drained++
	}
	if drained != subscriberQueueDepth {
		t.Errorf("drained %d buffered snapshots, want %d", drained, subscriberQueueDepth)
	}
}

func TestBroadcasterUnsubscribeClosesChannel(t *testing.T) {
	driver := oi.NewDriver(oi.Config{Port: "unused"}, zerolog.Nop())
	b := New(driver, newTestEstimator(t), nil, 10*time.Millisecond, zerolog.Nop())
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	b.subsMu.Lock()
	remaining := len(b.subs)
	b.subsMu.Unlock()
	if remaining != 0 {
		t.Errorf("subs remaining = %d, want 0 after Unsubscribe", remaining)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}
}

func TestBroadcasterRecentPoseHistory(t *testing.T) {
	driver := oi.NewDriver(oi.Config{Port: "unused"}, zerolog.Nop())
	b := New(driver, newTestEstimator(t), nil, 10*time.Millisecond, zerolog.Nop())
	b.tick()
	b.tick()
	xs, ys, thetas, ts := b.RecentPoseHistory()
	if len(xs) != 2 || len(ys) != 2 || len(thetas) != 2 || len(ts) != 2 {
		t.Errorf("history lengths = (%d, %d, %d, %d), want all 2 after two ticks", len(xs), len(ys), len(thetas), len(ts))
	}
}
