package oi

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakePort is an in-memory io.ReadWriteCloser standing in for the serial
// device, mirroring the openFunc seam's stated purpose.
type fakePort struct {
	mu     sync.Mutex
	writes [][]byte
	read   bytes.Buffer
	closed bool
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), p...)
	f.writes = append(f.writes, cp)
	return len(p), nil
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read.Read(p)
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

func newTestDriver(t *testing.T, port *fakePort) *Driver {
	t.Helper()
	d := NewDriver(Config{Port: "test", Baud: 115200, Timeout: time.Second}, zerolog.Nop())
	d.open = func(cfg Config) (io.ReadWriteCloser, error) {
		return port, nil
	}
	return d
}

func TestDriverConnectIsIdempotent(t *testing.T) {
	port := &fakePort{}
	d := newTestDriver(t, port)
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := d.Connect(); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
}

func TestDriverStartAndSetMode(t *testing.T) {
	port := &fakePort{}
	d := newTestDriver(t, port)
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := port.lastWrite(); len(got) != 1 || got[0] != opStart {
		t.Errorf("last write = %v, want [opStart]", got)
	}
	if err := d.SetMode(ModeSafe); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if got := port.lastWrite(); len(got) != 1 || got[0] != opSafe {
		t.Errorf("last write = %v, want [opSafe]", got)
	}
}

func TestDriverDriveCoalescesIdenticalFrames(t *testing.T) {
	port := &fakePort{}
	d := newTestDriver(t, port)
	d.Connect()

	if err := d.Drive(200, 500); err != nil {
		t.Fatalf("Drive: %v", err)
	}
	writesAfterFirst := len(port.writes)

	if err := d.Drive(200, 500); err != nil {
		t.Fatalf("Drive (repeat): %v", err)
	}
	if len(port.writes) != writesAfterFirst {
		t.Errorf("identical consecutive Drive frames should be coalesced, got %d new writes", len(port.writes)-writesAfterFirst)
	}

	if err := d.Drive(100, 500); err != nil {
		t.Fatalf("Drive (changed): %v", err)
	}
	if len(port.writes) != writesAfterFirst+1 {
		t.Error("a changed Drive frame must be sent")
	}
}

func TestDriverWriteWithoutConnectFails(t *testing.T) {
	d := NewDriver(Config{Port: "test"}, zerolog.Nop())
	if err := d.Start(); err != ErrPortUnavailable {
		t.Errorf("err = %v, want ErrPortUnavailable", err)
	}
}

func TestDriverSubscribeReceivesPublishedSnapshots(t *testing.T) {
	port := &fakePort{}
	d := newTestDriver(t, port)
	ch := d.Subscribe()
	snap := SensorSnapshot{BumpLeft: true}
	d.publish(snap)
	select {
	case got := <-ch:
		if !got.BumpLeft {
			t.Error("published snapshot lost its BumpLeft field")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published snapshot")
	}
	_, alive, _ := d.Latest()
	if !alive {
		t.Error("Latest() alive = false after a publish")
	}
}

func TestDriverCloseIsPermanent(t *testing.T) {
	port := &fakePort{}
	d := newTestDriver(t, port)
	if err := d.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Connect(); err != ErrClosed {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
	if err := d.Start(); err != ErrClosed {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}

func TestDriverNextOdometryFrameNeverDropsBehindABroadcastStall(t *testing.T) {
	port := &fakePort{}
	d := newTestDriver(t, port)

	// A Subscribe() consumer that never reads would have its cap-8 channel
	// overflow and drop; the odometry path must still see every frame.
	d.Subscribe()

	const n = 20
	for i := 0; i < n; i++ {
		d.publish(SensorSnapshot{DistanceMM: float64(i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	seen := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		snap, _, ok := d.NextOdometryFrame(ctx)
		if !ok {
			t.Fatalf("NextOdometryFrame: closed early at frame %d", i)
		}
		seen = append(seen, snap.DistanceMM)
	}
	for i, v := range seen {
		if v != float64(i) {
			t.Errorf("odometry frame %d = %v, want %v (frames must arrive in order, undropped)", i, v, i)
		}
	}
}

func TestDriverNextOdometryFrameUnblocksOnClose(t *testing.T) {
	port := &fakePort{}
	d := newTestDriver(t, port)
	d.Connect()

	done := make(chan struct{})
	go func() {
		_, _, ok := d.NextOdometryFrame(context.Background())
		if ok {
			t.Error("NextOdometryFrame returned ok=true after Close with no pending frames")
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	d.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NextOdometryFrame did not unblock after Close")
	}
}

func TestOdomWatchdogForcesRestartOnStuckConsumer(t *testing.T) {
	d := newTestDriver(t, &fakePort{})
	d.publish(SensorSnapshot{})

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go d.odomWatchdog(ctx)

	select {
	case <-d.restartReq:
	case <-time.After(time.Second):
		t.Fatal("odomWatchdog never requested a restart for a stuck consumer")
	}
}

func TestRequestSensorGroupDecodesUnenvelopedReply(t *testing.T) {
	port := &fakePort{}
	d := newTestDriver(t, port)
	d.Connect()

	// QueryList's reply for packet id 19 (distance, s16) is just the raw
	// 2-byte body, with no [19][len][checksum] stream envelope around it.
	port.read.Write([]byte{0x00, 0x0A}) // +10mm

	snap, err := d.RequestSensorGroup(pktDistance)
	if err != nil {
		t.Fatalf("RequestSensorGroup: %v", err)
	}
	if snap.DistanceMM != 10 {
		t.Errorf("DistanceMM = %v, want 10", snap.DistanceMM)
	}
}

func TestRequestSensorGroupRejectsUnknownPacketID(t *testing.T) {
	port := &fakePort{}
	d := newTestDriver(t, port)
	d.Connect()
	if _, err := d.RequestSensorGroup(0xFF); err == nil {
		t.Error("expected an error for an unknown packet id")
	}
}

func TestDriverLatestReflectsMarkDead(t *testing.T) {
	port := &fakePort{}
	d := newTestDriver(t, port)
	d.publish(SensorSnapshot{})
	d.markDead(ErrFramingExceeded)
	_, alive, _ := d.Latest()
	if alive {
		t.Error("alive = true after markDead, want false")
	}
	if d.LastError() != ErrFramingExceeded {
		t.Errorf("LastError() = %v, want ErrFramingExceeded", d.LastError())
	}
}
