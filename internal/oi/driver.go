package oi

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/roomba-teleop/internal/util"
)

// odomLagThreshold is the maximum time a decoded frame may sit unconsumed
// in the odometry queue before the driver treats the consumer as stuck and
// restarts the stream, spec §5.
const odomLagThreshold = 200 * time.Millisecond

// Config holds the serial port parameters for a Driver, spec §6.
type Config struct {
	Port    string
	Baud    int
	Timeout time.Duration
}

// openFunc abstracts serial.OpenPort so tests can substitute an in-memory
// pipe instead of a real device, the same seam comm.RemoteDevice exposes
// between TCP and serial transports.
type openFunc func(cfg Config) (io.ReadWriteCloser, error)

func defaultOpen(cfg Config) (io.ReadWriteCloser, error) {
	sc := &serial.Config{Name: cfg.Port, Baud: cfg.Baud, ReadTimeout: 200 * time.Millisecond}
	p, err := serial.OpenPort(sc)
	if err != nil {
		return nil, errors.Wrap(ErrPortUnavailable, err.Error())
	}
	return p, nil
}

// driveFrame is the last-sent drive command, used to coalesce duplicate
// frames (spec §4.F idempotence law).
type driveFrame struct {
	v, r  int16
	valid bool
}

// Driver owns an exclusive serial connection to the robot and serialises
// all byte-level I/O under a single mutex, per spec §4.B.
type Driver struct {
	cfg  Config
	open openFunc
	log  zerolog.Logger

	writeMu sync.Mutex
	port    io.ReadWriteCloser
	closed  bool

	lastDrive driveFrame

	streamMu    sync.Mutex
	streamGroup byte
	streamHz    float64
	streaming   bool
	cancel      context.CancelFunc
	restartCnt  int

	slotMu     sync.RWMutex
	latest     SensorSnapshot
	alive      bool
	lastUpdate time.Time
	lastErr    error

	subsMu sync.Mutex
	subs   []chan SensorSnapshot

	odom       *odomQueue
	restartReq chan struct{}
}

// NewDriver returns a Driver bound to cfg but not yet connected.
func NewDriver(cfg Config, log zerolog.Logger) *Driver {
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	return &Driver{cfg: cfg, open: defaultOpen, log: log, odom: newOdomQueue(), restartReq: make(chan struct{}, 1)}
}

// Connect opens the serial port. It is idempotent. Connect after Close
// returns ErrClosed: a closed Driver is permanently retired, spec §4.B.
func (d *Driver) Connect() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.port != nil {
		return nil
	}
	p, err := d.open(d.cfg)
	if err != nil {
		return err
	}
	d.port = p
	return nil
}

// Close stops any active stream and closes the serial port for good; the
// Driver cannot be reconnected afterward.
func (d *Driver) Close() error {
	d.StopSensorStream()
	d.odom.close()
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.closed = true
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

func (d *Driver) writeWithTimeout(b []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.port == nil {
		return ErrPortUnavailable
	}
	done := make(chan error, 1)
	go func() {
		_, err := d.port.Write(b)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(d.cfg.Timeout):
		return ErrWriteTimeout
	}
}

// Start sends the OI start opcode.
func (d *Driver) Start() error { return d.writeWithTimeout([]byte{opStart}) }

// SetMode sends the safe or full mode opcode.
func (d *Driver) SetMode(m Mode) error {
	switch m {
	case ModeSafe:
		return d.writeWithTimeout([]byte{opSafe})
	case ModeFull:
		return d.writeWithTimeout([]byte{opFull})
	default:
		return errors.New("oi: unsupported mode")
	}
}

// Drive encodes and sends a drive command, clamping velocity to ±500mm/s.
// Identical consecutive frames are coalesced (not re-sent).
func (d *Driver) Drive(velocityMMS, radiusMM float64) error {
	v := clampVelocity(velocityMMS)
	r := encodeRadius(radiusMM)
	vi := int16(v)
	if d.lastDrive.valid && d.lastDrive.v == vi && d.lastDrive.r == r {
		return nil
	}
	buf := make([]byte, 5)
	buf[0] = opDrive
	binary.BigEndian.PutUint16(buf[1:3], uint16(vi))
	binary.BigEndian.PutUint16(buf[3:5], uint16(r))
	if err := d.writeWithTimeout(buf); err != nil {
		return err
	}
	d.lastDrive = driveFrame{v: vi, r: r, valid: true}
	return nil
}

var velocityLimiter = util.Limiter{Min: -driveVelocityClampMMS, Max: driveVelocityClampMMS}

func clampVelocity(v float64) float64 {
	return velocityLimiter.Clamp(v)
}

// encodeRadius maps a radius in millimetres onto the OI's special-cased
// 16-bit wire values, preserving the specials verbatim.
func encodeRadius(r float64) int16 {
	switch {
	case r >= 32768 || r <= -32768:
		return DriveRadiusStraight
	case r == 1:
		return DriveRadiusCCWInPlace
	case r == -1:
		return DriveRadiusCWInPlace
	default:
		return int16(r)
	}
}

// Stop is Drive(0, straight).
func (d *Driver) Stop() error { return d.Drive(0, 32768) }

// Clean sends the clean opcode.
func (d *Driver) Clean() error { return d.writeWithTimeout([]byte{opClean}) }

// Dock sends the dock (seek-base) opcode.
func (d *Driver) Dock() error { return d.writeWithTimeout([]byte{opDock}) }

// PowerOff sends the power opcode.
func (d *Driver) PowerOff() error { return d.writeWithTimeout([]byte{opPower}) }

// RequestSensorGroup issues a one-shot QueryList (149) for a single packet
// id and returns the decoded snapshot. The QueryList reply is the packet's
// raw body only, with no [19][length][checksum] envelope around it (that
// envelope belongs to the Stream (148) path decoded by Decoder.ReadFrame);
// this reads the fixed number of bytes packetLength promises for group and
// decodes it directly.
func (d *Driver) RequestSensorGroup(group byte) (SensorSnapshot, error) {
	n, known := packetLength[group]
	if !known {
		return SensorSnapshot{}, errors.Errorf("oi: unsupported sensor packet id %d", group)
	}
	if err := d.writeWithTimeout([]byte{opQueryList, 1, group}); err != nil {
		return SensorSnapshot{}, err
	}
	d.writeMu.Lock()
	port := d.port
	d.writeMu.Unlock()
	if port == nil {
		return SensorSnapshot{}, ErrPortUnavailable
	}
	br := bufio.NewReader(port)
	body := make([]byte, n)
	if _, err := readFull(br, body); err != nil {
		return SensorSnapshot{}, err
	}
	var snap SensorSnapshot
	applyPacket(&snap, group, body)
	return snap, nil
}

// Latest returns the most recently published snapshot and its staleness info.
// The link counts as alive only while the reader has not marked it dead and
// the last frame arrived within 3x the stream period.
func (d *Driver) Latest() (SensorSnapshot, bool, time.Duration) {
	d.streamMu.Lock()
	hz := d.streamHz
	d.streamMu.Unlock()
	d.slotMu.RLock()
	defer d.slotMu.RUnlock()
	age := time.Since(d.lastUpdate)
	alive := d.alive && (hz <= 0 || age <= 3*time.Duration(float64(time.Second)/hz))
	snap := d.latest
	snap.LinkAlive = alive
	return snap, alive, age
}

// LastError returns the most recent stream error, if any.
func (d *Driver) LastError() error {
	d.slotMu.RLock()
	defer d.slotMu.RUnlock()
	return d.lastErr
}

// RestartCount returns the number of times the stream reader has
// self-healed by reopening the port.
func (d *Driver) RestartCount() int {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	return d.restartCnt
}

// Subscribe returns a best-effort broadcast channel receiving every
// decoded snapshot. The caller must keep reading to avoid blocking the
// reader; a full channel drops a frame here, and the single-slot Latest()
// path keeps only the newest frame. Neither is the odometry path: spec §5 forbids
// drops there, so the estimator consumes via NextOdometryFrame's dedicated
// unbounded queue instead of this channel.
func (d *Driver) Subscribe() <-chan SensorSnapshot {
	ch := make(chan SensorSnapshot, 8)
	d.subsMu.Lock()
	d.subs = append(d.subs, ch)
	d.subsMu.Unlock()
	return ch
}

// NextOdometryFrame blocks until a sensor snapshot is available on the
// no-drop odometry queue, the driver is closed, or ctx is done. Every
// frame published ever reaches here, in order; a consumer that falls more
// than odomLagThreshold behind triggers a stream restart via odomWatchdog
// instead of losing frames (spec §5).
func (d *Driver) NextOdometryFrame(ctx context.Context) (SensorSnapshot, time.Time, bool) {
	f, ok := d.odom.pop(ctx)
	return f.Snapshot, f.Enqueued, ok
}

func (d *Driver) publish(s SensorSnapshot) {
	d.slotMu.Lock()
	s.LinkAlive = true
	d.latest = s
	d.alive = true
	d.lastUpdate = time.Now()
	d.slotMu.Unlock()

	d.odom.push(s)

	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// forceRestart asks the stream reader to reopen the port on its next
// iteration. It is safe to call repeatedly; only one pending request is
// kept.
func (d *Driver) forceRestart() {
	select {
	case d.restartReq <- struct{}{}:
	default:
	}
}

// odomWatchdog polls the odometry queue's head age and forces a stream
// restart if the consumer has fallen more than odomLagThreshold behind,
// spec §5's back-pressure mechanism. It runs for the lifetime of one
// EnsureSensorStream generation, stopping when ctx is cancelled.
func (d *Driver) odomWatchdog(ctx context.Context) {
	ticker := time.NewTicker(odomLagThreshold / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if age, ok := d.odom.oldestAge(); ok && age > odomLagThreshold {
				d.log.Warn().Dur("lag", age).Int("queued", d.odom.depth()).Msg("oi: odometry consumer lagging past threshold, forcing stream restart")
				d.forceRestart()
			}
		}
	}
}

func (d *Driver) markDead(err error) {
	d.slotMu.Lock()
	d.alive = false
	d.lastErr = err
	d.slotMu.Unlock()
}

// EnsureSensorStream starts (or, if parameters differ, restarts) the
// background sensor-stream reader. It is idempotent when called again
// with the same group and rate.
func (d *Driver) EnsureSensorStream(group byte, hz float64) error {
	d.streamMu.Lock()
	if d.streaming && d.streamGroup == group && d.streamHz == hz {
		d.streamMu.Unlock()
		return nil
	}
	if d.streaming {
		d.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.streamGroup = group
	d.streamHz = hz
	d.streaming = true
	d.streamMu.Unlock()

	if err := d.writeWithTimeout([]byte{opStream, 1, group}); err != nil {
		return err
	}
	go d.readerLoop(ctx, group, hz)
	go d.odomWatchdog(ctx)
	return nil
}

// StopSensorStream halts the background reader, if any.
func (d *Driver) StopSensorStream() {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	if !d.streaming {
		return
	}
	d.writeWithTimeout([]byte{opPauseResume, 0})
	d.cancel()
	d.streaming = false
}

// readerLoop is the self-healing stream reader described in spec §4.B.
// No valid frame for N (default 5) stream periods, or a framing error,
// triggers a reopen of the port and a resubscription; an exponential
// back-off (100ms -> 1s) prevents the reopen loop from spinning hot.
func (d *Driver) readerLoop(ctx context.Context, group byte, hz float64) {
	const staleMultiplier = 5
	period := time.Duration(float64(time.Second) / hz)
	staleAfter := period * staleMultiplier

	back := &backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         time.Second,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	back.Reset()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.writeMu.Lock()
		port := d.port
		d.writeMu.Unlock()
		if port == nil {
			// a previous reopen failed; keep retrying under the back-off.
			d.markDead(ErrPortUnavailable)
			time.Sleep(back.NextBackOff())
			if err := d.Connect(); err != nil {
				d.markDead(err)
				continue
			}
			d.Start()
			d.SetMode(ModeSafe)
			d.writeWithTimeout([]byte{opStream, 1, group})
			continue
		}

		if d.streamOnce(ctx, port, staleAfter) {
			back.Reset()
			continue
		}

		// self-heal: reopen the port, restart the robot, resubscribe.
		d.log.Warn().Int("restart", d.bumpRestart()).Msg("oi: stream self-healing, reopening port")
		d.writeMu.Lock()
		if d.port != nil {
			d.port.Close()
			d.port = nil
		}
		d.writeMu.Unlock()

		time.Sleep(back.NextBackOff())

		if err := d.Connect(); err != nil {
			d.markDead(err)
			continue
		}
		d.Start()
		d.SetMode(ModeSafe)
		d.writeWithTimeout([]byte{opStream, 1, group})
	}
}

func (d *Driver) bumpRestart() int {
	d.streamMu.Lock()
	defer d.streamMu.Unlock()
	d.restartCnt++
	return d.restartCnt
}

// streamOnce reads frames until a terminal condition (stale link, framing
// exceeded, or port error) is hit, returning false when the caller should
// self-heal.
func (d *Driver) streamOnce(ctx context.Context, port io.ReadWriteCloser, staleAfter time.Duration) bool {
	br := bufio.NewReader(port)
	dec := NewDecoder()
	lastGood := time.Now()
	for {
		select {
		case <-ctx.Done():
			return true
		case <-d.restartReq:
			d.markDead(ErrOdometryLagExceeded)
			return false
		default:
		}
		snap, err := dec.ReadFrame(br)
		if err != nil {
			if errors.Cause(err) == ErrFramingExceeded {
				d.markDead(err)
				return false
			}
			if time.Since(lastGood) > staleAfter {
				d.markDead(err)
				return false
			}
			// transient read timeout with the link still fresh; keep trying.
			time.Sleep(5 * time.Millisecond)
			continue
		}
		lastGood = time.Now()
		d.publish(snap)
	}
}
