package oi

import (
	"bufio"
	"encoding/binary"
	"time"
)

// Decoder turns a continuous byte stream of OI sensor-stream packets into
// SensorSnapshot values. A packet is [header=19][length L][L payload
// bytes][checksum], where the 8-bit sum of every byte in the frame
// (including header, length and checksum) is zero mod 256.
//
// The decoder is a small explicit state machine, not time-based framing:
// while hunting for a header, non-header bytes are discarded one at a time.
// Once a header byte is found, the whole candidate frame (length, payload
// and checksum) is consumed before it is checked, so a frame that fails its
// checksum or names an unknown packet id is dropped as a unit; the bytes
// inside it are not rescanned for a later header.
type Decoder struct {
	last           SensorSnapshot
	haveLast       bool
	consecutiveBad int
}

// NewDecoder returns a ready-to-use Decoder seeded with zero-valued fields.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// ConsecutiveResyncs reports how many resyncs have happened in a row since
// the last successfully decoded frame.
func (d *Decoder) ConsecutiveResyncs() int { return d.consecutiveBad }

// ReadFrame reads and decodes exactly one valid frame from r, resyncing
// past bad bytes as needed. It returns ErrFramingExceeded if maxResyncs
// consecutive resyncs occur without finding a valid frame.
func (d *Decoder) ReadFrame(r *bufio.Reader) (SensorSnapshot, error) {
	for {
		h, err := r.ReadByte()
		if err != nil {
			return SensorSnapshot{}, err
		}
		if h != streamHeader {
			d.resync()
			if d.consecutiveBad >= maxResyncs {
				return SensorSnapshot{}, ErrFramingExceeded
			}
			continue
		}

		length, err := r.ReadByte()
		if err != nil {
			return SensorSnapshot{}, err
		}

		payload := make([]byte, length)
		if _, err := readFull(r, payload); err != nil {
			return SensorSnapshot{}, err
		}

		checksum, err := r.ReadByte()
		if err != nil {
			return SensorSnapshot{}, err
		}

		sum := h + length + checksum
		for _, b := range payload {
			sum += b
		}
		if sum != 0 {
			d.resync()
			if d.consecutiveBad >= maxResyncs {
				return SensorSnapshot{}, ErrFramingExceeded
			}
			continue
		}

		snap, ok := d.decodePayload(payload)
		if !ok {
			d.resync()
			if d.consecutiveBad >= maxResyncs {
				return SensorSnapshot{}, ErrFramingExceeded
			}
			continue
		}

		d.consecutiveBad = 0
		snap.Timestamp = time.Now()
		d.last = snap
		d.haveLast = true
		return snap, nil
	}
}

func (d *Decoder) resync() {
	d.consecutiveBad++
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		b, err := r.ReadByte()
		if err != nil {
			return n, err
		}
		buf[n] = b
		n++
	}
	return n, nil
}

// decodePayload walks the concatenated [id][bytes...] packets in payload,
// applying them onto the last known snapshot so that packet ids absent
// from this particular group retain their previous value.
func (d *Decoder) decodePayload(payload []byte) (SensorSnapshot, bool) {
	snap := d.last
	i := 0
	for i < len(payload) {
		id := payload[i]
		n, known := packetLength[id]
		if !known {
			return snap, false
		}
		if i+1+n > len(payload) {
			return snap, false
		}
		body := payload[i+1 : i+1+n]
		applyPacket(&snap, id, body)
		i += 1 + n
	}
	return snap, true
}

func applyPacket(snap *SensorSnapshot, id byte, body []byte) {
	switch id {
	case pktBumpsWheelDrops:
		b := body[0]
		snap.BumpRight = b&0x01 != 0
		snap.BumpLeft = b&0x02 != 0
		snap.WheelDropRight = b&0x04 != 0
		snap.WheelDropLeft = b&0x08 != 0
		snap.WheelDropCaster = b&0x10 != 0
	case pktWall:
		snap.WallSeen = body[0] != 0
	case pktCliffLeft:
		snap.CliffLeft = body[0] != 0
	case pktCliffFrontLeft:
		snap.CliffFrontLeft = body[0] != 0
	case pktCliffFrontRight:
		snap.CliffFrontRight = body[0] != 0
	case pktCliffRight:
		snap.CliffRight = body[0] != 0
	case pktDistance:
		v := int16(binary.BigEndian.Uint16(body))
		snap.DistanceMM = float64(v)
		snap.TotalDistanceMM += float64(v)
	case pktAngle:
		v := int16(binary.BigEndian.Uint16(body))
		snap.AngleDeg = float64(v)
		snap.TotalAngleDeg += float64(v)
	case pktChargingState:
		snap.Charging = decodeChargingState(body[0])
	case pktVoltage:
		// voltage decoded but not currently surfaced on SensorSnapshot
		_ = binary.BigEndian.Uint16(body)
	case pktCurrent:
		_ = int16(binary.BigEndian.Uint16(body))
	case pktBatteryCharge:
		snap.BatteryMAh = binary.BigEndian.Uint16(body)
		if snap.BatteryCapMAh > 0 {
			snap.BatteryPercent = 100 * float64(snap.BatteryMAh) / float64(snap.BatteryCapMAh)
		}
	case pktBatteryCapacity:
		snap.BatteryCapMAh = binary.BigEndian.Uint16(body)
		if snap.BatteryCapMAh > 0 {
			snap.BatteryPercent = 100 * float64(snap.BatteryMAh) / float64(snap.BatteryCapMAh)
		}
	case pktChargeSources:
		b := body[0]
		snap.ChargingSourceInternal = b&0x01 != 0
		snap.ChargingSourceHomeBase = b&0x02 != 0
	case pktOIMode:
		snap.Mode = Mode(body[0])
	case pktEncoderLeft:
		snap.LeftEncoderCounts = binary.BigEndian.Uint16(body)
	case pktEncoderRight:
		snap.RightEncoderCounts = binary.BigEndian.Uint16(body)
	}
}
