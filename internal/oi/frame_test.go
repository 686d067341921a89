package oi

import (
	"bufio"
	"bytes"
	"testing"
)

// buildFrame assembles a valid [header][length][payload...][checksum] frame.
func buildFrame(payload []byte) []byte {
	sum := streamHeader + byte(len(payload))
	for _, b := range payload {
		sum += b
	}
	checksum := byte(0) - sum
	frame := make([]byte, 0, len(payload)+3)
	frame = append(frame, streamHeader, byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, checksum)
	return frame
}

func TestReadFrameDecodesBumpsAndEncoders(t *testing.T) {
	payload := []byte{
		pktBumpsWheelDrops, 0x03, // both bumpers
		pktEncoderLeft, 0x01, 0x00, // 256
		pktEncoderRight, 0x02, 0x00, // 512
	}
	frame := buildFrame(payload)
	dec := NewDecoder()
	r := bufio.NewReader(bytes.NewReader(frame))
	snap, err := dec.ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !snap.BumpLeft || !snap.BumpRight {
		t.Errorf("BumpLeft=%v BumpRight=%v, want both true", snap.BumpLeft, snap.BumpRight)
	}
	if snap.LeftEncoderCounts != 256 || snap.RightEncoderCounts != 512 {
		t.Errorf("encoders = (%d, %d), want (256, 512)", snap.LeftEncoderCounts, snap.RightEncoderCounts)
	}
}

func TestReadFrameResyncsPastGarbage(t *testing.T) {
	payload := []byte{pktWall, 1}
	good := buildFrame(payload)
	var stream []byte
	stream = append(stream, 0xFF, 0xFE, 0xFD) // garbage preceding the real frame
	stream = append(stream, good...)

	dec := NewDecoder()
	r := bufio.NewReader(bytes.NewReader(stream))
	snap, err := dec.ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !snap.WallSeen {
		t.Error("WallSeen = false, want true after resyncing past garbage bytes")
	}
}

func TestReadFrameRejectsBadChecksum(t *testing.T) {
	payload := []byte{pktWall, 1}
	frame := buildFrame(payload)
	frame[len(frame)-1] ^= 0xFF // corrupt the checksum

	// Follow with enough additional garbage to exceed maxResyncs without a
	// recovering valid frame, so ReadFrame must report ErrFramingExceeded.
	var stream []byte
	stream = append(stream, frame...)
	for i := 0; i < maxResyncs+5; i++ {
		stream = append(stream, 0x00)
	}

	dec := NewDecoder()
	r := bufio.NewReader(bytes.NewReader(stream))
	_, err := dec.ReadFrame(r)
	if err != ErrFramingExceeded {
		t.Errorf("err = %v, want ErrFramingExceeded", err)
	}
}

func TestDecodePayloadRetainsPriorFields(t *testing.T) {
	dec := NewDecoder()
	r1 := bufio.NewReader(bytes.NewReader(buildFrame([]byte{pktBumpsWheelDrops, 0x01})))
	snap1, err := dec.ReadFrame(r1)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !snap1.BumpRight {
		t.Fatal("expected BumpRight set on first frame")
	}

	r2 := bufio.NewReader(bytes.NewReader(buildFrame([]byte{pktWall, 1})))
	snap2, err := dec.ReadFrame(r2)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !snap2.BumpRight {
		t.Error("BumpRight should be retained from the previous frame even though this group omits it")
	}
	if !snap2.WallSeen {
		t.Error("WallSeen should reflect the newly decoded packet")
	}
}

func TestEncodeRadiusSpecials(t *testing.T) {
	if got := encodeRadius(40000); got != DriveRadiusStraight {
		t.Errorf("encodeRadius(40000) = %v, want DriveRadiusStraight", got)
	}
	if got := encodeRadius(1); got != DriveRadiusCCWInPlace {
		t.Errorf("encodeRadius(1) = %v, want CCW in place", got)
	}
	if got := encodeRadius(-1); got != DriveRadiusCWInPlace {
		t.Errorf("encodeRadius(-1) = %v, want CW in place", got)
	}
	if got := encodeRadius(500); got != 500 {
		t.Errorf("encodeRadius(500) = %v, want 500", got)
	}
}

func TestClampVelocity(t *testing.T) {
	if got := clampVelocity(1000); got != driveVelocityClampMMS {
		t.Errorf("clampVelocity(1000) = %v, want %v", got, driveVelocityClampMMS)
	}
	if got := clampVelocity(-1000); got != -driveVelocityClampMMS {
		t.Errorf("clampVelocity(-1000) = %v, want %v", got, -driveVelocityClampMMS)
	}
	if got := clampVelocity(100); got != 100 {
		t.Errorf("clampVelocity(100) = %v, want 100", got)
	}
}
