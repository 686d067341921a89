package oi

// OI opcodes, spec §6.
const (
	opStart         byte = 128
	opBaud          byte = 129
	opSafe          byte = 131
	opFull          byte = 132
	opClean         byte = 135
	opPower         byte = 133
	opDrive         byte = 137
	opSensors       byte = 142
	opQueryList     byte = 149
	opStream        byte = 148
	opPauseResume   byte = 150
	opDock          byte = 143
)

// Stream packet header/checksum constants (spec §4.C).
const (
	streamHeader byte = 19
	maxResyncs   int  = 10
)

// Packet ids understood by the decoder, spec §6.
const (
	pktBumpsWheelDrops byte = 7
	pktWall            byte = 8
	pktCliffLeft       byte = 9
	pktCliffFrontLeft  byte = 10
	pktCliffFrontRight byte = 11
	pktCliffRight      byte = 12
	pktDistance        byte = 19
	pktAngle           byte = 20
	pktChargingState   byte = 21
	pktVoltage         byte = 22
	pktCurrent         byte = 23
	pktBatteryCharge   byte = 25
	pktBatteryCapacity byte = 26
	pktChargeSources   byte = 34
	pktOIMode          byte = 35
	pktEncoderLeft     byte = 43
	pktEncoderRight    byte = 44
)

// packetLength gives the fixed payload length (in bytes, excluding the id
// byte itself) of each packet id the decoder understands.
var packetLength = map[byte]int{
	pktBumpsWheelDrops: 1,
	pktWall:            1,
	pktCliffLeft:       1,
	pktCliffFrontLeft:  1,
	pktCliffFrontRight: 1,
	pktCliffRight:      1,
	pktDistance:        2,
	pktAngle:           2,
	pktChargingState:   1,
	pktVoltage:         2,
	pktCurrent:         2,
	pktBatteryCharge:   2,
	pktBatteryCapacity: 2,
	pktChargeSources:   1,
	pktOIMode:          1,
	pktEncoderLeft:     2,
	pktEncoderRight:    2,
}

// DriveRadiusStraight, DriveRadiusCWInPlace and DriveRadiusCCWInPlace are the
// OI's special-cased drive radius values (spec §4.B). DriveRadiusStraight is
// -32768 as a signed 16-bit word, the same bit pattern as the unsigned 32768
// the OI spec documents.
const (
	DriveRadiusStraight   int16   = -32768
	DriveRadiusCCWInPlace int16   = 1
	DriveRadiusCWInPlace  int16   = -1
	driveVelocityClampMMS float64 = 500
)
