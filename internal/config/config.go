// Package config defines the flat, koanf-driven configuration structure of
// spec §6 and the defaults/precedence rules used by the CLI host.
package config

import (
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/pkg/errors"
)

// Config is the process-wide, flat set of named tunables (spec §6).
type Config struct {
	TelemetryIntervalSec float64 `koanf:"telemetry_interval_sec"`

	RoombaSerialPort string  `koanf:"roomba_serial_port"`
	RoombaBaudRate   int     `koanf:"roomba_baudrate"`
	RoombaTimeoutSec float64 `koanf:"roomba_timeout_sec"`

	OdometrySource               string  `koanf:"odometry_source"`
	OdometryMMPerTick            float64 `koanf:"odometry_mm_per_tick"`
	OdometryLinearScale          float64 `koanf:"odometry_linear_scale"`
	OdometryAngularScale         float64 `koanf:"odometry_angular_scale"`
	OdometryRobotRadiusMM        float64 `koanf:"odometry_robot_radius_mm"`
	OdometryCollisionMarginScale float64 `koanf:"odometry_collision_margin_scale"`
	OdometryHistoryPath          string  `koanf:"odometry_history_path"`

	ArucoEnabled        bool    `koanf:"aruco_enabled"`
	ArucoIntervalSec    float64 `koanf:"aruco_interval_sec"`
	ArucoDictionary     string  `koanf:"aruco_dictionary"`
	ArucoSnapEnabled    bool    `koanf:"aruco_snap_enabled"`
	ArucoFocalPx        float64 `koanf:"aruco_focal_px"`
	ArucoMarkerSizeCM   float64 `koanf:"aruco_marker_size_cm"`
	ArucoPoseBlend      float64 `koanf:"aruco_pose_blend"`
	ArucoThetaBlend     float64 `koanf:"aruco_theta_blend"`
	ArucoHeadingGainDeg float64 `koanf:"aruco_heading_gain_deg"`
	ArucoStaleFactor    float64 `koanf:"aruco_stale_factor"`

	PlanPath               string  `koanf:"plan_path"`
	HTTPAddr               string  `koanf:"http_addr"`
	MaxDriveCommandsPerSec float64 `koanf:"max_drive_commands_per_sec"`
	LogLevel               string  `koanf:"log_level"`
}

// Default returns the recognised defaults, spec §6.
func Default() Config {
	return Config{
		TelemetryIntervalSec: 0.1,

		RoombaSerialPort: "/dev/ttyUSB0",
		RoombaBaudRate:   115200,
		RoombaTimeoutSec: 1,

		OdometrySource:               "encoders",
		OdometryMMPerTick:            0.445,
		OdometryLinearScale:          1,
		OdometryAngularScale:         1,
		OdometryRobotRadiusMM:        173,
		OdometryCollisionMarginScale: 1,
		OdometryHistoryPath:          "odometry_history.jsonl",

		ArucoEnabled:        false,
		ArucoIntervalSec:    0.5,
		ArucoDictionary:     "4x4_50",
		ArucoSnapEnabled:    false,
		ArucoFocalPx:        700,
		ArucoMarkerSizeCM:   15,
		ArucoPoseBlend:      0.35,
		ArucoThetaBlend:     0.2,
		ArucoHeadingGainDeg: 15,
		ArucoStaleFactor:    2,

		PlanPath:               "plan.json",
		HTTPAddr:               ":8080",
		MaxDriveCommandsPerSec: 20,
		LogLevel:               "info",
	}
}

const configFileName = "roombaserver.yml"

// Load builds the koanf registry seeded with defaults, then overlays a YAML
// file at path (configFileName if empty) if one exists, matching
// cmd/multiserver's setupconfig pattern.
func Load(path string) (*koanf.Koanf, error) {
	if path == "" {
		path = configFileName
	}
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "config: loading defaults")
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such file") {
			return nil, errors.Wrapf(err, "config: loading %s", path)
		}
	}
	return k, nil
}

// Unmarshal decodes k into a Config.
func Unmarshal(k *koanf.Koanf) (Config, error) {
	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, errors.Wrap(err, "config: unmarshaling")
	}
	return c, nil
}
