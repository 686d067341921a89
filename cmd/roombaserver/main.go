package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	yml "github.com/go-yaml/yaml"
	"github.com/rs/zerolog"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/roomba-teleop/internal/camera"
	"github.com/nasa-jpl/roomba-teleop/internal/config"
	"github.com/nasa-jpl/roomba-teleop/internal/control"
	"github.com/nasa-jpl/roomba-teleop/internal/fiducial"
	"github.com/nasa-jpl/roomba-teleop/internal/logging"
	"github.com/nasa-jpl/roomba-teleop/internal/odometry"
	"github.com/nasa-jpl/roomba-teleop/internal/oi"
	"github.com/nasa-jpl/roomba-teleop/internal/planmodel"
	"github.com/nasa-jpl/roomba-teleop/internal/telemetry"
	"github.com/nasa-jpl/roomba-teleop/internal/transport"
	"github.com/nasa-jpl/roomba-teleop/internal/util"
)

// Version is injected via ldflags at build time.
var Version = "dev"

func root() {
	color.New(color.FgCyan, color.Bold).Println("roombaserver")
	fmt.Println(`teleoperation and live-monitoring server for a serial-connected Roomba

Usage:
	roombaserver <command>

Commands:
	run
	help
	mkconf
	conf
	version`)
}

func help() {
	fmt.Println(`roombaserver is configured via a YAML file (default roombaserver.yml).
Unset keys fall back to the built-in defaults. mkconf writes the current
defaults to disk so they can be edited in place.`)
}

func mkconf(path string) {
	if path == "" {
		path = "roombaserver.yml"
	}
	f, err := os.Create(path)
	if err != nil {
		fatal(1, "creating config file: %v", err)
	}
	defer f.Close()
	if err := yml.NewEncoder(f).Encode(config.Default()); err != nil {
		fatal(1, "encoding default config: %v", err)
	}
	fmt.Println("wrote", path)
}

func printconf(path string) {
	k, err := config.Load(path)
	if err != nil {
		fatal(1, "loading config: %v", err)
	}
	c, err := config.Unmarshal(k)
	if err != nil {
		fatal(1, "unmarshaling config: %v", err)
	}
	yml.NewEncoder(os.Stdout).Encode(c)
}

func pversion() {
	fmt.Printf("roombaserver version %s\n", Version)
}

func fatal(code int, format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

func run(path string) {
	k, err := config.Load(path)
	if err != nil {
		fatal(1, "loading config: %v", err)
	}
	cfg, err := config.Unmarshal(k)
	if err != nil {
		fatal(1, "unmarshaling config: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := logging.New("roombaserver", level)

	plan, err := planmodel.NewLoader(cfg.PlanPath, log)
	if err != nil {
		fatal(2, "plan invalid: %v", err)
	}

	hist, lastRecord, err := odometry.OpenHistory(cfg.OdometryHistoryPath)
	if err != nil {
		fatal(1, "opening odometry history: %v", err)
	}
	defer hist.Close()

	active := plan.Current()
	startPose := odometry.NewPose(active.StartPose().XMM, active.StartPose().YMM, active.StartPose().ThetaDeg)
	estCfg := odometry.Config{
		Source:               odometry.IntegrationSource(cfg.OdometrySource),
		MMPerTick:            cfg.OdometryMMPerTick,
		LinearScale:          cfg.OdometryLinearScale,
		AngularScale:         cfg.OdometryAngularScale,
		WheelbaseMM:          235,
		RobotRadiusMM:        cfg.OdometryRobotRadiusMM,
		CollisionMarginScale: cfg.OdometryCollisionMarginScale,
	}
	estimator := odometry.New(estCfg, active.RoomContour(), active.ObstaclePolygons(), startPose, hist, lastRecord)

	driver := oi.NewDriver(oi.Config{
		Port:    cfg.RoombaSerialPort,
		Baud:    cfg.RoombaBaudRate,
		Timeout: util.SecsToDuration(cfg.RoombaTimeoutSec),
	}, log)

	spinner, _ := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		Suffix:          " connecting to " + cfg.RoombaSerialPort,
		SuffixAutoColon: true,
	})
	if spinner != nil {
		spinner.Start()
	}
	if err := driver.Connect(); err != nil {
		if spinner != nil {
			spinner.StopFailMessage(err.Error())
			spinner.StopFail()
		}
		fatal(3, "port unavailable: %v", err)
	}
	if spinner != nil {
		spinner.StopMessage("connected")
		spinner.Stop()
	}
	driver.Start()
	driver.SetMode(oi.ModeSafe)
	driver.EnsureSensorStream(100, 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var worker *fiducial.Worker
	var applier *fiducial.SnapApplier
	if cfg.ArucoEnabled {
		frames := camera.NewSharedFrame()
		detector, err := fiducial.NewArucoDetector(cfg.ArucoDictionary)
		if err != nil {
			log.Warn().Err(err).Msg("fiducial disabled: unsupported dictionary")
		} else {
			worker = fiducial.NewWorker(frames, detector, util.SecsToDuration(cfg.ArucoIntervalSec), log)
			go worker.Run(ctx)
			if cfg.ArucoSnapEnabled {
				snapCfg := fiducial.Config{
					FocalPx:        cfg.ArucoFocalPx,
					DefaultSizeMM:  cfg.ArucoMarkerSizeCM * 10,
					HeadingGainDeg: cfg.ArucoHeadingGainDeg,
					PoseBlend:      cfg.ArucoPoseBlend,
					ThetaBlend:     cfg.ArucoThetaBlend,
				}
				stale := util.SecsToDuration(cfg.ArucoIntervalSec * cfg.ArucoStaleFactor)
				applier = fiducial.NewSnapApplier(worker, plan, estimator, snapCfg, stale, log)
				go runSnapApplier(ctx, applier, util.SecsToDuration(cfg.ArucoIntervalSec))
			}
		}
	}

	broadcaster := telemetry.New(driver, estimator, worker, util.SecsToDuration(cfg.TelemetryIntervalSec), log)
	go broadcaster.Run(ctx)

	go consumeSensorFrames(ctx, driver, estimator, log)

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := plan.WatchForChanges(stopWatch); err != nil {
		log.Warn().Err(err).Msg("plan hot-reload disabled")
	}

	sessionFactory := func() *control.Session {
		return control.NewSession(driver, estimator, cfg.MaxDriveCommandsPerSec, log)
	}
	srv := transport.NewServer(sessionFactory, broadcaster, plan, estimator, log)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.BuildMux()}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("roombaserver: listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("roombaserver: http server exited")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("roombaserver: shutting down")
	driver.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	shutdownErr := httpServer.Shutdown(shutdownCtx)
	cancel()
	closeErr := driver.Close()
	histErr := hist.Sync()
	if err := util.MergeErrors([]error{shutdownErr, closeErr, histErr}); err != nil {
		log.Warn().Err(err).Msg("roombaserver: shutdown reported errors")
	}
}

// consumeSensorFrames drains the driver's dedicated odometry queue, which
// never drops frames: back-pressure is handled by the driver itself
// (restarting the stream if this consumer falls behind), not by discarding
// data here, per spec §5.
func consumeSensorFrames(ctx context.Context, driver *oi.Driver, estimator *odometry.Estimator, log zerolog.Logger) {
	for {
		snap, _, ok := driver.NextOdometryFrame(ctx)
		if !ok {
			return
		}
		if _, _, err := estimator.UpdateFromSensor(snap); err != nil {
			log.Warn().Err(err).Msg("odometry: update_from_sensor failed")
		}
	}
}

func runSnapApplier(ctx context.Context, applier *fiducial.SnapApplier, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			applier.Tick()
		}
	}
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	cmd := strings.ToLower(args[1])
	var cfgPath string
	if len(args) > 2 {
		cfgPath = args[2]
	}
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf(cfgPath)
	case "conf":
		printconf(cfgPath)
	case "run":
		run(cfgPath)
	case "version":
		pversion()
	default:
		fatal(1, "unknown command %q", cmd)
	}
}
