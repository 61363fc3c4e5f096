package main

import (
	"io"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/lericson/oblam-deskew/internal/config"
	"github.com/lericson/oblam-deskew/internal/deskew"
	"github.com/lericson/oblam-deskew/internal/imu"
	"github.com/lericson/oblam-deskew/internal/ingest"
	"github.com/lericson/oblam-deskew/internal/pipeline"
	"github.com/lericson/oblam-deskew/internal/sim"
)

// loadConfig reads path, or returns the built-in defaults when path is empty.
func loadConfig(path string) (*config.DeskewConfig, error) {
	if path == "" {
		return config.DefaultDeskewConfig(), nil
	}
	return config.LoadDeskewConfig(path)
}

func bufferConfig(cfg *config.DeskewConfig, onViolation func(error)) ingest.Config {
	return ingest.Config{
		WarmupSkip:          cfg.GetWarmupSkip(),
		BufferWarnLen:       cfg.GetBufferWarnLen(),
		OnOrderingViolation: onViolation,
	}
}

// workerConfig maps the file config onto the worker. Sink and Recorder are
// left for the caller.
func workerConfig(cfg *config.DeskewConfig) pipeline.WorkerConfig {
	return pipeline.WorkerConfig{
		Propagator: imu.Propagator{
			Gravity:   cfg.GetGravity(),
			GyroBias:  cfg.GetGyroBias(),
			AccelBias: cfg.GetAccelBias(),
		},
		Deskewer: &deskew.Deskewer{
			Extrinsic: cfg.GetExtrinsic(),
			Workers:   cfg.GetDeskewWorkers(),
		},
		MinInertialSamples: cfg.GetMinInertialSamples(),
		CoverageMargin:     cfg.GetCoverageMargin(),
		MaxCoverageRetries: cfg.GetMaxCoverageRetries(),
		PollInterval:       cfg.GetPollInterval(),
		TargetFrame:        cfg.GetTargetFrame(),
		DistortedFrame:     cfg.GetDistortedFrame(),
		PublishDistorted:   cfg.GetPublishDistorted(),
	}
}

// syntheticScenario builds a simulation whose sensor errors match cfg, so
// that deskewing it with the same cfg recovers the scene.
func syntheticScenario(cfg *config.DeskewConfig) sim.Scenario {
	return sim.Scenario{
		YawRate:        1.0,
		WorldVelocity:  r3.Vec{X: 1.5},
		PointsPerSweep: 4096,
		Gravity:        cfg.GetGravity(),
		GyroBias:       cfg.GetGyroBias(),
		AccelBias:      cfg.GetAccelBias(),
		Extrinsic:      cfg.GetExtrinsic(),
	}.WithDefaults()
}

// sourceName labels the run by its input, in the precedence main uses.
func sourceName() string {
	switch {
	case *pcapFile != "":
		return "pcap"
	case *captureIface != "":
		return "capture"
	case *synthetic:
		return "synthetic"
	case *listenAddr != "":
		if *serialPort != "" {
			return "udp+serial"
		}
		return "udp"
	case *serialPort != "":
		return "serial"
	}
	return "none"
}

func rotatingLog(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // MB
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
}
