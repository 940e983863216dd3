// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

// The device runtime: voice capture and utterance upload, MQTT-signalled
// WebRTC calls, GPS telemetry, lane segmentation, and obstacle alarms, wired
// together per the device configuration.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/visionmate/device/config"
	"github.com/visionmate/device/internal/audio"
	"github.com/visionmate/device/internal/broker"
	"github.com/visionmate/device/internal/call"
	"github.com/visionmate/device/internal/camera"
	"github.com/visionmate/device/internal/gps"
	"github.com/visionmate/device/internal/handler"
	"github.com/visionmate/device/internal/httpapi"
	"github.com/visionmate/device/internal/modem"
	"github.com/visionmate/device/internal/registry"
	"github.com/visionmate/device/internal/sensor"
	"github.com/visionmate/device/internal/telemetry"
	"github.com/visionmate/device/internal/voice"
	"github.com/visionmate/device/pkg/commons"
)

const teardownTimeout = 15 * time.Second

func main() {
	v, err := config.InitConfig()
	if err != nil {
		log.Fatalf("config init: %v", err)
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	logger, err := commons.NewLogger(commons.LoggerOptions{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Errorw("device runtime exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, logger commons.Logger) error {
	logger.Infow("device starting", "device_id", cfg.DeviceID)

	if err := audio.Initialize(); err != nil {
		return err
	}
	defer audio.Terminate()

	reg := registry.New(logger)
	topics := broker.ForDevice(cfg.DeviceID)

	// ================================================================
	// shared subsystems
	// ================================================================

	speaker := audio.NewSpeaker(logger, cfg.SpeakerDevice)
	register(logger, reg, "speaker", speaker, func(context.Context) error { return speaker.Close() })

	session := broker.NewSession(logger, broker.SessionOptions{
		URL:      cfg.BrokerURL,
		ClientID: cfg.DeviceID,
		Username: cfg.BrokerUsername,
		Password: cfg.BrokerPassword,
	})
	register(logger, reg, "broker", session, func(context.Context) error {
		session.Disconnect()
		return nil
	})

	cam := camera.New(logger, camera.Options{
		DeviceID: cfg.CameraID,
		Width:    cfg.CameraWidth,
		Height:   cfg.CameraHeight,
		FPS:      cfg.CameraFPS,
	})
	cam.Start()
	register(logger, reg, "camera", cam, func(context.Context) error { return cam.Close() })

	vision := httpapi.NewClient(logger, cfg.ServerHTTPBase)

	// ================================================================
	// call path
	// ================================================================

	ice := call.NewICEServerProvider(logger, cfg.TurnAPIURL, cfg.TurnAPIKey)
	peer := call.NewManager(logger, session, topics, ice, cam, speaker, call.ManagerOptions{
		DeviceID: cfg.DeviceID,
		Mic: call.MicOptions{
			DeviceIndex: cfg.MicIndex,
			DeviceHint:  cfg.MicDeviceHint,
			Gain:        cfg.MicrophoneGain,
			NoiseGate:   cfg.MicrophoneNoiseGate,
		},
		Playback: audio.LoudnessOptions{
			Gain:         cfg.PlaybackGain,
			AutoGain:     cfg.PlaybackAutoGain,
			TargetRMS:    cfg.PlaybackTargetRMS,
			MaxAutoGain:  cfg.PlaybackMaxGain,
			MaxTotalGain: 3.0,
			Limiter:      cfg.PlaybackLimiter,
			LimiterDrive: cfg.PlaybackLimiterDrive,
		},
	})
	register(logger, reg, "peer", peer, func(context.Context) error { return peer.Close() })

	// ================================================================
	// voice pipeline
	// ================================================================

	dumpDir := ""
	if cfg.DebugAudioDump {
		dumpDir = filepath.Join(cfg.DataDir, "debug")
	}
	vap := voice.NewPipeline(logger, session, topics, voice.PipelineOptions{
		DeviceID:   cfg.DeviceID,
		SampleRate: cfg.AudioSampleRate,
		ChunkMS:    cfg.AudioChunkMS,
		Endpoint: voice.EndpointOptions{
			SilenceThreshold:  cfg.SilenceThreshold,
			SilenceDuration:   time.Duration(cfg.SilenceDuration * float64(time.Second)),
			MinSpeechDuration: time.Duration(cfg.MinSpeechDuration * float64(time.Second)),
		},
		Chime: func() {
			chime := filepath.Join(cfg.SoundDir, "processing.wav")
			if err := speaker.PlayFile(chime); err != nil {
				logger.Debugw("chime playback failed", "error", err)
			}
		},
		DumpDir: dumpDir,
	})
	register(logger, reg, "voice", vap, func(context.Context) error { return vap.Close() })

	coord := handler.NewCoordinator(logger, vap, peer)
	peer.OnICEConnectionStateChange(coord.OnICEState)

	// ================================================================
	// inbound routing
	// ================================================================

	reassembler := handler.NewReassembler(logger, speaker, handler.ReassemblerOptions{
		DumpDir: dumpDir,
	})
	register(logger, reg, "reassembler", reassembler, func(context.Context) error {
		return reassembler.Close()
	})

	var sms handler.SMSSender
	if cfg.SMSPort != "" {
		gsm, err := modem.Open(logger, cfg.SMSPort, cfg.SMSBaud)
		if err != nil {
			logger.Warnw("sms modem unavailable", "port", cfg.SMSPort, "error", err)
		} else {
			sms = gsm
			register(logger, reg, "modem", gsm, func(context.Context) error { return gsm.Close() })
		}
	}
	commands := handler.NewCommandHandler(logger, sms)

	// signaling runs on the serialized lane: candidates must reach the peer
	// in arrival order
	router := handler.NewRouter(logger)
	router.HandleOrdered("/webrtc/offer", coord.HandleOffer)
	router.HandleOrdered("/webrtc/answer", coord.HandleAnswer)
	router.HandleOrdered("/webrtc/candidate", coord.HandleCandidate)
	router.Handle("/audio", reassembler.HandleChunk)
	router.Handle("/command", commands.Handle)
	register(logger, reg, "router", router, func(context.Context) error {
		router.Close()
		return nil
	})

	if err := router.Bind(session, topics); err != nil {
		return err
	}
	if err := session.Connect(); err != nil {
		return err
	}
	if err := vap.Start(); err != nil {
		return err
	}

	// ================================================================
	// telemetry and sensors
	// ================================================================

	var position telemetry.PositionSource
	if cfg.GPSEnabled {
		gpsSvc := gps.NewService(logger, gps.Options{
			Port:    cfg.GPSPort,
			Baud:    cfg.BaudRate,
			DataDir: cfg.DataDir,
		})
		gpsSvc.Start()
		register(logger, reg, "gps", gpsSvc, func(context.Context) error { return gpsSvc.Close() })
		position = gpsSvc
	}

	reporter := telemetry.NewReporter(logger, session, topics, position)
	if err := reporter.Ping(); err != nil {
		logger.Warnw("startup ping failed", "error", err)
	}
	reporter.Start()
	register(logger, reg, "reporter", reporter, func(context.Context) error { return reporter.Close() })

	if cfg.SegmentationEnabled {
		segmenter := telemetry.NewSegmenter(logger, cam, vision, speaker, telemetry.SegmenterOptions{
			DiffThreshold: cfg.DiffThreshold,
			MinInterval:   cfg.SendIntervalMin,
			MaxInterval:   cfg.SendIntervalMax,
			SoundDir:      cfg.SoundDir,
		})
		segmenter.Start()
		register(logger, reg, "segmenter", segmenter, func(context.Context) error {
			return segmenter.Close()
		})
	}

	if cfg.ObstacleEnabled {
		if watcher, err := startObstacleWatcher(logger, cfg, cam, vision, speaker, session, topics); err != nil {
			logger.Warnw("obstacle watcher unavailable", "error", err)
		} else {
			register(logger, reg, "obstacle", watcher, func(context.Context) error {
				return watcher.Close()
			})
		}
	}

	logger.Infow("device ready", "device_id", cfg.DeviceID)

	// ================================================================
	// run until signalled
	// ================================================================

	go sosOnEnter(logger, coord, func() {
		notifyEmergencyContact(logger, sms, cfg.EmergencyPhone, position)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infow("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	return reg.Teardown(ctx)
}

// register adds a subsystem to the registry. Registration only fails on a
// wiring mistake (duplicate name, registration after teardown), so the error
// is logged rather than aborting startup.
func register(logger commons.Logger, reg *registry.Registry, name string, handle interface{}, closer registry.Closer) {
	if err := reg.Register(name, handle, closer); err != nil {
		logger.Errorw("subsystem registration failed", "name", name, "error", err)
	}
}

// startObstacleWatcher brings up the I2C bus and the time-of-flight ranger.
func startObstacleWatcher(logger commons.Logger, cfg *config.AppConfig, cam *camera.Camera,
	vision *httpapi.Client, speaker *audio.Speaker, session *broker.Session, topics broker.Topics) (*sensor.Watcher, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	bus, err := i2creg.Open("")
	if err != nil {
		return nil, err
	}
	ranger, err := sensor.NewVL53L1X(bus, sensor.DefaultI2CAddr, logger)
	if err != nil {
		bus.Close()
		return nil, err
	}
	if err := ranger.StartRanging(); err != nil {
		bus.Close()
		return nil, err
	}

	watcher := sensor.NewWatcher(logger, ranger, cam, vision, speaker, session, topics,
		sensor.WatcherOptions{
			DeviceID: cfg.DeviceID,
			SoundDir: cfg.SoundDir,
		})
	watcher.Start()
	return watcher, nil
}

// sosOnEnter triggers an emergency call when the operator presses ENTER.
// The button GPIO routes here on production hardware.
func sosOnEnter(logger commons.Logger, coord *handler.Coordinator, notify func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		logger.Infow("sos trigger")
		if err := coord.InitiateSOS(); err != nil {
			logger.Warnw("sos rejected", "error", err)
			continue
		}
		go notify()
	}
}

// notifyEmergencyContact texts the configured contact when an SOS call goes
// out, including the last known position when there is one.
func notifyEmergencyContact(logger commons.Logger, sms handler.SMSSender, phone string, position telemetry.PositionSource) {
	if sms == nil || phone == "" {
		return
	}
	message := "VisionMate SOS: wearer initiated an emergency call."
	if position != nil {
		if lat, lng, ok := position.Location(); ok {
			message = fmt.Sprintf("VisionMate SOS: wearer initiated an emergency call. Last position %.6f,%.6f", lat, lng)
		}
	}
	if err := sms.SendSMS(phone, message); err != nil {
		logger.Warnw("emergency sms failed", "phone", phone, "error", err)
	}
}
