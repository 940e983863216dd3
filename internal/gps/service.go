// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

// Package gps reads NMEA sentences from the UART receiver, keeps the latest
// fix, and persists it: a JSON snapshot for restarts and a daily CSV track.
package gps

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"github.com/pkg/term"

	"github.com/visionmate/device/pkg/commons"
)

const (
	knotsToKMH = 1.852

	reconnectMin = time.Second
	reconnectMax = 5 * time.Second

	snapshotInterval = 10 * time.Second
	historyInterval  = 5 * time.Second

	lastFixFile = "gps_lastfix.json"
	historyDir  = "logs/gps_history"
	csvHeader   = "Timestamp,Date,Time,Latitude,Longitude,Speed_KMH\n"
)

// portCandidates are tried in order when no port is configured.
var portCandidates = []string{"/dev/ttyTHS1", "/dev/ttyS0", "/dev/ttyUSB0", "/dev/ttyAMA0"}

// Fix is the latest known position.
type Fix struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	SpeedKMH  float64   `json:"speed_kmh"`
	Timestamp time.Time `json:"timestamp"`
}

// SerialOpener opens the receiver port; injectable for tests.
type SerialOpener func(port string, baud int) (io.ReadCloser, error)

func openTerm(port string, baud int) (io.ReadCloser, error) {
	return term.Open(port, term.Speed(baud), term.ReadTimeout(2*time.Second))
}

// Options configures the service.
type Options struct {
	Port    string // empty tries the usual UART candidates
	Baud    int
	DataDir string
	// OpenSerial defaults to the pkg/term UART.
	OpenSerial SerialOpener
	// Clock is injectable for testing; defaults to time.Now.
	Clock func() time.Time
}

// Service owns the receiver. Reader and persister run as background loops.
type Service struct {
	logger commons.Logger
	opts   Options
	open   SerialOpener
	clock  func() time.Time

	mu  sync.RWMutex
	fix *Fix

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewService(logger commons.Logger, opts Options) *Service {
	open := opts.OpenSerial
	if open == nil {
		open = openTerm
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	if opts.Baud == 0 {
		opts.Baud = 9600
	}
	return &Service{
		logger: logger,
		opts:   opts,
		open:   open,
		clock:  clock,
		stopCh: make(chan struct{}),
	}
}

// Start restores the last persisted fix and launches the reader and
// persister loops.
func (s *Service) Start() {
	if fix, err := s.loadLastFix(); err == nil {
		s.mu.Lock()
		s.fix = fix
		s.mu.Unlock()
		s.logger.Infow("restored last gps fix",
			"lat", fix.Latitude, "lng", fix.Longitude, "age", s.clock().Sub(fix.Timestamp))
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.persistLoop()
}

// Location returns the latest fix coordinates.
func (s *Service) Location() (lat, lng float64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fix == nil {
		return 0, 0, false
	}
	return s.fix.Latitude, s.fix.Longitude, true
}

// SpeedKMH returns the latest ground speed.
func (s *Service) SpeedKMH() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fix == nil {
		return 0
	}
	return s.fix.SpeedKMH
}

// SetMock injects a fixed position for indoor testing.
func (s *Service) SetMock(lat, lng float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fix = &Fix{Latitude: lat, Longitude: lng, Timestamp: s.clock()}
	s.logger.Infow("gps mock position set", "lat", lat, "lng", lng)
}

// Close stops the loops and writes a final snapshot. Idempotent.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if fix := s.snapshotFix(); fix != nil {
			if err := s.saveLastFix(fix); err != nil {
				s.logger.Warnw("final gps snapshot failed", "error", err)
			}
		}
	})
	return nil
}

// ====================================================================
// serial reader
// ====================================================================

func (s *Service) readLoop() {
	defer s.wg.Done()

	backoff := reconnectMin
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		port, name, err := s.openAny()
		if err != nil {
			s.logger.Warnw("gps port unavailable", "error", err, "retry", backoff)
			if !s.sleep(backoff) {
				return
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectMin
		s.logger.Infow("gps port open", "port", name)

		s.scan(port)
		port.Close()
	}
}

func (s *Service) openAny() (io.ReadCloser, string, error) {
	candidates := portCandidates
	if s.opts.Port != "" {
		candidates = []string{s.opts.Port}
	}
	var lastErr error
	for _, name := range candidates {
		port, err := s.open(name, s.opts.Baud)
		if err == nil {
			return port, name, nil
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("gps: no port available: %w", lastErr)
}

func (s *Service) scan(port io.ReadCloser) {
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.handleLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warnw("gps read ended", "error", err)
	}
}

// handleLine parses one NMEA sentence; only valid RMC fixes update state.
func (s *Service) handleLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" || !strings.HasPrefix(line, "$") {
		return
	}

	sentence, err := nmea.Parse(line)
	if err != nil {
		return // partial reads and unsupported sentences are routine
	}
	rmc, ok := sentence.(nmea.RMC)
	if !ok || rmc.Validity != nmea.ValidRMC {
		return
	}

	fix := &Fix{
		Latitude:  rmc.Latitude,
		Longitude: rmc.Longitude,
		SpeedKMH:  rmc.Speed * knotsToKMH,
		Timestamp: s.clock(),
	}
	s.mu.Lock()
	s.fix = fix
	s.mu.Unlock()
}

func (s *Service) sleep(d time.Duration) bool {
	select {
	case <-s.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// ====================================================================
// persistence
// ====================================================================

func (s *Service) persistLoop() {
	defer s.wg.Done()

	history := time.NewTicker(historyInterval)
	defer history.Stop()
	snapshot := time.NewTicker(snapshotInterval)
	defer snapshot.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-history.C:
			if fix := s.snapshotFix(); fix != nil {
				if err := s.appendHistory(fix); err != nil {
					s.logger.Warnw("gps history append failed", "error", err)
				}
			}
		case <-snapshot.C:
			if fix := s.snapshotFix(); fix != nil {
				if err := s.saveLastFix(fix); err != nil {
					s.logger.Warnw("gps snapshot failed", "error", err)
				}
			}
		}
	}
}

func (s *Service) snapshotFix() *Fix {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fix == nil {
		return nil
	}
	f := *s.fix
	return &f
}

func (s *Service) lastFixPath() string {
	return filepath.Join(s.opts.DataDir, lastFixFile)
}

// saveLastFix writes the snapshot atomically (temp file + rename).
func (s *Service) saveLastFix(fix *Fix) error {
	if err := os.MkdirAll(s.opts.DataDir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(fix)
	if err != nil {
		return err
	}
	tmp := s.lastFixPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.lastFixPath())
}

func (s *Service) loadLastFix() (*Fix, error) {
	data, err := os.ReadFile(s.lastFixPath())
	if err != nil {
		return nil, err
	}
	var fix Fix
	if err := json.Unmarshal(data, &fix); err != nil {
		return nil, err
	}
	return &fix, nil
}

// appendHistory adds one row to the daily track CSV, creating it with a
// header when the day rolls over.
func (s *Service) appendHistory(fix *Fix) error {
	dir := filepath.Join(s.opts.DataDir, historyDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	now := s.clock()
	path := filepath.Join(dir, fmt.Sprintf("gps_track_%s.csv", now.Format("2006-01-02")))

	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if os.IsNotExist(statErr) {
		if _, err := f.WriteString(csvHeader); err != nil {
			return err
		}
	}

	row := fmt.Sprintf("%d,%s,%s,%.6f,%.6f,%.2f\n",
		now.Unix(),
		now.Format("2006-01-02"),
		now.Format("15:04:05"),
		fix.Latitude, fix.Longitude, fix.SpeedKMH)
	_, err = f.WriteString(row)
	return err
}
