// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package call

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"time"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gocv.io/x/gocv"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/visionmate/device/internal/audio"
	"github.com/visionmate/device/pkg/commons"
)

// FrameSource supplies the latest camera frame. The camera package satisfies
// it; the returned Mat is owned by the caller.
type FrameSource interface {
	LatestFrame() (gocv.Mat, bool)
}

// ====================================================================
// microphone → opus track
// ====================================================================

// MicOptions conditions the outbound call audio.
type MicOptions struct {
	DeviceIndex int
	DeviceHint  string
	Gain        float64 // 1.0 is unity
	NoiseGate   float64 // int16-scale RMS below which a frame is muted
}

type micTrack struct {
	logger commons.Logger
	track  *webrtc.TrackLocalStaticSample
	src    *audio.Capture
	enc    *opus.Encoder
	opts   MicOptions

	stopCh chan struct{}
	doneCh chan struct{}
}

// newMicTrack opens the capture device at the opus rate and wraps it as a
// sample track. The caller attaches the track and then calls start.
func newMicTrack(logger commons.Logger, opts MicOptions) (*micTrack, error) {
	src, err := audio.OpenCapture(logger, audio.CaptureOptions{
		SampleRate:  OpusSampleRate,
		FrameSize:   OpusFrameSamples,
		DeviceIndex: opts.DeviceIndex,
		DeviceHint:  opts.DeviceHint,
	})
	if err != nil {
		return nil, err
	}

	enc, err := opus.NewEncoder(OpusSampleRate, 1, opus.AppVoIP)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("call: opus encoder: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   OpusSampleRate,
		Channels:    OpusChannels,
		SDPFmtpLine: OpusFMTP,
	}, "audio", "visionmate")
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("call: audio track: %w", err)
	}

	return &micTrack{
		logger: logger,
		track:  track,
		src:    src,
		enc:    enc,
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

func (m *micTrack) start() {
	go m.run()
}

func (m *micTrack) run() {
	defer close(m.doneCh)

	encoded := make([]byte, 1400)
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		frame, err := m.src.Read()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
			}
			m.logger.Warnw("mic read failed", "error", err)
			time.Sleep(OpusFrameDuration)
			continue
		}

		m.condition(frame)
		n, err := m.enc.Encode(frame, encoded)
		if err != nil {
			m.logger.Warnw("opus encode failed", "error", err)
			continue
		}

		sample := make([]byte, n)
		copy(sample, encoded[:n])
		if err := m.track.WriteSample(media.Sample{Data: sample, Duration: OpusFrameDuration}); err != nil {
			m.logger.Debugw("audio sample write failed", "error", err)
		}
	}
}

// condition applies the noise gate and gain in place.
func (m *micTrack) condition(frame []int16) {
	if m.opts.NoiseGate > 0 && audio.RMSInt16(frame) < m.opts.NoiseGate {
		for i := range frame {
			frame[i] = 0
		}
		return
	}
	if m.opts.Gain != 0 && m.opts.Gain != 1 {
		for i, s := range frame {
			v := float64(s) * m.opts.Gain
			if v > 32767 {
				v = 32767
			} else if v < -32768 {
				v = -32768
			}
			frame[i] = int16(v)
		}
	}
}

func (m *micTrack) stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.src.Close()
	<-m.doneCh
}

// ====================================================================
// camera → vp8 track
// ====================================================================

type videoTrack struct {
	logger commons.Logger
	track  *webrtc.TrackLocalStaticSample
	enc    codec.ReadCloser

	stopCh chan struct{}
	doneCh chan struct{}
}

// newVideoTrack pulls latest frames from the camera at the target FPS and
// encodes them as VP8. A white frame stands in until the camera produces
// its first image.
func newVideoTrack(logger commons.Logger, frames FrameSource) (*videoTrack, error) {
	params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("call: vp8 params: %w", err)
	}
	params.BitRate = 1_000_000

	reader := newFrameReader(logger, frames)
	enc, err := params.BuildVideoEncoder(video.ToI420(reader), prop.Media{
		Video: prop.Video{
			Width:     videoWidth,
			Height:    videoHeight,
			FrameRate: float32(videoFPS),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("call: vp8 encoder: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	}, "video", "visionmate")
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("call: video track: %w", err)
	}

	return &videoTrack{
		logger: logger,
		track:  track,
		enc:    enc,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// newFrameReader adapts the camera frame slot into a paced video.Reader.
func newFrameReader(logger commons.Logger, frames FrameSource) video.Reader {
	interval := time.Second / videoFPS
	var last time.Time

	fallback := image.NewRGBA(image.Rect(0, 0, videoWidth, videoHeight))
	draw.Draw(fallback, fallback.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	release := func() {}
	return video.ReaderFunc(func() (image.Image, func(), error) {
		if since := time.Since(last); since < interval {
			time.Sleep(interval - since)
		}
		last = time.Now()

		mat, ok := frames.LatestFrame()
		if !ok {
			return fallback, release, nil
		}

		if mat.Cols() != videoWidth || mat.Rows() != videoHeight {
			resized := gocv.NewMat()
			gocv.Resize(mat, &resized, image.Pt(videoWidth, videoHeight), 0, 0, gocv.InterpolationLinear)
			mat.Close()
			mat = resized
		}

		img, err := mat.ToImage() // BGR → RGB
		mat.Close()
		if err != nil {
			logger.Warnw("frame conversion failed", "error", err)
			return fallback, release, nil
		}
		return img, release, nil
	})
}

func (v *videoTrack) start() {
	go v.run()
}

func (v *videoTrack) run() {
	defer close(v.doneCh)

	frameDuration := time.Second / videoFPS
	for {
		select {
		case <-v.stopCh:
			return
		default:
		}

		data, release, err := v.enc.Read()
		if err != nil {
			select {
			case <-v.stopCh:
				return
			default:
			}
			v.logger.Warnw("vp8 encode read failed", "error", err)
			time.Sleep(frameDuration)
			continue
		}

		sample := make([]byte, len(data))
		copy(sample, data)
		release()

		if err := v.track.WriteSample(media.Sample{Data: sample, Duration: frameDuration}); err != nil {
			v.logger.Debugw("video sample write failed", "error", err)
		}
	}
}

func (v *videoTrack) stop() {
	select {
	case <-v.stopCh:
	default:
		close(v.stopCh)
	}
	v.enc.Close()
	<-v.doneCh
}
