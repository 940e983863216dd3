// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package camera

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// EncodeJPEG compresses a frame for the vision endpoints.
func EncodeJPEG(frame gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(".jpg", frame)
	if err != nil {
		return nil, fmt.Errorf("camera: jpeg encode: %w", err)
	}
	defer buf.Close()
	out := make([]byte, len(buf.GetBytes()))
	copy(out, buf.GetBytes())
	return out, nil
}

// FrameDiff is the mean absolute pixel difference between two frames on a
// 64x64 grayscale downscale. Cheap enough to run every second.
func FrameDiff(a, b gocv.Mat) float64 {
	small := image64(a)
	defer small.Close()
	prev := image64(b)
	defer prev.Close()

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(small, prev, &diff)

	mean := diff.Mean()
	return mean.Val1
}

func image64(m gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if m.Channels() > 1 {
		gocv.CvtColor(m, &gray, gocv.ColorBGRToGray)
	} else {
		m.CopyTo(&gray)
	}
	small := gocv.NewMat()
	gocv.Resize(gray, &small, image.Pt(64, 64), 0, 0, gocv.InterpolationArea)
	gray.Close()
	return small
}
