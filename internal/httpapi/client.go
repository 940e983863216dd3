// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi is the client for the backend vision endpoints.
package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/visionmate/device/pkg/commons"
)

const requestTimeout = 10 * time.Second

// DetectionResult is the shared response shape of /segment and /detect.
type DetectionResult struct {
	Success bool `json:"success"`
	Data    struct {
		IsSafe    *bool  `json:"is_safe"`
		AudioFile string `json:"audio_file"`
		Class     string `json:"class"`
		Severity  string `json:"severity"`
	} `json:"data"`
}

// Unsafe reports whether the backend explicitly flagged the frame unsafe.
func (r *DetectionResult) Unsafe() bool {
	return r.Data.IsSafe != nil && !*r.Data.IsSafe
}

// Client posts camera frames to the vision backend.
type Client struct {
	logger commons.Logger
	rest   *resty.Client
}

func NewClient(logger commons.Logger, baseURL string) *Client {
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout)
	return &Client{logger: logger, rest: rest}
}

// Segment posts a JPEG frame to the lane segmentation endpoint.
func (c *Client) Segment(jpeg []byte) (*DetectionResult, error) {
	return c.post("/segment", jpeg)
}

// Detect posts a JPEG frame to the obstacle detection endpoint.
func (c *Client) Detect(jpeg []byte) (*DetectionResult, error) {
	return c.post("/detect", jpeg)
}

func (c *Client) post(path string, jpeg []byte) (*DetectionResult, error) {
	var out DetectionResult
	resp, err := c.rest.R().
		SetFileReader("image", "frame.jpg", bytes.NewReader(jpeg)).
		SetResult(&out).
		Post(path)
	if err != nil {
		return nil, fmt.Errorf("httpapi: post %s: %w", path, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("httpapi: %s returned %s", path, resp.Status())
	}
	return &out, nil
}
