// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// WAVData is decoded 16-bit PCM audio.
type WAVData struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// EncodeWAV wraps 16-bit PCM in a canonical 44-byte RIFF header.
func EncodeWAV(pcm []int16, sampleRate, channels int) []byte {
	pcmData := Int16ToBytes(pcm)
	byteRate := sampleRate * channels * AudioBytesPerSample

	var buf bytes.Buffer
	buf.Write([]byte("RIFF"))
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcmData)))
	buf.Write([]byte("WAVE"))

	buf.Write([]byte("fmt "))
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(AudioPCMFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*AudioBytesPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(AudioBitsPerSample))

	buf.Write([]byte("data"))
	binary.Write(&buf, binary.LittleEndian, uint32(len(pcmData)))
	buf.Write(pcmData)
	return buf.Bytes()
}

// DecodeWAV parses a 16-bit PCM WAV file. Non-PCM formats are rejected.
func DecodeWAV(data []byte) (*WAVData, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("wav: missing RIFF/WAVE header")
	}

	var (
		sampleRate int
		channels   int
		bits       int
		pcm        []byte
		haveFmt    bool
	)

	// Walk RIFF chunks; players add extras like LIST that must be skipped.
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("wav: short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != AudioPCMFormat {
				return nil, fmt.Errorf("wav: unsupported format tag %d", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}
		// chunks are word aligned
		pos = body + size + (size & 1)
	}

	if !haveFmt || pcm == nil {
		return nil, fmt.Errorf("wav: missing fmt or data chunk")
	}
	if bits != AudioBitsPerSample {
		return nil, fmt.Errorf("wav: unsupported bit depth %d", bits)
	}
	if channels < 1 {
		return nil, fmt.Errorf("wav: invalid channel count %d", channels)
	}

	return &WAVData{
		Samples:    BytesToInt16(pcm),
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

// ReadWAVFile loads and decodes a WAV file from disk.
func ReadWAVFile(path string) (*WAVData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wav: read %s: %w", path, err)
	}
	return DecodeWAV(data)
}

// WriteWAVFile encodes PCM and writes it to disk.
func WriteWAVFile(path string, pcm []int16, sampleRate, channels int) error {
	return os.WriteFile(path, EncodeWAV(pcm, sampleRate, channels), 0o644)
}
