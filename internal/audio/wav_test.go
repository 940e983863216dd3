// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package audio

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWAVHeader(t *testing.T) {
	pcm := []int16{1, -1, 2, -2}
	wav := EncodeWAV(pcm, 16000, 1)

	require.GreaterOrEqual(t, len(wav), 44)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, uint16(AudioPCMFormat), binary.LittleEndian.Uint16(wav[20:22]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, "data", string(wav[36:40]))
	assert.Equal(t, uint32(8), binary.LittleEndian.Uint32(wav[40:44]))
}

func TestDecodeWAVRoundTrip(t *testing.T) {
	pcm := []int16{0, 1000, -1000, 32767, -32768}
	decoded, err := DecodeWAV(EncodeWAV(pcm, 44100, 1))
	require.NoError(t, err)

	assert.Equal(t, pcm, decoded.Samples)
	assert.Equal(t, 44100, decoded.SampleRate)
	assert.Equal(t, 1, decoded.Channels)
}

func TestDecodeWAVSkipsExtraChunks(t *testing.T) {
	wav := EncodeWAV([]int16{5, 6}, 8000, 1)

	// splice a LIST chunk between fmt and data
	extra := append([]byte("LIST"), 0x04, 0x00, 0x00, 0x00, 'I', 'N', 'F', 'O')
	spliced := append(append(append([]byte{}, wav[:36]...), extra...), wav[36:]...)
	binary.LittleEndian.PutUint32(spliced[4:8], uint32(len(spliced)-8))

	decoded, err := DecodeWAV(spliced)
	require.NoError(t, err)
	assert.Equal(t, []int16{5, 6}, decoded.Samples)
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	_, err := DecodeWAV([]byte("not a wav file"))
	assert.Error(t, err)

	// non-PCM format tag
	wav := EncodeWAV([]int16{1}, 8000, 1)
	binary.LittleEndian.PutUint16(wav[20:22], 3) // IEEE float
	_, err = DecodeWAV(wav)
	assert.Error(t, err)
}

func TestWAVFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chirp.wav")
	pcm := []int16{7, -7, 9, -9}

	require.NoError(t, WriteWAVFile(path, pcm, 22050, 1))
	decoded, err := ReadWAVFile(path)
	require.NoError(t, err)
	assert.Equal(t, pcm, decoded.Samples)
	assert.Equal(t, 22050, decoded.SampleRate)
}
