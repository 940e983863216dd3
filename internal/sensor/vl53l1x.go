// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

// Package sensor drives the VL53L1X time-of-flight ranger and raises
// obstacle alerts from its readings.
package sensor

import (
	"encoding/binary"
	"fmt"

	"periph.io/x/conn/v3/i2c"

	"github.com/visionmate/device/pkg/commons"
)

const (
	// DefaultI2CAddr is the VL53L1X power-on address.
	DefaultI2CAddr = 0x29

	regModelID   = 0x010F // MODEL_ID, reads 0xEA
	regModeStart = 0x0087 // SYSTEM__MODE_START
	regRangeMM   = 0x0096 // RESULT__FINAL_CROSSTALK_CORRECTED_RANGE_MM_SD0

	modelIDValue = 0xEA

	modeRangingOn  = 0x40
	modeRangingOff = 0x00
)

// VL53L1X is a minimal driver: continuous ranging plus distance readout.
// Register addresses are 16 bits wide, sent big-endian.
type VL53L1X struct {
	dev    i2c.Dev
	logger commons.Logger
}

// NewVL53L1X probes the sensor on the bus and verifies its model id.
func NewVL53L1X(bus i2c.Bus, addr uint16, logger commons.Logger) (*VL53L1X, error) {
	v := &VL53L1X{dev: i2c.Dev{Bus: bus, Addr: addr}, logger: logger}

	id, err := v.readReg8(regModelID)
	if err != nil {
		return nil, fmt.Errorf("sensor: vl53l1x probe: %w", err)
	}
	if id != modelIDValue {
		return nil, fmt.Errorf("sensor: unexpected model id 0x%02X at 0x%02X", id, addr)
	}
	return v, nil
}

// StartRanging puts the sensor into continuous back-to-back ranging.
func (v *VL53L1X) StartRanging() error {
	return v.writeReg8(regModeStart, modeRangingOn)
}

// StopRanging halts ranging.
func (v *VL53L1X) StopRanging() error {
	return v.writeReg8(regModeStart, modeRangingOff)
}

// DistanceCM returns the latest range in centimeters.
func (v *VL53L1X) DistanceCM() (float64, error) {
	mm, err := v.readReg16(regRangeMM)
	if err != nil {
		return 0, fmt.Errorf("sensor: range read: %w", err)
	}
	return float64(mm) / 10.0, nil
}

func (v *VL53L1X) writeReg8(reg uint16, value byte) error {
	buf := []byte{byte(reg >> 8), byte(reg), value}
	return v.dev.Tx(buf, nil)
}

func (v *VL53L1X) readReg8(reg uint16) (byte, error) {
	var out [1]byte
	if err := v.dev.Tx([]byte{byte(reg >> 8), byte(reg)}, out[:]); err != nil {
		return 0, err
	}
	return out[0], nil
}

func (v *VL53L1X) readReg16(reg uint16) (uint16, error) {
	var out [2]byte
	if err := v.dev.Tx([]byte{byte(reg >> 8), byte(reg)}, out[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(out[:]), nil
}
