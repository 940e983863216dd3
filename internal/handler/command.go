// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"encoding/json"

	"github.com/visionmate/device/pkg/commons"
)

// CommandMessage is the /command payload. The command set is extensible;
// unknown commands are logged and ignored.
type CommandMessage struct {
	Command     string `json:"command"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Message     string `json:"message,omitempty"`
}

// SMSSender sends a text message; the modem satisfies it.
type SMSSender interface {
	SendSMS(phone, message string) error
}

// CommandHandler executes inbound control messages.
type CommandHandler struct {
	logger commons.Logger
	sms    SMSSender // nil when no modem is fitted
}

func NewCommandHandler(logger commons.Logger, sms SMSSender) *CommandHandler {
	return &CommandHandler{logger: logger, sms: sms}
}

// Handle consumes one /command message.
func (h *CommandHandler) Handle(payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		h.logger.Warnw("malformed command, skipped", "error", err)
		return
	}

	switch cmd.Command {
	case "send_sms":
		if h.sms == nil {
			h.logger.Warnw("send_sms requested but no modem available")
			return
		}
		if cmd.PhoneNumber == "" || cmd.Message == "" {
			h.logger.Warnw("send_sms missing phone number or message")
			return
		}
		if err := h.sms.SendSMS(cmd.PhoneNumber, cmd.Message); err != nil {
			h.logger.Errorw("sms send failed", "phone", cmd.PhoneNumber, "error", err)
			return
		}
		h.logger.Infow("sms sent", "phone", cmd.PhoneNumber)
	default:
		h.logger.Warnw("unknown command ignored", "command", cmd.Command)
	}
}
