package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/teststand-core/internal/instrument/hvps"
)

// entityHVPS is the audit entity prefix for supply commands; channel
// commands use "hvps/<channel>".
const entityHVPS = "hvps"

// HVPSStateResponse is the raw state word plus the installed channels.
type HVPSStateResponse struct {
	Device   string         `json:"device"`
	Channels []hvps.Channel `json:"channels"`
	State    string         `json:"state"`
}

// ChannelReading is a single voltage or current reply.
type ChannelReading struct {
	Channel hvps.Channel `json:"channel"`
	Voltage string       `json:"voltage,omitempty"`
	Current string       `json:"current,omitempty"`
}

// SetVoltageRequest is the body of PUT /hvps/channels/{channel}/voltage.
type SetVoltageRequest struct {
	Voltage string `json:"voltage"`
}

// SetSolenoidCurrentRequest is the body of PUT /hvps/solenoid/current.
type SetSolenoidCurrentRequest struct {
	Amps *float64 `json:"amps"`
}

// channelParam parses the {channel} URL parameter, writing a 400 on failure.
func channelParam(w http.ResponseWriter, r *http.Request) (hvps.Channel, bool) {
	ch, err := hvps.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		writeInstrumentError(w, err)
		return "", false
	}
	return ch, true
}

// switchParam parses the {state} URL parameter ("on" or "off").
func switchParam(w http.ResponseWriter, r *http.Request) (on, ok bool) {
	switch strings.ToLower(chi.URLParam(r, "state")) {
	case "on":
		return true, true
	case "off":
		return false, true
	default:
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "state must be on or off")
		return false, false
	}
}

func (s *Server) handleHVPSState(w http.ResponseWriter, r *http.Request) {
	state, err := s.supply.GetState(r.Context())
	if err != nil {
		writeInstrumentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HVPSStateResponse{
		Device:   s.supply.Device(),
		Channels: s.supply.Channels(),
		State:    state,
	})
}

func (s *Server) handleGetVoltage(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	v, err := s.supply.GetVoltage(r.Context(), ch)
	if err != nil {
		writeInstrumentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChannelReading{Channel: ch, Voltage: v})
}

func (s *Server) handleGetCurrent(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	c, err := s.supply.GetCurrent(r.Context(), ch)
	if err != nil {
		writeInstrumentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChannelReading{Channel: ch, Current: c})
}

// handleSetVoltage sets a channel voltage. Body: {"voltage": "-00050"}.
func (s *Server) handleSetVoltage(w http.ResponseWriter, r *http.Request) {
	ch, ok := channelParam(w, r)
	if !ok {
		return
	}
	var req SetVoltageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.supply.SetVoltage(r.Context(), ch, req.Voltage)
	s.recorder.Record(r.Context(), "set_voltage", entityHVPS+"/"+string(ch),
		map[string]any{"voltage": req.Voltage}, err)
	if err != nil {
		s.logger.Warn("hvps set voltage failed", "channel", ch, "error", err)
		writeInstrumentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChannelReading{Channel: ch, Voltage: req.Voltage})
}

// handleSetSolenoidCurrent sets the solenoid current. Body: {"amps": 1.5}.
func (s *Server) handleSetSolenoidCurrent(w http.ResponseWriter, r *http.Request) {
	var req SetSolenoidCurrentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Amps == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "amps is required")
		return
	}

	err := s.supply.SetSolenoidCurrent(r.Context(), *req.Amps)
	s.recorder.Record(r.Context(), "set_solenoid_current", entityHVPS+"/"+string(hvps.ChannelSL),
		map[string]any{"amps": *req.Amps}, err)
	if err != nil {
		writeInstrumentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChannelReading{Channel: hvps.ChannelSL, Current: fmt.Sprintf("%.2f", *req.Amps)})
}

// handleHighVoltage switches every high-voltage output on or off.
func (s *Server) handleHighVoltage(w http.ResponseWriter, r *http.Request) {
	on, ok := switchParam(w, r)
	if !ok {
		return
	}

	var err error
	action := "high_voltage_off"
	if on {
		action = "high_voltage_on"
		err = s.supply.EnableHighVoltage(r.Context())
	} else {
		err = s.supply.DisableHighVoltage(r.Context())
	}
	s.switchResult(w, r, action, on, err)
}

// handleSolenoid switches the solenoid current output on or off.
func (s *Server) handleSolenoid(w http.ResponseWriter, r *http.Request) {
	on, ok := switchParam(w, r)
	if !ok {
		return
	}

	var err error
	action := "solenoid_off"
	if on {
		action = "solenoid_on"
		err = s.supply.EnableSolenoidCurrent(r.Context())
	} else {
		err = s.supply.DisableSolenoidCurrent(r.Context())
	}
	s.switchResult(w, r, action, on, err)
}

func (s *Server) switchResult(w http.ResponseWriter, r *http.Request, action string, on bool, err error) {
	s.recorder.Record(r.Context(), action, entityHVPS, nil, err)
	if err != nil {
		s.logger.Warn("hvps command failed", "action", action, "error", err)
		writeInstrumentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action": action, "on": on})
}
