package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nerrad567/teststand-core/internal/instrument/vrg"
	"github.com/nerrad567/teststand-core/internal/rfgen"
)

// entityRF is the audit entity for generator commands.
const entityRF = "rf_generator"

// RFResponse is the cached generator state plus its tune range.
type RFResponse struct {
	rfgen.DeviceState
	TuneRange vrg.TuneRange `json:"tune_range"`
}

// SetFrequencyRequest is the body of PUT /rf/frequency.
type SetFrequencyRequest struct {
	MHz *float64 `json:"mhz"`
}

// SetPowerRequest is the body of PUT /rf/power.
type SetPowerRequest struct {
	Watts *int `json:"watts"`
}

// SetPowerModeRequest is the body of PUT /rf/power-mode.
type SetPowerModeRequest struct {
	Mode string `json:"mode"`
}

// decodeBody decodes the JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

// handleGetRF returns the cached generator state. It does no I/O.
func (s *Server) handleGetRF(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rfResponse())
}

func (s *Server) rfResponse() RFResponse {
	return RFResponse{
		DeviceState: s.generator.State(),
		TuneRange:   s.generator.TuneRange(),
	}
}

// handleRFFactoryInfo reads the serial number and usage counters.
func (s *Server) handleRFFactoryInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.generator.FactoryInfo(r.Context())
	if err != nil {
		writeInstrumentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleSetFrequency tunes the generator. Body: {"mhz": 40.68}.
func (s *Server) handleSetFrequency(w http.ResponseWriter, r *http.Request) {
	var req SetFrequencyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MHz == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "mhz is required")
		return
	}

	err := s.generator.SetFrequency(r.Context(), *req.MHz)
	s.rfCommandResult(r.Context(), w, "set_frequency", map[string]any{"mhz": *req.MHz}, err)
}

// handleSetPower changes the power setpoint. Body: {"watts": 800}.
func (s *Server) handleSetPower(w http.ResponseWriter, r *http.Request) {
	var req SetPowerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Watts == nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "watts is required")
		return
	}

	err := s.generator.SetPower(r.Context(), *req.Watts)
	s.rfCommandResult(r.Context(), w, "set_power", map[string]any{"watts": *req.Watts}, err)
}

// handleSetPowerMode selects forward or absorbed regulation. Body: {"mode": "absorbed"}.
func (s *Server) handleSetPowerMode(w http.ResponseWriter, r *http.Request) {
	var req SetPowerModeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mode, err := vrg.ParsePowerMode(req.Mode)
	if err != nil {
		writeInstrumentError(w, err)
		return
	}

	err = s.generator.SetPowerMode(r.Context(), mode)
	s.rfCommandResult(r.Context(), w, "set_power_mode", map[string]any{"mode": mode.String()}, err)
}

func (s *Server) handleEnableRF(w http.ResponseWriter, r *http.Request) {
	s.rfCommandResult(r.Context(), w, "enable", nil, s.generator.Enable(r.Context()))
}

func (s *Server) handleDisableRF(w http.ResponseWriter, r *http.Request) {
	s.rfCommandResult(r.Context(), w, "disable", nil, s.generator.Disable(r.Context()))
}

// handleAutoTune starts a sweep. With ?narrow=true the sweep stays around
// the current frequency.
func (s *Server) handleAutoTune(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if r.URL.Query().Get("narrow") == "true" {
		s.rfCommandResult(ctx, w, "narrow_autotune", nil, s.generator.NarrowAutoTune(ctx))
		return
	}
	s.rfCommandResult(ctx, w, "autotune", nil, s.generator.AutoTune(ctx))
}

// rfCommandResult audits a generator command and writes either the error
// or the updated cached state.
func (s *Server) rfCommandResult(ctx context.Context, w http.ResponseWriter, action string, details map[string]any, err error) {
	s.recorder.Record(ctx, action, entityRF, details, err)
	if err != nil {
		s.logger.Warn("rf command failed", "action", action, "error", err)
		writeInstrumentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.rfResponse())
}
