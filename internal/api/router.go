package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Outermost first: the access log sees the status recovery writes.
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.limitBodyMiddleware)

	if s.metrics != nil {
		r.Handle(s.metricsAt, s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system/metrics", s.handleSystemMetrics)
		r.Get("/telemetry", s.handleTelemetry)

		r.Route("/rf", func(r chi.Router) {
			r.Get("/", s.handleGetRF)
			r.Get("/factory-info", s.handleRFFactoryInfo)
			r.Put("/frequency", s.handleSetFrequency)
			r.Put("/power", s.handleSetPower)
			r.Put("/power-mode", s.handleSetPowerMode)
			r.Post("/enable", s.handleEnableRF)
			r.Post("/disable", s.handleDisableRF)
			r.Post("/autotune", s.handleAutoTune)
		})

		r.Route("/hvps", func(r chi.Router) {
			r.Use(s.requireSupply)
			r.Get("/state", s.handleHVPSState)
			r.Post("/high-voltage/{state}", s.handleHighVoltage)
			r.Put("/solenoid/current", s.handleSetSolenoidCurrent)
			r.Post("/solenoid/{state}", s.handleSolenoid)

			r.Route("/channels/{channel}", func(r chi.Router) {
				r.Get("/voltage", s.handleGetVoltage)
				r.Put("/voltage", s.handleSetVoltage)
				r.Get("/current", s.handleGetCurrent)
			})
		})

		r.Get("/audit", s.handleListAuditLogs)
	})

	return r
}
