package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/salihinsaealal/tnbcalc/pkg/coordinator"
	"github.com/salihinsaealal/tnbcalc/pkg/log"
	"github.com/salihinsaealal/tnbcalc/pkg/tariff"
	"github.com/salihinsaealal/tnbcalc/pkg/types"
)

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// opStatus maps a coordinator error to an HTTP status.
func opStatus(err error) int {
	if errors.Is(err, coordinator.ErrStopped) {
		return http.StatusServiceUnavailable
	}
	return http.StatusBadRequest
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.coord.Snapshot()
	if !ok {
		writeJSONError(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleGetTariff(w http.ResponseWriter, r *http.Request) {
	state, err := s.coord.TariffState(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), opStatus(err))
		return
	}
	writeJSON(w, state)
}

type energyRequest struct {
	TotalKWH     float64 `json:"total_kwh"`
	DeltaKWH     float64 `json:"delta_kwh"`
	Distribution string  `json:"distribution"`
	PeakKWH      float64 `json:"peak_kwh"`
	OffpeakKWH   float64 `json:"offpeak_kwh"`
}

func (e energyRequest) distribution() (types.Distribution, error) {
	mode, err := types.ParseDistributionMode(e.Distribution)
	if err != nil {
		return types.Distribution{}, err
	}
	return types.Distribution{Mode: mode, Peak: e.PeakKWH, Offpeak: e.OffpeakKWH}, nil
}

func (s *Server) handleSetImport(w http.ResponseWriter, r *http.Request) {
	var req energyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dist, err := req.distribution()
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.coord.SetImport(r.Context(), req.TotalKWH, dist); err != nil {
		writeJSONError(w, err.Error(), opStatus(err))
		return
	}
	s.respondSnapshot(w, r)
}

func (s *Server) handleAdjustImport(w http.ResponseWriter, r *http.Request) {
	var req energyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	dist, err := req.distribution()
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.coord.AdjustImport(r.Context(), req.DeltaKWH, dist); err != nil {
		writeJSONError(w, err.Error(), opStatus(err))
		return
	}
	s.respondSnapshot(w, r)
}

func (s *Server) handleSetExport(w http.ResponseWriter, r *http.Request) {
	var req energyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.coord.SetExport(r.Context(), req.TotalKWH); err != nil {
		writeJSONError(w, err.Error(), opStatus(err))
		return
	}
	s.respondSnapshot(w, r)
}

func (s *Server) handleAdjustExport(w http.ResponseWriter, r *http.Request) {
	var req energyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.coord.AdjustExport(r.Context(), req.DeltaKWH); err != nil {
		writeJSONError(w, err.Error(), opStatus(err))
		return
	}
	s.respondSnapshot(w, r)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirm string `json:"confirm"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.coord.Reset(r.Context(), req.Confirm); err != nil {
		writeJSONError(w, err.Error(), opStatus(err))
		return
	}
	log.Ctx(r.Context()).InfoContext(r.Context(), "state reset via API")
	s.respondSnapshot(w, r)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActualRM float64 `json:"actual_rm"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	cmp, err := s.coord.Compare(r.Context(), req.ActualRM)
	if err != nil {
		writeJSONError(w, err.Error(), opStatus(err))
		return
	}
	writeJSON(w, cmp)
}

func (s *Server) handleBillingDay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Day int `json:"day"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.coord.SetBillingStartDay(r.Context(), req.Day); err != nil {
		writeJSONError(w, err.Error(), opStatus(err))
		return
	}
	s.respondSnapshot(w, r)
}

func (s *Server) handleSetTariffComponent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Component string  `json:"component"`
		Value     float64 `json:"value"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Component == "" {
		req.Component = tariff.ComponentAFA
	}
	if err := s.coord.SetTariffComponent(r.Context(), req.Component, req.Value); err != nil {
		writeJSONError(w, err.Error(), opStatus(err))
		return
	}
	log.Ctx(r.Context()).InfoContext(r.Context(), "tariff override set",
		slog.String("component", req.Component),
		slog.Float64("value", req.Value),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetchTariff(w http.ResponseWriter, r *http.Request) {
	rate, err := s.coord.FetchTariff(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), fetchStatus(err))
		return
	}
	writeJSON(w, rate)
}

func (s *Server) handleFetchAllTariffs(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.FetchAllTariffs(r.Context()); err != nil {
		writeJSONError(w, err.Error(), fetchStatus(err))
		return
	}
	state, err := s.coord.TariffState(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), opStatus(err))
		return
	}
	writeJSON(w, state)
}

func fetchStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrNoScraper):
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}

func (s *Server) handleAutoFetch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.coord.SetAutoFetch(r.Context(), req.Enabled); err != nil {
		writeJSONError(w, err.Error(), opStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetTariff(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ResetTariff(r.Context()); err != nil {
		writeJSONError(w, err.Error(), opStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondSnapshot writes the freshly rebuilt snapshot after a mutation so
// callers see the effect without a second request.
func (s *Server) respondSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.coord.Snapshot()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, snap)
}
