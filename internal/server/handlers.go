package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// healthzResponse mirrors the teacher's system-health payload shape, swapped
// from portfolio-process vitals to pipeline vitals.
type healthzResponse struct {
	Status      string  `json:"status"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	CircuitState string `json:"circuit_state"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthzResponse{Status: "ok"}

	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		resp.CPUPercent = percents[0]
	} else if err != nil {
		s.log.Debug().Err(err).Msg("cpu.Percent failed")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.MemPercent = vm.UsedPercent
	} else {
		s.log.Debug().Err(err).Msg("mem.VirtualMemory failed")
	}

	if s.cfg.Gate != nil {
		resp.CircuitState = s.cfg.Gate.StateString()
		if resp.CircuitState == "halted" {
			resp.Status = "halted"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	n := 50
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	var records []RecentRecord
	if s.cfg.Recent != nil {
		records = s.cfg.Recent(n)
	}
	writeJSON(w, http.StatusOK, records)
}

type venueStatus struct {
	Name     string `json:"name"`
	Degraded bool   `json:"degraded"`
}

func (s *Server) handleVenues(w http.ResponseWriter, r *http.Request) {
	statuses := make([]venueStatus, 0, len(s.cfg.Venues))
	for name, health := range s.cfg.Venues {
		statuses = append(statuses, venueStatus{Name: name, Degraded: health.Degraded(name)})
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cfg == nil {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Cfg.Redacted())
}

type adminRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gate == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "risk gate not wired"})
		return
	}
	var req adminRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator halt via control surface"
	}
	s.cfg.Gate.Halt(req.Reason)
	s.log.Warn().Str("reason", req.Reason).Msg("engine halted via admin endpoint")
	writeJSON(w, http.StatusOK, map[string]string{"status": "halted", "reason": req.Reason})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Gate == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "risk gate not wired"})
		return
	}
	s.cfg.Gate.Resume()
	s.log.Info().Msg("engine resumed via admin endpoint")
	writeJSON(w, http.StatusOK, map[string]string{"status": "normal"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
