package server

import "net/http"

type descriptor struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Docs    string `json:"docs"`
}

func (s *server) handleDescriptor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, descriptor{
		Service: "consensus-gateway",
		Version: serverVersion,
		Docs:    s.deps.GatewayURL + "/",
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Router struct {
		TotalSelections int64            `json:"total_selections"`
		StickyHits      int64            `json:"sticky_hits"`
		Fallbacks       int64            `json:"fallbacks"`
		Load            map[string]int64 `json:"load"`
	} `json:"router"`
	PaymentEnabled bool `json:"payment_enabled"`
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	var resp statsResponse
	stats := s.deps.Router.Stats()
	resp.Router.TotalSelections = stats.TotalSelections
	resp.Router.StickyHits = stats.StickyHits
	resp.Router.Fallbacks = stats.Fallbacks
	resp.Router.Load = stats.Load
	resp.PaymentEnabled = s.deps.PaymentGate.Enabled()
	writeJSON(w, http.StatusOK, resp)
}
