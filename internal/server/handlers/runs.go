package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dwsmith1983/runguard/pkg/types"
)

// TriggerRun claims the campaign and asks the orchestrator to start a run.
func (h *Handlers) TriggerRun(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	var body types.TriggerRequest
	if err := decodeBody(r, &body); err != nil {
		h.writeError(w, r, "invalid JSON", err)
		return
	}

	st, err := h.gateway.Trigger(r.Context(), campaignID, identity(r), body.Force)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(types.TriggerResponse{
		CampaignID:  st.CampaignID,
		RunID:       st.RunID,
		Status:      st.Status,
		TriggeredAt: st.TriggeredAt,
		Forced:      st.Forced,
	})
}

// RunStatus returns the campaign's run snapshot, refreshed from the
// orchestrator when a run is in flight.
func (h *Handlers) RunStatus(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	runID := r.URL.Query().Get("run_id")

	st, err := h.gateway.Status(r.Context(), campaignID, runID)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	_ = json.NewEncoder(w).Encode(types.NewStatusResponse(st))
}

// RunCallback handles pipeline state callbacks.
func (h *Handlers) RunCallback(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")

	var body types.CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, "invalid JSON", err)
		return
	}

	st, err := h.gateway.Complete(r.Context(), campaignID, body.RunID, body.Report())
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	_ = json.NewEncoder(w).Encode(types.NewStatusResponse(st))
}
