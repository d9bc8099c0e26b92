package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/3leaps/gantry/pkg/runstore"
)

// RunsHandler serves run records from the local run store.
type RunsHandler struct {
	store *runstore.Store
}

func NewRunsHandler(store *runstore.Store) *RunsHandler {
	return &RunsHandler{store: store}
}

// RunListResponse is the body returned by the run listing endpoint.
type RunListResponse struct {
	Runs  []runstore.RunRecord `json:"runs"`
	Count int                  `json:"count"`
}

// ListRuns returns all known runs, newest first.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.List()
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if runs == nil {
		runs = []runstore.RunRecord{}
	}
	writeJSON(w, http.StatusOK, RunListResponse{Runs: runs, Count: len(runs)})
}

// GetRun returns a single run record by ID.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	rec, err := h.store.Get(runID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
