package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/caulkdb/caulk/repair"
)

// handleStartRepair handles POST /repair
func (h *Handlers) handleStartRepair(w http.ResponseWriter, r *http.Request) {
	var req repairRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := h.svc.StartRepair(req.options())
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	finished, total, _ := h.svc.Progress(id)
	status, _ := h.svc.Status(id)
	writeJSONResponse(w, jobResponse(id, status, finished, total))
}

// handleActiveRepairs handles GET /repair
func (h *Handlers) handleActiveRepairs(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, h.svc.GetActiveRepairs())
}

// handleRepairStatus handles GET /repair/{jobID}
func (h *Handlers) handleRepairStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid job id")
		return
	}

	status, ok := h.svc.Status(id)
	if !ok {
		writeErrorResponse(w, http.StatusNotFound, "job not found")
		return
	}
	finished, total, _ := h.svc.Progress(id)
	writeJSONResponse(w, jobResponse(id, status, finished, total))
}

// handleRepairAwait handles GET /repair/{jobID}/await
func (h *Handlers) handleRepairAwait(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid job id")
		return
	}
	timeout, err := parseTimeout(r)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid timeout_ms")
		return
	}

	status, err := h.svc.Await(id, timeNow().Add(timeout))
	switch err {
	case nil:
	case repair.ErrTimeout:
		writeErrorResponse(w, http.StatusRequestTimeout, "job still running")
		return
	case repair.ErrSessionNotFound:
		writeErrorResponse(w, http.StatusNotFound, "job not found")
		return
	default:
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}

	finished, total, _ := h.svc.Progress(id)
	writeJSONResponse(w, jobResponse(id, status, finished, total))
}

// handleRepairAbort handles POST /repair/{jobID}/abort
func (h *Handlers) handleRepairAbort(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid job id")
		return
	}

	if !h.svc.Abort(id) {
		writeErrorResponse(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSONResponse(w, map[string]interface{}{"id": id, "aborted": true})
}

// handleRepairAbortAll handles POST /repair/abort_all
func (h *Handlers) handleRepairAbortAll(w http.ResponseWriter, _ *http.Request) {
	h.svc.AbortAll()
	writeJSONResponse(w, map[string]interface{}{"aborted": true})
}
