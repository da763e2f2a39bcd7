package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/caulkdb/caulk/nodeops"
)

// startOp runs the shared decode/launch/respond flow of the node
// operation endpoints.
func (h *Handlers) startOp(w http.ResponseWriter, r *http.Request, launch func(ignore []uint64) (*nodeops.Operation, error)) {
	var req opsRequest
	if err := decodeBody(r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	op, err := launch(req.Ignore)
	if err != nil {
		writeErrorResponse(w, http.StatusConflict, err.Error())
		return
	}
	writeJSONResponse(w, opResponse(op))
}

// handleBootstrap handles POST /ops/bootstrap
func (h *Handlers) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	h.startOp(w, r, h.ops.Bootstrap)
}

// handleDecommission handles POST /ops/decommission
func (h *Handlers) handleDecommission(w http.ResponseWriter, r *http.Request) {
	h.startOp(w, r, h.ops.Decommission)
}

// handleRebuild handles POST /ops/rebuild
func (h *Handlers) handleRebuild(w http.ResponseWriter, r *http.Request) {
	h.startOp(w, r, h.ops.Rebuild)
}

// handleRemovenode handles POST /ops/removenode/{nodeID}
func (h *Handlers) handleRemovenode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := parseNodeID(chi.URLParam(r, "nodeID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid node id")
		return
	}
	h.startOp(w, r, func(ignore []uint64) (*nodeops.Operation, error) {
		return h.ops.Removenode(nodeID, ignore)
	})
}

// handleReplace handles POST /ops/replace/{nodeID}
func (h *Handlers) handleReplace(w http.ResponseWriter, r *http.Request) {
	nodeID, err := parseNodeID(chi.URLParam(r, "nodeID"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid node id")
		return
	}
	h.startOp(w, r, func(ignore []uint64) (*nodeops.Operation, error) {
		return h.ops.Replace(nodeID, ignore)
	})
}

// handleCurrentOp handles GET /ops
func (h *Handlers) handleCurrentOp(w http.ResponseWriter, _ *http.Request) {
	op, ok := h.ops.Current()
	if !ok {
		writeJSONResponse(w, nil)
		return
	}
	writeJSONResponse(w, opResponse(op))
}

// handleOpsAbort handles POST /ops/abort
func (h *Handlers) handleOpsAbort(w http.ResponseWriter, _ *http.Request) {
	if !h.ops.Abort() {
		writeErrorResponse(w, http.StatusNotFound, "no operation in progress")
		return
	}
	writeJSONResponse(w, map[string]interface{}{"aborted": true})
}
