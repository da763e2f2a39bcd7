package admin

import (
	"net/http"
)

// handleClusterMembers handles GET /cluster/members
func (h *Handlers) handleClusterMembers(w http.ResponseWriter, _ *http.Request) {
	peers := h.ring.Peers()
	resp := make([]map[string]interface{}, 0, len(peers))
	for _, p := range peers {
		resp = append(resp, map[string]interface{}{
			"node_id":    p.NodeID,
			"address":    p.Addr,
			"datacenter": p.Datacenter,
			"rack":       p.Rack,
			"alive":      h.liveness.IsAlive(p.NodeID),
			"self":       p.NodeID == h.self.NodeID,
		})
	}
	writeJSONResponse(w, resp)
}

// handleClusterHealth handles GET /cluster/health
func (h *Handlers) handleClusterHealth(w http.ResponseWriter, _ *http.Request) {
	peers := h.ring.Peers()
	alive := 0
	for _, p := range peers {
		if h.liveness.IsAlive(p.NodeID) {
			alive++
		}
	}

	status := "healthy"
	if alive < len(peers) {
		status = "degraded"
	}
	writeJSONResponse(w, map[string]interface{}{
		"status":         status,
		"nodes":          len(peers),
		"alive":          alive,
		"active_repairs": h.svc.GetActiveRepairs(),
	})
}

// handleClusterRanges handles GET /cluster/ranges
func (h *Handlers) handleClusterRanges(w http.ResponseWriter, _ *http.Request) {
	ranges := h.ring.AllRanges()
	resp := make([]map[string]interface{}, 0, len(ranges))
	for _, rng := range ranges {
		owners := make([]uint64, 0)
		for _, p := range h.ring.OwnersOf(rng) {
			owners = append(owners, p.NodeID)
		}
		resp = append(resp, map[string]interface{}{
			"start":  rng.Start,
			"end":    rng.End,
			"owners": owners,
		})
	}
	writeJSONResponse(w, resp)
}
