package handler

import (
	"net/http"

	"github.com/obot-platform/rdbcoord/internal/model"
)

// ClusterStatusResponse describes the local node and its group.
type ClusterStatusResponse struct {
	NodeID       string `json:"node_id"`
	GroupID      string `json:"group_id"`
	Role         string `json:"role"`
	Unresponsive bool   `json:"unresponsive"`
	LeaderID     string `json:"leader_id,omitempty"`
	LiveNodes    int    `json:"live_nodes"`
}

// NodesResponse lists the live nodes of the group.
type NodesResponse struct {
	GroupID string             `json:"group_id"`
	Nodes   []model.NodeDetail `json:"nodes"`
}

// Health reports that the process is serving. It does not touch the database.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetClusterStatus returns this node's role and a summary of its group.
// GET /api/cluster
func (h *Handler) GetClusterStatus(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.cluster.GetAllNodeDetails(r.Context())
	if err != nil {
		h.log.Warn("could not list nodes", "error", err)
		h.Error(w, http.StatusServiceUnavailable, "cluster state unavailable")
		return
	}

	resp := ClusterStatusResponse{
		NodeID:       h.cluster.NodeID(),
		GroupID:      h.cluster.GroupID(),
		Role:         h.cluster.Role().String(),
		Unresponsive: h.cluster.IsUnresponsive(),
		LiveNodes:    len(nodes),
	}
	for _, n := range nodes {
		if n.IsCoordinator {
			resp.LeaderID = n.NodeID
			break
		}
	}
	h.JSON(w, http.StatusOK, resp)
}

// ListNodes returns the live nodes of the group.
// GET /api/cluster/nodes
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.cluster.GetAllNodeDetails(r.Context())
	if err != nil {
		h.log.Warn("could not list nodes", "error", err)
		h.Error(w, http.StatusServiceUnavailable, "cluster state unavailable")
		return
	}
	if nodes == nil {
		nodes = []model.NodeDetail{}
	}
	h.JSON(w, http.StatusOK, NodesResponse{GroupID: h.cluster.GroupID(), Nodes: nodes})
}

// GetLeader returns the coordinator of the group.
// GET /api/cluster/leader
func (h *Handler) GetLeader(w http.ResponseWriter, r *http.Request) {
	leader, err := h.cluster.GetLeaderNode(r.Context())
	if err != nil {
		h.log.Warn("could not read leader", "error", err)
		h.Error(w, http.StatusServiceUnavailable, "cluster state unavailable")
		return
	}
	if leader == nil {
		h.Error(w, http.StatusNotFound, "no coordinator elected")
		return
	}
	h.JSON(w, http.StatusOK, leader)
}
