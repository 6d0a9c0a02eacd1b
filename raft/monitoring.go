package raft

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/copycat-project/copycat/pkg/logger"
)

// status is the JSON shape served at /status for operational visibility.
type status struct {
	Self        string `json:"self"`
	Role        string `json:"role"`
	CurrentTerm uint64 `json:"currentTerm"`
	VotedFor    string `json:"votedFor"`
	CommitIndex uint64 `json:"commitIndex"`
	LastApplied uint64 `json:"lastApplied"`
	GlobalIndex uint64 `json:"globalIndex"`

	LogInfo struct {
		LastIndex uint64 `json:"lastIndex"`
		LastTerm  uint64 `json:"lastTerm"`
	} `json:"logInfo"`

	ActiveMembers  []string `json:"activeMembers"`
	PassiveMembers []string `json:"passiveMembers"`

	LeaderSpecific *leaderSpecificStatus `json:"leaderSpecific,omitempty"`
}

type leaderSpecificStatus struct {
	PeerReplicationInfo map[string]peerReplicationInfo `json:"peerReplicationInfo"`
	ConfigChangePending bool                            `json:"configChangePending"`
}

type peerReplicationInfo struct {
	MatchIndex uint64 `json:"matchIndex"`
	NextIndex  uint64 `json:"nextIndex"`
}

// statusHandler implements http.Handler, reporting a point-in-time snapshot
// of this member's state.
type statusHandler struct {
	rf *Raft
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := h.getStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		h.rf.logger.Warn("failed to encode status for monitoring", logger.ErrAttr(err))
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

func (h *statusHandler) getStatus() status {
	h.rf.mu.RLock()
	defer h.rf.mu.RUnlock()

	rf := h.rf
	lastIdx, lastTerm := rf.lastLogIndexAndTerm()

	s := status{
		Self:        rf.cluster.Self().String(),
		Role:        roleString(rf.role()),
		CurrentTerm: rf.currentTerm,
		VotedFor:    rf.votedFor,
		CommitIndex: rf.commitIndex,
		LastApplied: rf.lastApplied,
		GlobalIndex: rf.globalIndex,
	}
	s.LogInfo.LastIndex = lastIdx
	s.LogInfo.LastTerm = lastTerm

	for _, m := range rf.cluster.ActiveMembers() {
		s.ActiveMembers = append(s.ActiveMembers, m.String())
	}
	for _, m := range rf.cluster.PassiveMembers() {
		s.PassiveMembers = append(s.PassiveMembers, m.String())
	}

	if rf.isRole(RoleLeader) {
		info := make(map[string]peerReplicationInfo, len(rf.replicators))
		for peer, prog := range rf.replicators {
			info[peer.String()] = peerReplicationInfo{MatchIndex: prog.matchIndex, NextIndex: prog.nextIndex}
		}
		s.LeaderSpecific = &leaderSpecificStatus{
			PeerReplicationInfo: info,
			ConfigChangePending: rf.configChangePending,
		}
	}

	return s
}

// monitoringServer exposes this member's status over HTTP at addr.
type monitoringServer struct {
	rf  *Raft
	srv *http.Server
}

// newMonitoringServer builds (but does not start) a monitoring HTTP server
// for rf, bound to addr.
func newMonitoringServer(rf *Raft, addr string) *monitoringServer {
	mux := http.NewServeMux()
	mux.Handle("/status", &statusHandler{rf: rf})
	return &monitoringServer{
		rf:  rf,
		srv: &http.Server{Addr: addr, Handler: mux},
	}
}

// start launches the server in the background, registering its goroutine
// with wg.
func (m *monitoringServer) start(wg *sync.WaitGroup) {
	m.rf.logger.Info("starting monitoring server", "addr", m.srv.Addr)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.rf.logger.Error("monitoring server failed", logger.ErrAttr(err))
		}
	}()
}

// stop gracefully shuts the server down, bounded by ctx.
func (m *monitoringServer) stop(ctx context.Context) {
	if err := m.srv.Shutdown(ctx); err != nil {
		m.rf.logger.Warn("monitoring server shutdown error", logger.ErrAttr(err))
	}
}
