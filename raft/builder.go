package raft

import (
	"fmt"
	"log/slog"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/cluster"
	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/pkg/logger"
	"github.com/copycat-project/copycat/storage"
)

type nodeBuilder struct {
	// required
	self      codec.Address
	active    []codec.Address
	fsm       api.FSM
	transport api.Transport

	// optional, defaulted at Build time
	cfg       *api.RaftConfig
	persister api.Persister
	logger    *slog.Logger
}

// NewNodeBuilder returns a builder for a Copycat member. self and active
// describe the initial voting set; members join later via Join RPCs.
func NewNodeBuilder(self codec.Address, active []codec.Address, fsm api.FSM, transport api.Transport) api.NodeBuilder {
	return &nodeBuilder{self: self, active: active, fsm: fsm, transport: transport}
}

func (nb *nodeBuilder) Build() (api.Raft, error) {
	cfg := api.DefaultConfig()
	if nb.cfg != nil {
		cfg = *nb.cfg
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("raft: invalid config: %w", err)
	}

	lg := nb.logger
	if lg == nil {
		if cfg.Log.Env == logger.Dev {
			_, lg = logger.NewTestLogger()
		} else {
			lg = logger.NewLogger(cfg.Log.Env, false)
		}
	}
	lg = lg.With(slog.String("member", nb.self.String()))

	if nb.transport == nil {
		return nil, fmt.Errorf("raft: builder: transport is required")
	}
	if nb.fsm == nil {
		return nil, fmt.Errorf("raft: builder: fsm is required")
	}

	persister := nb.persister
	if persister == nil {
		var err error
		persister, err = storage.NewFilePersister(cfg.Storage.Dir, lg, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("raft: builder: failed to create default storage: %w", err)
		}
	}

	clu := cluster.New(nb.self, nb.active, nil)
	rf := newRaft(cfg, persister, nb.transport, nb.fsm, clu, lg)

	if fp, ok := persister.(*storage.FilePersister); ok {
		rf.compactor = storage.NewCompactor(fp.Log(), rf.cleanableEntry, lg.With(slog.String("component", "compactor")))
	}
	return rf, nil
}

func (nb *nodeBuilder) WithConfig(cfg *api.RaftConfig) api.NodeBuilder {
	nb.cfg = cfg
	return nb
}

func (nb *nodeBuilder) WithPersister(p api.Persister) api.NodeBuilder {
	nb.persister = p
	return nb
}

func (nb *nodeBuilder) WithTransport(t api.Transport) api.NodeBuilder {
	nb.transport = t
	return nb
}

func (nb *nodeBuilder) WithFSM(fsm api.FSM) api.NodeBuilder {
	nb.fsm = fsm
	return nb
}

func (nb *nodeBuilder) WithMembers(self codec.Address, active []codec.Address) api.NodeBuilder {
	nb.self = self
	nb.active = active
	return nb
}

func (nb *nodeBuilder) WithLogger(l *slog.Logger) api.NodeBuilder {
	nb.logger = l
	return nb
}
