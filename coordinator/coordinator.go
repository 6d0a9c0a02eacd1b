package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/internal/retry"
	"github.com/copycat-project/copycat/pkg/logger"
)

var _ api.Coordinator = (*Coordinator)(nil)

// Coordinator is a thread-safe client for a Copycat cluster. It opens a
// session, discovers the current leader among a set of known members, and
// routes Submit/Query to it, retrying on redirection or transport failure.
type Coordinator struct {
	transport      api.Transport
	members        []codec.Address
	requestTimeout time.Duration
	logger         *slog.Logger

	mu         sync.RWMutex
	leader     codec.Address
	haveLeader bool
	session    uint64

	requestSeq atomic.Uint64
}

// New builds a Coordinator that reaches the cluster through transport,
// probing all of members concurrently to discover the leader and open a
// session.
func New(transport api.Transport, members []codec.Address, requestTimeout time.Duration, lg *slog.Logger) *Coordinator {
	return &Coordinator{
		transport:      transport,
		members:        members,
		requestTimeout: requestTimeout,
		logger:         lg,
	}
}

func (c *Coordinator) Submit(cmd []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	var out []byte
	err := retry.Do(ctx, func(ctx context.Context) error {
		leader, err := c.leaderFor(ctx)
		if err != nil {
			return err
		}

		req := &codec.CommandRequest{
			Session: c.sessionID(),
			Request: c.requestSeq.Add(1),
			Command: cmd,
		}
		resp, err := c.transport.SendCommand(ctx, leader, req)
		if err != nil {
			c.logger.Warn("command rpc failed", slog.String("leader", leader.String()), logger.ErrAttr(err))
			c.invalidateLeader(leader)
			return err
		}
		if resp.Status != codec.StatusOK {
			c.logger.Debug("command rejected, retrying", slog.String("leader", leader.String()), slog.String("error", resp.Error.String()))
			c.invalidateLeader(leader)
			return fmt.Errorf("coordinator: command rejected: %s", resp.Error)
		}
		out = resp.Response
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) Query(query []byte, consistency api.Consistency) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	var out []byte
	err := retry.Do(ctx, func(ctx context.Context) error {
		leader, err := c.leaderFor(ctx)
		if err != nil {
			return err
		}

		req := &codec.QueryRequest{
			Session:     c.sessionID(),
			Query:       query,
			Consistency: uint8(consistency),
		}
		resp, err := c.transport.SendQuery(ctx, leader, req)
		if err != nil {
			c.logger.Warn("query rpc failed", slog.String("leader", leader.String()), logger.ErrAttr(err))
			c.invalidateLeader(leader)
			return err
		}
		if resp.Status != codec.StatusOK {
			c.logger.Debug("query rejected, retrying", slog.String("leader", leader.String()), slog.String("error", resp.Error.String()))
			c.invalidateLeader(leader)
			return fmt.Errorf("coordinator: query rejected: %s", resp.Error)
		}
		out = resp.Response
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Shutdown releases the underlying transport's connections.
func (c *Coordinator) Shutdown() error {
	return c.transport.Close()
}

func (c *Coordinator) sessionID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// leaderFor returns the cached leader, discovering one first if the cache
// is stale.
func (c *Coordinator) leaderFor(ctx context.Context) (codec.Address, error) {
	c.mu.RLock()
	leader, ok := c.leader, c.haveLeader
	c.mu.RUnlock()
	if ok {
		return leader, nil
	}
	if err := c.discoverLeader(ctx); err != nil {
		return codec.Address{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leader, nil
}

func (c *Coordinator) setLeader(addr codec.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leader = addr
	c.haveLeader = true
}

// invalidateLeader marks the cached leader stale if it still matches
// stale, so a concurrent call that already rediscovered a newer leader
// isn't clobbered.
func (c *Coordinator) invalidateLeader(stale codec.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.haveLeader && c.leader == stale {
		c.haveLeader = false
	}
}

func (c *Coordinator) ensureSession(ctx context.Context) error {
	c.mu.RLock()
	has := c.session != 0
	c.mu.RUnlock()
	if has {
		return nil
	}
	return retry.Do(ctx, func(ctx context.Context) error {
		return c.registerSession(ctx)
	})
}

// registerSession fans a RegisterRequest out to every known member
// concurrently. Only the leader admits the session; a non-leader that
// already knows of one reports it via RegisterResponse.Leader, so a single
// round trip either opens the session or narrows the search.
func (c *Coordinator) registerSession(ctx context.Context) error {
	type result struct {
		resp *codec.RegisterResponse
		from codec.Address
	}
	tctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	results := make(chan result, len(c.members))
	var wg sync.WaitGroup
	for _, m := range c.members {
		wg.Add(1)
		go func(peer codec.Address) {
			defer wg.Done()
			resp, err := c.transport.SendRegister(tctx, peer, &codec.RegisterRequest{Client: c.transport.LocalAddr()})
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					c.logger.Debug("register probe failed", slog.String("peer", peer.String()), logger.ErrAttr(err))
				}
				return
			}
			select {
			case results <- result{resp: resp, from: peer}:
			default:
			}
		}(m)
	}
	go func() { wg.Wait(); close(results) }()

	var lastKnownLeader codec.Address
	var haveLastKnown bool
	for {
		select {
		case <-tctx.Done():
			return fmt.Errorf("coordinator: session registration timed out: %w", tctx.Err())
		case r, ok := <-results:
			if !ok {
				if haveLastKnown {
					c.setLeader(lastKnownLeader)
				}
				return errors.New("coordinator: all members failed to admit a session")
			}
			if r.resp.Status == codec.StatusOK {
				c.mu.Lock()
				c.session = r.resp.Session
				c.leader = r.from
				c.haveLeader = true
				c.mu.Unlock()
				return nil
			}
			if (r.resp.Leader != codec.Address{}) {
				lastKnownLeader, haveLastKnown = r.resp.Leader, true
			}
		}
	}
}

// discoverLeader fans a cheap KeepAlive out to every known member; a
// non-leader still reports who it believes leads.
func (c *Coordinator) discoverLeader(ctx context.Context) error {
	type result struct {
		resp *codec.KeepAliveResponse
		from codec.Address
	}
	tctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	results := make(chan result, len(c.members))
	var wg sync.WaitGroup
	for _, m := range c.members {
		wg.Add(1)
		go func(peer codec.Address) {
			defer wg.Done()
			resp, err := c.transport.SendKeepAlive(tctx, peer, &codec.KeepAliveRequest{Session: c.sessionID()})
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					c.logger.Debug("keepalive probe failed", slog.String("peer", peer.String()), logger.ErrAttr(err))
				}
				return
			}
			select {
			case results <- result{resp: resp, from: peer}:
			default:
			}
		}(m)
	}
	go func() { wg.Wait(); close(results) }()

	for {
		select {
		case <-tctx.Done():
			return fmt.Errorf("coordinator: leader discovery timed out: %w", tctx.Err())
		case r, ok := <-results:
			if !ok {
				return errors.New("coordinator: leader discovery failed: all members unreachable")
			}
			if r.resp.Status == codec.StatusOK {
				c.setLeader(r.from)
				return nil
			}
			if (r.resp.Leader != codec.Address{}) {
				c.setLeader(r.resp.Leader)
				return nil
			}
		}
	}
}
