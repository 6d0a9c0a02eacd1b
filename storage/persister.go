package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/copycat-project/copycat/api"
	"github.com/copycat-project/copycat/internal/codec"
	"github.com/copycat-project/copycat/pkg/logger"
)

const metadataFileName = "metadata.json"
const tmpSuffix = ".tmp"

// persistedMetadata is the small, separately-fsynced file holding the bits
// of Raft state that aren't log entries.
type persistedMetadata struct {
	CurrentTerm uint64 `json:"current_term"`
	VotedFor    string `json:"voted_for"`
	GlobalIndex uint64 `json:"global_index"`
}

type opType int

const (
	opAppendEntries opType = iota
	opSetMetadata
	opSetGlobalIndex
)

type persistRequest struct {
	op      opType
	data    any
	errChan chan error
}

// FilePersister implements api.Persister over a segmented Log for entries
// plus a small JSON metadata file for term/votedFor/globalIndex. Writes are
// batched by a single background worker so concurrent Submit calls share
// fsyncs, the way the teacher's WAL-backed persister does.
type FilePersister struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	dir      string
	fsyncCfg api.FsyncCfg

	metadataPath string
	metadata     persistedMetadata

	log          *Log
	opChan       chan *persistRequest
	shutdownChan chan struct{}
	wg           sync.WaitGroup
}

var _ api.Persister = (*FilePersister)(nil)

// NewFilePersister creates a FilePersister rooted at dir and starts its
// background persister worker.
func NewFilePersister(dir string, log *slog.Logger, cfg api.StorageCfg) (*FilePersister, error) {
	if log == nil {
		log = logger.NewLogger(logger.Prod, false)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create persister dir %s: %w", dir, err)
	}

	segLog, err := OpenLog(dir, "raft", uint32(cfg.SegmentMaxBytes/8), uint32(cfg.SegmentMaxBytes), uint32(cfg.SegmentMaxBytes/64), log)
	if err != nil {
		return nil, fmt.Errorf("storage: open segment log: %w", err)
	}

	p := &FilePersister{
		logger:       log,
		dir:          dir,
		fsyncCfg:     cfg.Fsync,
		metadataPath: filepath.Join(dir, metadataFileName),
		log:          segLog,
		opChan:       make(chan *persistRequest, cfg.Fsync.BatchSize*2),
		shutdownChan: make(chan struct{}),
	}
	if err := p.loadMetadata(); err != nil {
		return nil, err
	}

	p.wg.Add(1)
	go p.worker()
	return p, nil
}

func (p *FilePersister) loadMetadata() error {
	data, err := os.ReadFile(p.metadataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("storage: read metadata: %w", err)
	}
	return json.Unmarshal(data, &p.metadata)
}

func (p *FilePersister) submit(op opType, data any) error {
	req := &persistRequest{op: op, data: data, errChan: make(chan error, 1)}
	p.opChan <- req
	return <-req.errChan
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func (p *FilePersister) worker() {
	defer p.wg.Done()
	batch := make([]*persistRequest, 0, p.fsyncCfg.BatchSize)
	timer := time.NewTimer(p.fsyncCfg.Timeout)
	stopTimer(timer)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		err := p.flushAppends(batch)
		for _, req := range batch {
			req.errChan <- err
		}
		batch = batch[:0]
		stopTimer(timer)
	}

	for {
		select {
		case req := <-p.opChan:
			if req.op == opAppendEntries {
				batch = append(batch, req)
				if len(batch) == 1 {
					timer.Reset(p.fsyncCfg.Timeout)
				}
				if len(batch) >= p.fsyncCfg.BatchSize {
					flush()
				}
			} else {
				flush()
				p.handleSyncOp(req)
			}
		case <-timer.C:
			flush()
		case <-p.shutdownChan:
			flush()
			return
		}
	}
}

func (p *FilePersister) flushAppends(batch []*persistRequest) error {
	var all []codec.Entry
	for _, req := range batch {
		all = append(all, req.data.([]codec.Entry)...)
	}
	if err := p.log.Append(all); err != nil {
		return fmt.Errorf("storage: append batch: %w", err)
	}
	return p.log.Sync()
}

func (p *FilePersister) handleSyncOp(req *persistRequest) {
	var err error
	switch req.op {
	case opSetMetadata:
		data := req.data.([2]any)
		err = p.setMetadata(data[0].(uint64), data[1].(string))
	case opSetGlobalIndex:
		err = p.setGlobalIndex(req.data.(uint64))
	default:
		err = fmt.Errorf("storage: unknown persist op %v", req.op)
	}
	req.errChan <- err
}

func (p *FilePersister) AppendEntries(entries []codec.Entry) error {
	return p.submit(opAppendEntries, entries)
}

func (p *FilePersister) SetMetadata(term uint64, votedFor string) error {
	return p.submit(opSetMetadata, [2]any{term, votedFor})
}

func (p *FilePersister) setMetadata(term uint64, votedFor string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	newMeta := p.metadata
	newMeta.CurrentTerm = term
	newMeta.VotedFor = votedFor
	return p.writeMetadataLocked(newMeta)
}

func (p *FilePersister) SetGlobalIndex(index uint64) error {
	return p.submit(opSetGlobalIndex, index)
}

func (p *FilePersister) setGlobalIndex(index uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index <= p.metadata.GlobalIndex {
		return nil
	}
	newMeta := p.metadata
	newMeta.GlobalIndex = index
	if err := p.writeMetadataLocked(newMeta); err != nil {
		return err
	}
	p.log.SetGlobalIndex(index)
	return nil
}

func (p *FilePersister) writeMetadataLocked(meta persistedMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("storage: marshal metadata: %w", err)
	}
	if err := syncFile(p.metadataPath, data, 0644); err != nil {
		return fmt.Errorf("storage: sync metadata: %w", err)
	}
	p.metadata = meta
	return nil
}

func (p *FilePersister) Entries(from, to uint64) ([]codec.Entry, error) {
	return p.log.Entries(from, to)
}

func (p *FilePersister) FirstIndex() (uint64, error) { return p.log.FirstIndex(), nil }
func (p *FilePersister) LastIndex() (uint64, error)  { return p.log.LastIndex(), nil }

func (p *FilePersister) Truncate(from uint64) error {
	return p.log.Truncate(from)
}

func (p *FilePersister) Bootstrap(firstIndex uint64) error {
	return p.log.Bootstrap(firstIndex)
}

func (p *FilePersister) ReadMetadata() (api.RaftMetadata, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return api.RaftMetadata{
		CurrentTerm: p.metadata.CurrentTerm,
		VotedFor:    p.metadata.VotedFor,
		GlobalIndex: p.metadata.GlobalIndex,
	}, nil
}

func (p *FilePersister) RaftStateSize() (int, error) {
	info, err := os.Stat(p.metadataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return int(info.Size()), nil
}

func (p *FilePersister) Close() error {
	close(p.shutdownChan)
	p.wg.Wait()
	return p.log.Close()
}

// Log exposes the underlying segmented log, e.g. for the Compactor.
func (p *FilePersister) Log() *Log { return p.log }

func syncFile(path string, data []byte, perm os.FileMode) error {
	tempPath := path + tmpSuffix
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	f.Close()
	return os.Rename(tempPath, path)
}
