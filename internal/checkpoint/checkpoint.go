package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"forge/internal/errdefs"
	"forge/internal/graph"
	"forge/internal/hashing"
	"forge/internal/logging"
)

// File format: 4-byte magic "CKPT", 1-byte version, then the payload.
// Readers reject unknown versions with a structured error; there is no
// silent migration.
const (
	magic   = "CKPT"
	version = byte(1)

	// FileName is the checkpoint file under the cache root.
	FileName = "checkpoint.bin"
)

// Record is one target's final state from a prior invocation.
type Record struct {
	TargetID   string
	Status     graph.Status
	SourceHash hashing.Digest
}

// Checkpoint is the persisted resume snapshot.
type Checkpoint struct {
	// InvocationID identifies the build that wrote the snapshot.
	InvocationID string

	// CreatedAt is the snapshot timestamp.
	CreatedAt time.Time

	// Records holds every target's final status and source hash.
	Records []Record

	// Failed lists the targets that ended Failed.
	Failed []string
}

// Strategy selects how a loaded checkpoint is applied.
type Strategy string

const (
	// StrategySmart validates source hashes, retries failures, rebuilds
	// invalidated dependents, skips intact successes. The default.
	StrategySmart Strategy = "smart"

	// StrategyRetryFailed retries failed targets and their dependents,
	// skipping everything else without hash validation.
	StrategyRetryFailed Strategy = "retry-failed"

	// StrategySkipFailed skips failed targets and continues with the
	// successors of successful ones.
	StrategySkipFailed Strategy = "skip-failed"

	// StrategyRebuildAll ignores the checkpoint.
	StrategyRebuildAll Strategy = "rebuild-all"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySmart, StrategyRetryFailed, StrategySkipFailed, StrategyRebuildAll:
		return Strategy(s), nil
	case "":
		return StrategySmart, nil
	}
	return "", errdefs.New(errdefs.KindInvalidValue, "unknown resume strategy %q", s)
}

// Manager owns checkpoint persistence. A single mutex serializes writes;
// only the scheduler thread writes, at build termination.
type Manager struct {
	mu      sync.Mutex
	path    string
	maxAge  time.Duration
	enabled bool
}

// NewManager creates a manager writing under cacheRoot.
func NewManager(cacheRoot string, maxAge time.Duration, enabled bool) *Manager {
	return &Manager{
		path:    filepath.Join(cacheRoot, FileName),
		maxAge:  maxAge,
		enabled: enabled,
	}
}

// Capture snapshots the graph's node states plus per-target source
// hashes.
func Capture(g *graph.Graph, sourceHashes map[string]hashing.Digest) *Checkpoint {
	cp := &Checkpoint{
		InvocationID: uuid.NewString(),
		CreatedAt:    time.Now(),
	}
	for _, n := range g.Nodes() {
		cp.Records = append(cp.Records, Record{
			TargetID:   n.ID(),
			Status:     n.Status(),
			SourceHash: sourceHashes[n.ID()],
		})
		if n.Status() == graph.StatusFailed {
			cp.Failed = append(cp.Failed, n.ID())
		}
	}
	return cp
}

// Save persists the checkpoint. Called when a build terminates with
// failures; disabled managers drop it silently.
func (m *Manager) Save(cp *Checkpoint) error {
	if !m.enabled {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "creating checkpoint dir")
	}

	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "creating checkpoint")
	}
	w := bufio.NewWriter(f)
	if err := encode(w, cp); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errdefs.Wrap(errdefs.KindIO, err, "flushing checkpoint")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errdefs.Wrap(errdefs.KindIO, err, "closing checkpoint")
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "placing checkpoint")
	}
	logging.Get(logging.CategoryRetry).Info("checkpoint saved: %d records, %d failed", len(cp.Records), len(cp.Failed))
	return nil
}

// Load reads the checkpoint if present, valid, and within the age bound.
// Absent, expired, or disabled all return (nil, nil); corrupt files are
// removed and reported.
func (m *Manager) Load() (*Checkpoint, error) {
	if !m.enabled {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.Open(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdefs.Wrap(errdefs.KindIO, err, "opening checkpoint")
	}
	defer f.Close()

	cp, err := decode(bufio.NewReader(f))
	if err != nil {
		os.Remove(m.path)
		return nil, err
	}

	if m.maxAge > 0 && time.Since(cp.CreatedAt) > m.maxAge {
		logging.Get(logging.CategoryRetry).Info("checkpoint expired (%s old), discarding", time.Since(cp.CreatedAt))
		os.Remove(m.path)
		return nil, nil
	}
	return cp, nil
}

// Clear removes the checkpoint; called on full success.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return errdefs.Wrap(errdefs.KindIO, err, "clearing checkpoint")
	}
	return nil
}

// Valid reports whether every recorded target still exists in the graph.
// An invalid checkpoint is discarded wholesale.
func (cp *Checkpoint) Valid(g *graph.Graph) bool {
	for _, r := range cp.Records {
		if g.Node(r.TargetID) == nil {
			return false
		}
	}
	return true
}

// Apply replays the checkpoint onto a fresh graph according to the
// strategy, returning the labels that will be skipped (their prior
// Success/Cached state stands). changed lists targets whose current
// source hash differs from the recorded one (used by smart resume).
func (cp *Checkpoint) Apply(g *graph.Graph, strategy Strategy, changed map[string]bool) []string {
	if strategy == StrategyRebuildAll {
		return nil
	}

	prior := make(map[string]Record, len(cp.Records))
	for _, r := range cp.Records {
		prior[r.TargetID] = r
	}

	// Invalidation set: targets that must rebuild despite a prior pass.
	invalid := make(map[string]bool)
	switch strategy {
	case StrategySmart:
		for id := range changed {
			invalid[id] = true
		}
		for _, id := range g.TransitiveDependents(keys(changed)) {
			invalid[id] = true
		}
	case StrategyRetryFailed:
		for _, id := range cp.Failed {
			for _, dep := range g.TransitiveDependents([]string{id}) {
				invalid[dep] = true
			}
		}
	}

	var skipped []string
	for _, n := range g.Nodes() {
		r, ok := prior[n.ID()]
		if !ok || invalid[n.ID()] {
			continue
		}
		switch r.Status {
		case graph.StatusSuccess, graph.StatusCached:
			g.ForceStatus(n.ID(), r.Status)
			skipped = append(skipped, n.ID())
		case graph.StatusFailed:
			if strategy == StrategySkipFailed {
				// Stays Failed: not rebuilt, and its dependents never
				// become ready; independent branches proceed.
				g.ForceStatus(n.ID(), graph.StatusFailed)
				continue
			}
			// Smart and retry-failed leave failures Ready for retry.
		}
	}
	return skipped
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// --- binary codec ---

func encode(w io.Writer, cp *Checkpoint) error {
	if _, err := w.Write([]byte(magic)); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "writing checkpoint magic")
	}
	if _, err := w.Write([]byte{version}); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "writing checkpoint version")
	}

	if err := writeString(w, cp.InvocationID); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, cp.CreatedAt.UnixNano()); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "writing checkpoint timestamp")
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(cp.Records))); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "writing record count")
	}
	for _, r := range cp.Records {
		if err := writeString(w, r.TargetID); err != nil {
			return err
		}
		if err := binary.Write(w, binary.BigEndian, int32(r.Status)); err != nil {
			return errdefs.Wrap(errdefs.KindIO, err, "writing status")
		}
		if _, err := w.Write(r.SourceHash[:]); err != nil {
			return errdefs.Wrap(errdefs.KindIO, err, "writing source hash")
		}
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(cp.Failed))); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "writing failed count")
	}
	for _, id := range cp.Failed {
		if err := writeString(w, id); err != nil {
			return err
		}
	}
	return nil
}

func decode(r io.Reader) (*Checkpoint, error) {
	head := make([]byte, 5)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, corrupt("checkpoint header", err)
	}
	if string(head[:4]) != magic {
		return nil, errdefs.New(errdefs.KindCacheCorrupted, "checkpoint magic %q, want %q", head[:4], magic)
	}
	if head[4] != version {
		return nil, errdefs.New(errdefs.KindCacheLoad, "checkpoint version %d not supported (want %d)", head[4], version)
	}

	cp := &Checkpoint{}
	var err error
	if cp.InvocationID, err = readString(r); err != nil {
		return nil, err
	}
	var ns int64
	if err := binary.Read(r, binary.BigEndian, &ns); err != nil {
		return nil, corrupt("checkpoint timestamp", err)
	}
	cp.CreatedAt = time.Unix(0, ns)

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, corrupt("record count", err)
	}
	for i := uint32(0); i < count; i++ {
		var rec Record
		if rec.TargetID, err = readString(r); err != nil {
			return nil, err
		}
		var status int32
		if err := binary.Read(r, binary.BigEndian, &status); err != nil {
			return nil, corrupt("record status", err)
		}
		rec.Status = graph.Status(status)
		if _, err := io.ReadFull(r, rec.SourceHash[:]); err != nil {
			return nil, corrupt("record hash", err)
		}
		cp.Records = append(cp.Records, rec)
	}

	var failedCount uint32
	if err := binary.Read(r, binary.BigEndian, &failedCount); err != nil {
		return nil, corrupt("failed count", err)
	}
	for i := uint32(0); i < failedCount; i++ {
		id, err := readString(r)
		if err != nil {
			return nil, err
		}
		cp.Failed = append(cp.Failed, id)
	}
	return cp, nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(s))); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "writing string length")
	}
	if _, err := io.WriteString(w, s); err != nil {
		return errdefs.Wrap(errdefs.KindIO, err, "writing string")
	}
	return nil
}

func readString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", corrupt("string length", err)
	}
	if n > 1<<20 {
		return "", errdefs.New(errdefs.KindCacheCorrupted, "checkpoint string length %d implausible", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", corrupt("string body", err)
	}
	return string(buf), nil
}

func corrupt(what string, err error) *errdefs.BuildError {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return errdefs.Wrap(errdefs.KindCacheCorrupted, err, "truncated %s", what)
	}
	return errdefs.Wrap(errdefs.KindIO, err, "reading %s", what)
}
