package delta

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/npiesco/fsdb/core"
	"github.com/npiesco/fsdb/storage"
)

// LogDir is the log directory name under the table root.
const LogDir = "_delta_log"

const snapshotCacheSize = 32

// A claimed but unpublished version slot older than this counts as abandoned
// by a crashed writer and may be reclaimed.
const defaultReclaimAfter = 5 * time.Second

// Log owns the ordered, append-only sequence of versioned commits and the
// atomic version-advance protocol. Readers are never blocked by writers:
// the only serialization point is the create-if-absent claim on the next
// version's commit file.
type Log struct {
	store        *storage.Store
	maxRetries   int
	reclaimAfter time.Duration

	mu    sync.RWMutex
	cache map[int64]*Snapshot
}

// NewLog creates a log handle over the store's _delta_log directory.
func NewLog(store *storage.Store, maxRetries int) *Log {
	if maxRetries <= 0 {
		maxRetries = 10
	}
	return &Log{
		store:        store,
		maxRetries:   maxRetries,
		reclaimAfter: defaultReclaimAfter,
		cache:        make(map[int64]*Snapshot),
	}
}

func commitFileName(version int64) string {
	return fmt.Sprintf("%020d.json", version)
}

func parseCommitFileName(name string) (int64, bool) {
	if !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	base := strings.TrimSuffix(name, ".json")
	if len(base) != 20 {
		return 0, false
	}
	v, err := strconv.ParseInt(base, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// Versions lists all committed versions in ascending order.
func (l *Log) Versions(ctx context.Context) ([]int64, error) {
	names, err := l.store.List(LogDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list log directory: %w", err)
	}
	var versions []int64
	for _, name := range names {
		if v, ok := parseCommitFileName(name); ok {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// LatestVersion returns the highest committed version, or -1 when the log
// is empty.
func (l *Log) LatestVersion(ctx context.Context) (int64, error) {
	versions, err := l.Versions(ctx)
	if err != nil {
		return -1, err
	}
	if len(versions) == 0 {
		return -1, nil
	}
	return versions[len(versions)-1], nil
}

// ReadCommit returns the ordered action list of one committed version.
// A claimed slot whose payload was never fully published yields
// ErrIncompleteCommit.
func (l *Log) ReadCommit(ctx context.Context, version int64) ([]Action, error) {
	data, err := l.store.ReadFile(path.Join(LogDir, commitFileName(version)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: version %d", ErrNotFound, version)
		}
		return nil, fmt.Errorf("failed to read commit %d: %w", version, err)
	}
	actions, err := decodeCommit(data)
	if err != nil {
		return nil, fmt.Errorf("commit %d: %w", version, err)
	}
	return actions, nil
}

// Snapshot replays actions 0..=version and returns the live file set.
// A nil version means the latest; there an unpublished slot at the tail is
// not a commit yet, so the version before it is served. Never mutates the
// log; safe to call concurrently with commits.
func (l *Log) Snapshot(ctx context.Context, version *int64) (*Snapshot, error) {
	if version != nil {
		if *version < 0 {
			return nil, fmt.Errorf("%w: table has no commits", ErrNotFound)
		}
		return l.replay(ctx, *version)
	}

	latest, err := l.LatestVersion(ctx)
	if err != nil {
		return nil, err
	}
	for latest >= 0 {
		snap, err := l.replay(ctx, latest)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, ErrIncompleteCommit) {
			return nil, err
		}
		latest--
	}
	return nil, fmt.Errorf("%w: table has no commits", ErrNotFound)
}

func (l *Log) replay(ctx context.Context, target int64) (*Snapshot, error) {
	l.mu.RLock()
	if snap, ok := l.cache[target]; ok {
		l.mu.RUnlock()
		return snap, nil
	}
	// Resume replay from the closest cached ancestor.
	base := newSnapshot()
	for v, snap := range l.cache {
		if v <= target && v > base.Version {
			base = snap
		}
	}
	l.mu.RUnlock()

	snap := base.clone()
	for v := base.Version + 1; v <= target; v++ {
		actions, err := l.ReadCommit(ctx, v)
		if err != nil {
			// An unpublished slot below a committed version breaks the
			// chain; only the tail slot gets the uncommitted treatment.
			if v < target && errors.Is(err, ErrIncompleteCommit) {
				return nil, fmt.Errorf("%w: unpublished commit %d below version %d", ErrCorruption, v, target)
			}
			return nil, err
		}
		snap.apply(v, actions)
	}

	l.cacheSnapshot(snap)
	return snap, nil
}

func (l *Log) cacheSnapshot(snap *Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[snap.Version] = snap
	for len(l.cache) > snapshotCacheSize {
		oldest := snap.Version
		for v := range l.cache {
			if v < oldest {
				oldest = v
			}
		}
		delete(l.cache, oldest)
	}
}

// validateRebase checks that actions computed against an older snapshot
// still apply safely on top of the latest one.
func validateRebase(latest *Snapshot, actions []Action) error {
	for _, a := range actions {
		switch {
		case a.Remove != nil:
			if !latest.Contains(a.Remove.Path) {
				return fmt.Errorf("%w: file %s was already removed", ErrConflict, a.Remove.Path)
			}
		case a.Add != nil:
			if latest.Contains(a.Add.Path) {
				return fmt.Errorf("%w: file %s already exists in the live set", ErrConflict, a.Add.Path)
			}
		}
	}
	return nil
}

// Commit attempts to write actions as version base+1. On losing the
// version-slot race it reloads the log, re-validates the actions against
// the latest snapshot, and retries with a bumped base, up to the retry
// bound. Either the whole commit becomes visible or none of it does.
func (l *Log) Commit(ctx context.Context, base int64, actions []Action, operation string, metrics map[string]int64) (int64, error) {
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		target := base + 1

		// Marshal before claiming the slot; no state is held across I/O.
		// The commitInfo trailer goes last: a reader treats a payload
		// without it as unpublished, so a writer dying mid-write can never
		// expose a partially applied commit.
		full := make([]Action, 0, len(actions)+1)
		full = append(full, actions...)
		full = append(full, Action{CommitInfo: &CommitInfo{
			Timestamp:        time.Now().UnixMilli(),
			Operation:        operation,
			OperationMetrics: metrics,
		}})
		payload, err := encodeActions(full)
		if err != nil {
			return -1, err
		}

		entry := path.Join(LogDir, commitFileName(target))
		file, err := l.store.CreateExclusive(entry)
		if err != nil {
			if os.IsExist(err) {
				if l.reclaimAbandoned(ctx, target) {
					continue
				}
				core.Debugf(ctx, "commit lost version slot %d, rebasing", target)
				snap, serr := l.Snapshot(ctx, nil)
				if serr != nil {
					return -1, serr
				}
				if verr := validateRebase(snap, actions); verr != nil {
					return -1, verr
				}
				base = snap.Version
				continue
			}
			return -1, fmt.Errorf("failed to claim version slot %d: %w", target, err)
		}

		if _, err := file.Write(payload); err != nil {
			file.Close()
			l.store.Remove(entry)
			return -1, fmt.Errorf("failed to write commit %d: %w", target, err)
		}
		if err := file.Close(); err != nil {
			l.store.Remove(entry)
			return -1, fmt.Errorf("failed to close commit %d: %w", target, err)
		}

		l.updateCacheAfterCommit(ctx, base, target, full)
		core.Debugf(ctx, "committed version %d (%s, %d actions)", target, operation, len(actions))
		return target, nil
	}
	return -1, fmt.Errorf("%w: after %d attempts", ErrConcurrentModification, l.maxRetries+1)
}

// reclaimAbandoned frees a version slot whose writer died between claiming
// it and publishing the payload. Fresh claims are left alone so an active
// writer is never raced out of its slot mid-publish.
func (l *Log) reclaimAbandoned(ctx context.Context, version int64) bool {
	if _, err := l.ReadCommit(ctx, version); !errors.Is(err, ErrIncompleteCommit) {
		return false
	}
	entry := path.Join(LogDir, commitFileName(version))
	mod, err := l.store.ModTime(entry)
	if err != nil || time.Since(mod) < l.reclaimAfter {
		return false
	}
	if err := l.store.Remove(entry); err != nil {
		return false
	}
	core.Warnf(ctx, "reclaimed abandoned commit slot %d", version)
	return true
}

func (l *Log) updateCacheAfterCommit(ctx context.Context, base, target int64, actions []Action) {
	if base < 0 {
		snap := newSnapshot()
		snap.apply(target, actions)
		l.cacheSnapshot(snap)
		return
	}
	l.mu.RLock()
	prev, ok := l.cache[base]
	l.mu.RUnlock()
	if !ok {
		return
	}
	snap := prev.clone()
	snap.apply(target, actions)
	l.cacheSnapshot(snap)
}
