// Package index implements the persistent file-state index (spec §3, §4.3):
// a map from (sync-pair id, virtual path) to a FileEntry, rebuilt from disk
// on mount and incrementally kept in sync afterward. The on-disk snapshot
// format — gzip-compressed JSON plus a sha256 checksum, written to a temp
// file and atomically renamed into place — is the teacher's persistent
// cache-index pattern, re-keyed from a flat cache key to the sync-pair
// namespace this spec needs.
package index

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/driftfs/driftfs/internal/pathutil"
	"github.com/driftfs/driftfs/pkg/errors"
)

// Location is where a FileEntry's bytes actually live.
type Location string

const (
	LocalOnly    Location = "local_only"
	ExternalOnly Location = "external_only"
	Both         Location = "both"
	NotExists    Location = "not_exists"
)

// LockState mirrors the lock manager's view of a path for index consumers
// that don't want to take a lockmgr dependency just to read one bit.
type LockState string

const (
	Unlocked LockState = "unlocked"
	Locked   LockState = "locked"
)

// FileEntry is the indexed unit (spec §3).
type FileEntry struct {
	SyncPairID   string    `json:"sync_pair_id"`
	VirtualPath  string    `json:"virtual_path"`
	LocalPath    string    `json:"local_path,omitempty"`
	ExternalPath string    `json:"external_path,omitempty"`
	Size         int64     `json:"size"`
	ModifiedAt   time.Time `json:"modified_at"`
	CreatedAt    time.Time `json:"created_at"`
	AccessedAt   time.Time `json:"accessed_at"`
	IsDirectory  bool      `json:"is_directory"`
	IsDirty      bool      `json:"is_dirty"`
	LockState    LockState `json:"lock_state"`
	Location     Location  `json:"location"`
}

// key identifies an entry: (sync-pair id, virtual path).
type key struct {
	pair string
	vp   string
}

// Stats summarizes one sync pair's index.
type Stats struct {
	TotalEntries int   `json:"total_entries"`
	LocalOnly    int   `json:"local_only"`
	ExternalOnly int   `json:"external_only"`
	Both         int   `json:"both"`
	Dirty        int   `json:"dirty"`
	TotalSize    int64 `json:"total_size"`
}

// Index is the persistent file-state index. Writers are serialized per
// sync pair via pairLock; the pair's own mutex is held only for the
// duration of a single map mutation, never across disk I/O.
type Index struct {
	mu       sync.RWMutex
	entries  map[key]*FileEntry
	pairLock sync.Map // pair id -> *sync.Mutex
}

// New creates an empty index.
func New() *Index {
	return &Index{entries: make(map[key]*FileEntry)}
}

func (idx *Index) lockFor(pair string) *sync.Mutex {
	v, _ := idx.pairLock.LoadOrStore(pair, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Get returns the entry for (pair, vp), if present.
func (idx *Index) Get(pair, vp string) (*FileEntry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[key{pair, vp}]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// List returns every entry for a sync pair.
func (idx *Index) List(pair string) []*FileEntry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make([]*FileEntry, 0)
	for k, e := range idx.entries {
		if k.pair == pair {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VirtualPath < out[j].VirtualPath })
	return out
}

// BatchUpsert inserts or replaces entries, serialized per sync pair.
// Failures are aggregated with multierr rather than aborting the batch,
// matching the spec's "batch upsert/remove" operation surface.
func (idx *Index) BatchUpsert(entries []*FileEntry) error {
	var errs error
	byPair := make(map[string][]*FileEntry)
	for _, e := range entries {
		if e == nil {
			continue
		}
		byPair[e.SyncPairID] = append(byPair[e.SyncPairID], e)
	}

	for pair, batch := range byPair {
		lock := idx.lockFor(pair)
		lock.Lock()
		func() {
			idx.mu.Lock()
			defer idx.mu.Unlock()
			for _, e := range batch {
				if e.VirtualPath == "" {
					errs = multierr.Append(errs, errors.New(errors.KindInvalidArgument, "empty virtual path").WithComponent("index"))
					continue
				}
				cp := *e
				idx.entries[key{pair, e.VirtualPath}] = &cp
			}
		}()
		lock.Unlock()
	}
	return errs
}

// BatchRemove deletes entries for the given (pair, vp) pairs.
func (idx *Index) BatchRemove(pair string, vps []string) error {
	lock := idx.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, vp := range vps {
		delete(idx.entries, key{pair, vp})
	}
	return nil
}

// Clear removes every entry for a sync pair.
func (idx *Index) Clear(pair string) {
	lock := idx.lockFor(pair)
	lock.Lock()
	defer lock.Unlock()

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for k := range idx.entries {
		if k.pair == pair {
			delete(idx.entries, k)
		}
	}
}

// MarkDirty flips the dirty flag on an entry.
func (idx *Index) MarkDirty(pair, vp string, dirty bool) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[key{pair, vp}]
	if !ok {
		return errors.New(errors.KindNoEntry, "no such indexed entry").WithComponent("index").WithPath(vp)
	}
	e.IsDirty = dirty
	return nil
}

// TouchAccess bumps accessed_at to now.
func (idx *Index) TouchAccess(pair, vp string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[key{pair, vp}]
	if !ok {
		return errors.New(errors.KindNoEntry, "no such indexed entry").WithComponent("index").WithPath(vp)
	}
	e.AccessedAt = time.Now()
	return nil
}

// Stats computes aggregate statistics for a sync pair.
func (idx *Index) Stats(pair string) Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var s Stats
	for k, e := range idx.entries {
		if k.pair != pair {
			continue
		}
		s.TotalEntries++
		s.TotalSize += e.Size
		if e.IsDirty {
			s.Dirty++
		}
		switch e.Location {
		case LocalOnly:
			s.LocalOnly++
		case ExternalOnly:
			s.ExternalOnly++
		case Both:
			s.Both++
		}
	}
	return s
}

// batchWriteSize is the write-batch size for full build (spec §4.3).
const batchWriteSize = 10000

// scanEntry is a raw filesystem observation before tier-merge.
type scanEntry struct {
	vp          string
	size        int64
	modTime     time.Time
	isDirectory bool
	local       bool
	external    bool
}

// FullBuild clears the pair and rebuilds its index from scratch, scanning
// LOCAL depth-first then EXTERNAL, merging by virtual path (spec §4.3).
// The two tree scans run concurrently via a bounded pool.
func (idx *Index) FullBuild(pair, localRoot, externalRoot string, excludeGlobs []string) error {
	idx.Clear(pair)

	var localScan, externalScan map[string]*scanEntry
	var localErr, externalErr error

	p := pool.New().WithMaxGoroutines(2)
	p.Go(func() {
		localScan, localErr = scanTree(localRoot, excludeGlobs)
	})
	p.Go(func() {
		if externalRoot == "" {
			externalScan = map[string]*scanEntry{}
			return
		}
		externalScan, externalErr = scanTree(externalRoot, excludeGlobs)
	})
	p.Wait()

	if localErr != nil && externalErr != nil {
		return multierr.Append(localErr, externalErr)
	}

	merged := mergeScans(localScan, externalScan)

	entries := make([]*FileEntry, 0, len(merged))
	now := time.Now()
	for vp, m := range merged {
		entries = append(entries, buildEntry(pair, vp, m, localRoot, externalRoot, now))
	}

	var errs error
	for i := 0; i < len(entries); i += batchWriteSize {
		end := i + batchWriteSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := idx.BatchUpsert(entries[i:end]); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// IncrementalUpdate reconciles the index against the current filesystem
// state without a full clear: entries are classified unchanged, updated
// (preserving is_dirty/lock_state/accessed_at), or added; anything
// previously indexed but no longer on disk is removed (spec §4.3).
func (idx *Index) IncrementalUpdate(pair, localRoot, externalRoot string, excludeGlobs []string) error {
	existing := idx.List(pair)
	existingByPath := make(map[string]*FileEntry, len(existing))
	for _, e := range existing {
		existingByPath[e.VirtualPath] = e
	}

	var localScan, externalScan map[string]*scanEntry
	var localErr, externalErr error

	p := pool.New().WithMaxGoroutines(2)
	p.Go(func() {
		localScan, localErr = scanTree(localRoot, excludeGlobs)
	})
	p.Go(func() {
		if externalRoot == "" {
			externalScan = map[string]*scanEntry{}
			return
		}
		externalScan, externalErr = scanTree(externalRoot, excludeGlobs)
	})
	p.Wait()
	if localErr != nil && externalErr != nil {
		return multierr.Append(localErr, externalErr)
	}

	merged := mergeScans(localScan, externalScan)

	now := time.Now()
	var upserts []*FileEntry
	seen := make(map[string]bool, len(merged))

	for vp, m := range merged {
		seen[vp] = true
		newEntry := buildEntry(pair, vp, m, localRoot, externalRoot, now)

		old, wasIndexed := existingByPath[vp]
		if !wasIndexed {
			upserts = append(upserts, newEntry) // added
			continue
		}

		// Tie-break per spec §9 open question 1: a size mismatch with
		// |delta mtime| <= 1s is still treated as unchanged, preserved
		// literally rather than "fixed" despite being flagged ambiguous.
		sizeMatches := old.Size == newEntry.Size
		mtimeClose := old.ModifiedAt.Sub(newEntry.ModifiedAt).Abs() <= time.Second
		locationMatches := old.Location == newEntry.Location

		if sizeMatches && locationMatches && mtimeClose {
			continue // unchanged
		}
		if !sizeMatches && mtimeClose && locationMatches {
			continue // unchanged per the ambiguous tie-break above
		}

		// updated: preserve identity fields the scan can't know about
		newEntry.IsDirty = old.IsDirty
		if ls, ok := localScan[vp]; ok && old.IsDirty {
			newEntry.ModifiedAt = ls.modTime // dirty: LOCAL's metadata wins
		}
		newEntry.LockState = old.LockState
		newEntry.AccessedAt = old.AccessedAt
		upserts = append(upserts, newEntry)
	}

	var removes []string
	for vp := range existingByPath {
		if !seen[vp] {
			removes = append(removes, vp)
		}
	}

	var errs error
	if len(upserts) > 0 {
		if err := idx.BatchUpsert(upserts); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if len(removes) > 0 {
		if err := idx.BatchRemove(pair, removes); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func buildEntry(pair, vp string, m *scanEntry, localRoot, externalRoot string, now time.Time) *FileEntry {
	e := &FileEntry{
		SyncPairID:  pair,
		VirtualPath: vp,
		Size:        m.size,
		ModifiedAt:  m.modTime,
		CreatedAt:   now,
		AccessedAt:  now,
		IsDirectory: m.isDirectory,
		LockState:   Unlocked,
	}
	switch {
	case m.local && m.external:
		e.Location = Both
		e.LocalPath = pathutil.ToLocal(localRoot, vp)
		e.ExternalPath = pathutil.ToExternal(externalRoot, vp)
	case m.local:
		e.Location = LocalOnly
		e.LocalPath = pathutil.ToLocal(localRoot, vp)
	case m.external:
		e.Location = ExternalOnly
		e.ExternalPath = pathutil.ToExternal(externalRoot, vp)
	default:
		e.Location = NotExists
	}
	return e
}

func mergeScans(local, external map[string]*scanEntry) map[string]*scanEntry {
	merged := make(map[string]*scanEntry, len(local)+len(external))
	for vp, m := range local {
		merged[vp] = &scanEntry{
			vp: vp, size: m.size, modTime: m.modTime, isDirectory: m.isDirectory,
			local: true,
		}
	}
	for vp, m := range external {
		if cur, ok := merged[vp]; ok {
			// Tie-break (spec §4.3): prefer the larger mtime and LOCAL's
			// size when both sides exist; dirty preference is applied by
			// IncrementalUpdate, which knows is_dirty from the old entry.
			cur.external = true
			if m.modTime.After(cur.modTime) {
				cur.modTime = m.modTime
			}
			cur.isDirectory = cur.isDirectory || m.isDirectory
			continue
		}
		merged[vp] = &scanEntry{
			vp: vp, size: m.size, modTime: m.modTime, isDirectory: m.isDirectory,
			external: true,
		}
	}
	return merged
}

func scanTree(root string, excludeGlobs []string) (map[string]*scanEntry, error) {
	out := make(map[string]*scanEntry)
	if root == "" {
		return out, nil
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return out, nil
	}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort scan; skip unreadable entries
		}
		if p == root {
			return nil
		}
		name := d.Name()
		if pathutil.ShouldExclude(name, excludeGlobs) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel := strings.TrimPrefix(p, root)
		vp := pathutil.Normalize(rel)

		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}

		out[vp] = &scanEntry{
			vp:          vp,
			size:        info.Size(),
			modTime:     info.ModTime(),
			isDirectory: d.IsDir(),
		}
		return nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// snapshotFile is the on-disk representation, gzip-compressed JSON with a
// trailing sha256 checksum of the uncompressed payload.
type snapshotFile struct {
	Entries  []*FileEntry `json:"entries"`
	Checksum string       `json:"checksum"`
}

// SaveSnapshot persists every entry to path as gzip-compressed JSON,
// written to a temp file and atomically renamed into place.
func (idx *Index) SaveSnapshot(path string) error {
	idx.mu.RLock()
	entries := make([]*FileEntry, 0, len(idx.entries))
	for _, e := range idx.entries {
		cp := *e
		entries = append(entries, &cp)
	}
	idx.mu.RUnlock()

	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal index snapshot: %w", err)
	}
	sum := sha256.Sum256(payload)

	snap := snapshotFile{Entries: entries, Checksum: fmt.Sprintf("%x", sum)}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}

	gz := gzip.NewWriter(f)
	encErr := json.NewEncoder(gz).Encode(snap)
	closeGzErr := gz.Close()
	closeFErr := f.Close()

	if encErr != nil || closeGzErr != nil || closeFErr != nil {
		_ = os.Remove(tmpPath)
		return multierr.Combine(encErr, closeGzErr, closeFErr)
	}

	return os.Rename(tmpPath, path)
}

// LoadSnapshot replaces the index's contents for whatever sync pairs
// appear in the snapshot file at path.
func (idx *Index) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open index snapshot: %w", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip reader: %w", err)
	}
	defer func() { _ = gz.Close() }()

	data, err := io.ReadAll(gz)
	if err != nil {
		return fmt.Errorf("read index snapshot: %w", err)
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode index snapshot: %w", err)
	}

	payload, err := json.Marshal(snap.Entries)
	if err != nil {
		return fmt.Errorf("re-marshal snapshot entries: %w", err)
	}
	sum := sha256.Sum256(payload)
	if fmt.Sprintf("%x", sum) != snap.Checksum {
		return errors.New(errors.KindIO, "index snapshot checksum mismatch").WithComponent("index")
	}

	return idx.BatchUpsert(snap.Entries)
}
