package seeds

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/biome/gateway/internal/imaging"
	"github.com/biome/gateway/internal/safety"
)

// Classifier is the slice of the safety checker the cache depends on.
type Classifier interface {
	CheckOne(path string) (safety.Verdict, error)
	CheckBatch(paths []string) ([]safety.Verdict, error)
}

// Config locates the seed directories and snapshot file.
type Config struct {
	// DefaultDir holds pre-bundled seeds; entries there are immutable.
	DefaultDir string
	// UploadsDir holds user-provided seeds.
	UploadsDir string
	// SnapshotPath is the on-disk cache blob (.seeds_cache.bin).
	SnapshotPath string
	// HashWorkers bounds parallel file hashing during bulk scans.
	HashWorkers int
	// OnChange, when set, is notified with (total, safe) counts after every
	// mutation. Used to feed gauges.
	OnChange func(total, safe int)
}

// Cache is the filename-to-verdict index. All bulk mutations run under a
// single guard; snapshot reads wait on that guard so callers never observe
// a partial scan.
type Cache struct {
	cfg        Config
	classifier Classifier
	log        *slog.Logger

	mu   sync.Mutex
	snap Snapshot
}

// New creates the cache and its directories.
func New(cfg Config, classifier Classifier) (*Cache, error) {
	if cfg.HashWorkers <= 0 {
		cfg.HashWorkers = 4
	}
	for _, dir := range []string{cfg.DefaultDir, cfg.UploadsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating seed directory %s: %w", dir, err)
		}
	}
	return &Cache{
		cfg:        cfg,
		classifier: classifier,
		log:        slog.Default().With("component", "seeds"),
		snap:       emptySnapshot(),
	}, nil
}

// Load reads the snapshot blob, falling back to an empty snapshot when the
// file is absent or corrupt.
func (c *Cache) Load() {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.cfg.SnapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warn("failed to read seed cache, starting empty", "error", err)
		}
		c.snap = emptySnapshot()
		return
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		c.log.Warn("seed cache corrupt, starting empty", "error", err)
		c.snap = emptySnapshot()
		return
	}
	c.snap = snap
	c.log.Info("seed cache loaded", "entries", len(snap.Files))
}

// saveLocked atomically replaces the on-disk blob. Callers hold c.mu.
func (c *Cache) saveLocked() {
	data, err := EncodeSnapshot(c.snap)
	if err != nil {
		c.log.Error("failed to encode seed cache", "error", err)
		return
	}
	if err := atomic.WriteFile(c.cfg.SnapshotPath, bytes.NewReader(data)); err != nil {
		c.log.Error("failed to persist seed cache", "error", err)
		return
	}
	c.notifyLocked()
}

func (c *Cache) notifyLocked() {
	if c.cfg.OnChange == nil {
		return
	}
	total, safe := 0, 0
	for _, rec := range c.snap.Files {
		total++
		if rec.IsSafe {
			safe++
		}
	}
	c.cfg.OnChange(total, safe)
}

// listSeedFiles enumerates supported images in both watched directories,
// sorted for deterministic scan order.
func (c *Cache) listSeedFiles() []string {
	var paths []string
	for _, dir := range []string{c.cfg.DefaultDir, c.cfg.UploadsDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !imaging.IsSupportedExt(e.Name()) {
				continue
			}
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths
}

// hashAll computes SHA-256 for every path, I/O-parallel. The returned
// slices align with paths; a failed hash leaves an empty string and an
// error at its index.
func (c *Cache) hashAll(ctx context.Context, paths []string) ([]string, []error) {
	hashes := make([]string, len(paths))
	errs := make([]error, len(paths))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.HashWorkers)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			hashes[i], errs[i] = HashFile(path)
			return nil
		})
	}
	_ = g.Wait()
	return hashes, errs
}

// buildRecords classifies the given files and assembles records for them.
func (c *Cache) buildRecords(ctx context.Context, paths []string) (map[string]Record, error) {
	hashes, hashErrs := c.hashAll(ctx, paths)
	verdicts, err := c.classifier.CheckBatch(paths)
	if err != nil {
		return nil, fmt.Errorf("classifying seeds: %w", err)
	}
	if len(verdicts) != len(paths) {
		return nil, fmt.Errorf("classifier returned %d verdicts for %d seeds", len(verdicts), len(paths))
	}

	checkedAt := time.Now()
	records := make(map[string]Record, len(paths))
	for i, path := range paths {
		name := filepath.Base(path)
		rec := Record{
			Path:      path,
			CheckedAt: checkedAt,
		}
		if hashErrs[i] != nil {
			c.log.Error("failed to hash seed", "file", name, "error", hashErrs[i])
			rec.IsSafe = false
			rec.Err = hashErrs[i].Error()
		} else {
			rec.Hash = hashes[i]
			rec.IsSafe = verdicts[i].IsSafe
			rec.Scores = verdicts[i].Scores
		}
		records[name] = rec
		status := "unsafe"
		if rec.IsSafe {
			status = "safe"
		}
		c.log.Info("seed classified", "file", name, "verdict", status)
	}
	return records, nil
}

// Rescan enumerates all seed files, reclassifies them in one batch and
// replaces the snapshot. This is the recovery primitive when integrity
// cannot be assured incrementally.
func (c *Cache) Rescan(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rescanLocked(ctx)
}

func (c *Cache) rescanLocked(ctx context.Context) error {
	c.log.Info("starting full seed directory scan")
	paths := c.listSeedFiles()

	snap := Snapshot{Files: make(map[string]Record, len(paths)), LastScan: time.Now()}
	if len(paths) > 0 {
		records, err := c.buildRecords(ctx, paths)
		if err != nil {
			return err
		}
		snap.Files = records
	}
	c.snap = snap
	c.saveLocked()
	c.log.Info("scan complete", "seeds", len(snap.Files))
	return nil
}

// ValidateAndUpdate incrementally repairs the snapshot against the file
// system: entries for vanished files are removed, newly appeared files are
// classified and inserted, and any hash mismatch invalidates the whole
// snapshot and triggers a full rescan, because cached verdicts cannot be
// trusted once the cache has desynchronized from disk.
func (c *Cache) ValidateAndUpdate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.snap.Files) == 0 {
		c.log.Info("seed cache empty, performing full scan")
		return c.rescanLocked(ctx)
	}

	current := make(map[string]string)
	for _, path := range c.listSeedFiles() {
		current[filepath.Base(path)] = path
	}

	var missing []string
	mismatched := false
	for name, rec := range c.snap.Files {
		if _, err := os.Stat(rec.Path); err != nil {
			c.log.Info("seed file gone, dropping entry", "file", name)
			missing = append(missing, name)
			continue
		}
		if rec.Hash == "" {
			// Entry failed to hash last time; treat as desynchronized.
			mismatched = true
			continue
		}
		actual, err := HashFile(rec.Path)
		if err != nil || actual != rec.Hash {
			c.log.Warn("seed hash mismatch", "file", name)
			mismatched = true
		}
	}

	for _, name := range missing {
		delete(c.snap.Files, name)
	}
	if mismatched {
		c.log.Warn("hash mismatches detected, triggering full rescan")
		return c.rescanLocked(ctx)
	}

	var newPaths []string
	for name, path := range current {
		if _, ok := c.snap.Files[name]; !ok {
			newPaths = append(newPaths, path)
		}
	}
	sort.Strings(newPaths)

	if len(newPaths) > 0 {
		c.log.Info("classifying new seed files", "count", len(newPaths))
		records, err := c.buildRecords(ctx, newPaths)
		if err != nil {
			return err
		}
		for name, rec := range records {
			c.snap.Files[name] = rec
		}
	}

	if len(missing) > 0 || len(newPaths) > 0 {
		c.snap.LastScan = time.Now()
		c.saveLocked()
		c.log.Info("seed cache updated",
			"removed", len(missing), "added", len(newPaths), "total", len(c.snap.Files))
	}
	return nil
}

// Upload stores a user seed, classifies it and inserts its record. On a
// classifier failure the file is deleted so no untrusted artifact is left
// behind.
func (c *Cache) Upload(ctx context.Context, filename string, data []byte) (Record, error) {
	if filename != filepath.Base(filename) || strings.ContainsAny(filename, "/\\") || filename == "" {
		return Record{}, ErrInvalidFilename
	}
	if !imaging.IsSupportedExt(filename) {
		return Record{}, fmt.Errorf("%w: accepted: %s",
			ErrUnsupportedExtension, strings.Join(imaging.SupportedExtensions, ", "))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	path := filepath.Join(c.cfg.UploadsDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Record{}, fmt.Errorf("writing upload: %w", err)
	}

	hash, err := HashFile(path)
	if err != nil {
		_ = os.Remove(path)
		return Record{}, err
	}
	verdict, err := c.classifier.CheckOne(path)
	if err != nil {
		_ = os.Remove(path)
		return Record{}, fmt.Errorf("safety check failed: %w", err)
	}

	rec := Record{
		Hash:      hash,
		IsSafe:    verdict.IsSafe,
		Scores:    verdict.Scores,
		Path:      path,
		CheckedAt: time.Now(),
	}
	c.snap.Files[filename] = rec
	c.saveLocked()

	status := "unsafe"
	if rec.IsSafe {
		status = "safe"
	}
	c.log.Info("seed uploaded", "file", filename, "verdict", status)
	return rec, nil
}

// Delete removes an uploaded seed. Default seeds are immutable.
func (c *Cache) Delete(filename string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.snap.Files[filename]
	if !ok {
		return ErrNotFound
	}
	if !insideDir(c.cfg.UploadsDir, rec.Path) {
		return ErrDefaultSeedImmutable
	}
	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting seed file: %w", err)
	}
	delete(c.snap.Files, filename)
	c.saveLocked()
	c.log.Info("seed deleted", "file", filename)
	return nil
}

// Verify runs the four-step seed check used before every engine handoff:
// the filename must be cached, its verdict safe, its file present, and the
// on-disk SHA-256 bitwise equal to the cached hash. The hash runs outside
// the guard so long reads never stall other sessions.
func (c *Cache) Verify(filename string) (Record, error) {
	c.mu.Lock()
	rec, ok := c.snap.Files[filename]
	c.mu.Unlock()

	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}
	if !rec.IsSafe {
		return Record{}, fmt.Errorf("%w: %s", ErrUnsafe, filename)
	}
	if _, err := os.Stat(rec.Path); err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrFileMissing, filename)
	}
	actual, err := HashFile(rec.Path)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s", ErrIntegrity, filename)
	}
	if actual != rec.Hash {
		return Record{}, fmt.Errorf("%w: %s", ErrIntegrity, filename)
	}
	return rec, nil
}

// Get returns the cached record for filename.
func (c *Cache) Get(filename string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.snap.Files[filename]
	return rec, ok
}

// ListEntry is the public projection of a record for /seeds/list.
type ListEntry struct {
	Filename  string  `json:"filename"`
	Hash      string  `json:"hash"`
	IsSafe    bool    `json:"is_safe"`
	IsDefault bool    `json:"is_default"`
	CheckedAt float64 `json:"checked_at"`
}

// List returns the cache contents. Unsafe records are omitted unless
// includeUnsafe is set (operator policy).
func (c *Cache) List(includeUnsafe bool) map[string]ListEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]ListEntry, len(c.snap.Files))
	for name, rec := range c.snap.Files {
		if !rec.IsSafe && !includeUnsafe {
			continue
		}
		entry := ListEntry{
			Filename:  name,
			Hash:      rec.Hash,
			IsSafe:    rec.IsSafe,
			IsDefault: !insideDir(c.cfg.UploadsDir, rec.Path),
		}
		if !rec.CheckedAt.IsZero() {
			entry.CheckedAt = float64(rec.CheckedAt.UnixNano()) / float64(time.Second)
		}
		out[name] = entry
	}
	return out
}

// Stats returns (total, safe) entry counts.
func (c *Cache) Stats() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	total, safe := 0, 0
	for _, rec := range c.snap.Files {
		total++
		if rec.IsSafe {
			safe++
		}
	}
	return total, safe
}

// SnapshotView returns a deep copy of the current snapshot.
func (c *Cache) SnapshotView() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap.clone()
}

// SetupDefaults copies seeds from a local development directory into
// DefaultDir when the latter is empty. Production installs bundle defaults
// at packaging time, so this is a no-op there.
func (c *Cache) SetupDefaults(localDir string) error {
	entries, err := os.ReadDir(c.cfg.DefaultDir)
	if err == nil {
		for _, e := range entries {
			if !e.IsDir() && imaging.IsSupportedExt(e.Name()) {
				return nil
			}
		}
	}
	if localDir == "" {
		return nil
	}
	local, err := os.ReadDir(localDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	copied := 0
	for _, e := range local {
		if e.IsDir() || !imaging.IsSupportedExt(e.Name()) {
			continue
		}
		src := filepath.Join(localDir, e.Name())
		dst := filepath.Join(c.cfg.DefaultDir, e.Name())
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("copying default seed %s: %w", e.Name(), err)
		}
		copied++
	}
	if copied > 0 {
		c.log.Info("copied local seeds into default directory", "count", copied)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return atomic.WriteFile(dst, in)
}

// insideDir reports whether path resides under dir.
func insideDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
