package seeds

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biome/gateway/internal/safety"
)

// stubClassifier marks files unsafe by base name and counts calls.
type stubClassifier struct {
	unsafe     map[string]bool
	err        error
	oneCalls   int
	batchCalls int
}

func (s *stubClassifier) verdict(path string) safety.Verdict {
	if s.unsafe[filepath.Base(path)] {
		return safety.Verdict{IsSafe: false, Scores: safety.Scores{Low: 0.9}}
	}
	return safety.Verdict{IsSafe: true, Scores: safety.Scores{Neutral: 0.95, Low: 0.02}}
}

func (s *stubClassifier) CheckOne(path string) (safety.Verdict, error) {
	s.oneCalls++
	if s.err != nil {
		return safety.Verdict{}, s.err
	}
	return s.verdict(path), nil
}

func (s *stubClassifier) CheckBatch(paths []string) ([]safety.Verdict, error) {
	s.batchCalls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([]safety.Verdict, len(paths))
	for i, p := range paths {
		out[i] = s.verdict(p)
	}
	return out, nil
}

func pngBytes(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestCache(t *testing.T, classifier Classifier) (*Cache, Config) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		DefaultDir:   filepath.Join(root, "default"),
		UploadsDir:   filepath.Join(root, "uploads"),
		SnapshotPath: filepath.Join(root, ".seeds_cache.bin"),
		HashWorkers:  2,
	}
	c, err := New(cfg, classifier)
	require.NoError(t, err)
	return c, cfg
}

func writeSeed(t *testing.T, dir, name string, c color.RGBA) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, pngBytes(t, c), 0o644))
	return path
}

func TestRescanBuildsSnapshot(t *testing.T) {
	cls := &stubClassifier{unsafe: map[string]bool{"bad.png": true}}
	cache, cfg := newTestCache(t, cls)
	writeSeed(t, cfg.DefaultDir, "default.png", color.RGBA{R: 255, A: 255})
	writeSeed(t, cfg.UploadsDir, "bad.png", color.RGBA{G: 255, A: 255})

	require.NoError(t, cache.Rescan(context.Background()))

	total, safe := cache.Stats()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, safe)

	rec, ok := cache.Get("default.png")
	require.True(t, ok)
	assert.True(t, rec.IsSafe)
	assert.NotEmpty(t, rec.Hash)
	assert.False(t, rec.CheckedAt.IsZero())

	bad, ok := cache.Get("bad.png")
	require.True(t, ok)
	assert.False(t, bad.IsSafe)
}

func TestRescanPersistsAcrossRestart(t *testing.T) {
	cls := &stubClassifier{}
	cache, cfg := newTestCache(t, cls)
	writeSeed(t, cfg.DefaultDir, "default.png", color.RGBA{B: 255, A: 255})
	require.NoError(t, cache.Rescan(context.Background()))

	fresh, err := New(cfg, cls)
	require.NoError(t, err)
	fresh.Load()
	total, safe := fresh.Stats()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, safe)
}

func TestLoadCorruptSnapshotStartsEmpty(t *testing.T) {
	cls := &stubClassifier{}
	cache, cfg := newTestCache(t, cls)
	require.NoError(t, os.WriteFile(cfg.SnapshotPath, []byte("garbage"), 0o644))

	cache.Load()
	total, _ := cache.Stats()
	assert.Equal(t, 0, total)

	// A blob with a valid header but a garbage record count must also fall
	// back to empty instead of taking the process down.
	var buf bytes.Buffer
	buf.WriteString(snapshotMagic)
	writeU16(&buf, snapshotVersion)
	writeU32(&buf, 0xFFFFFFFF)
	writeI64(&buf, 0)
	require.NoError(t, os.WriteFile(cfg.SnapshotPath, buf.Bytes(), 0o644))

	cache.Load()
	total, _ = cache.Stats()
	assert.Equal(t, 0, total)
}

func TestValidateIsIdempotent(t *testing.T) {
	cls := &stubClassifier{}
	cache, cfg := newTestCache(t, cls)
	writeSeed(t, cfg.DefaultDir, "a.png", color.RGBA{R: 1, A: 255})
	writeSeed(t, cfg.DefaultDir, "b.png", color.RGBA{R: 2, A: 255})

	ctx := context.Background()
	require.NoError(t, cache.ValidateAndUpdate(ctx))
	first := cache.SnapshotView()

	require.NoError(t, cache.ValidateAndUpdate(ctx))
	second := cache.SnapshotView()

	assert.Equal(t, first.Files, second.Files)
	assert.True(t, first.LastScan.Equal(second.LastScan))
}

func TestValidateRemovesVanishedFiles(t *testing.T) {
	cls := &stubClassifier{}
	cache, cfg := newTestCache(t, cls)
	path := writeSeed(t, cfg.UploadsDir, "temp.png", color.RGBA{A: 255})
	ctx := context.Background()
	require.NoError(t, cache.Rescan(ctx))

	require.NoError(t, os.Remove(path))
	require.NoError(t, cache.ValidateAndUpdate(ctx))

	_, ok := cache.Get("temp.png")
	assert.False(t, ok)
}

func TestValidateClassifiesNewFiles(t *testing.T) {
	cls := &stubClassifier{}
	cache, cfg := newTestCache(t, cls)
	writeSeed(t, cfg.DefaultDir, "a.png", color.RGBA{R: 1, A: 255})
	ctx := context.Background()
	require.NoError(t, cache.Rescan(ctx))

	writeSeed(t, cfg.UploadsDir, "new.png", color.RGBA{R: 2, A: 255})
	require.NoError(t, cache.ValidateAndUpdate(ctx))

	rec, ok := cache.Get("new.png")
	require.True(t, ok)
	assert.True(t, rec.IsSafe)
}

func TestValidateHashMismatchTriggersFullRescan(t *testing.T) {
	cls := &stubClassifier{}
	cache, cfg := newTestCache(t, cls)
	path := writeSeed(t, cfg.UploadsDir, "mut.png", color.RGBA{R: 9, A: 255})
	ctx := context.Background()
	require.NoError(t, cache.Rescan(ctx))
	scansBefore := cls.batchCalls

	// Mutate the file behind the cache's back.
	require.NoError(t, os.WriteFile(path, pngBytes(t, color.RGBA{G: 9, A: 255}), 0o644))
	require.NoError(t, cache.ValidateAndUpdate(ctx))

	assert.Greater(t, cls.batchCalls, scansBefore, "mismatch must force reclassification")
	rec, ok := cache.Get("mut.png")
	require.True(t, ok)
	hash, err := HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, hash, rec.Hash)
	_, err = cache.Verify("mut.png")
	assert.NoError(t, err)
}

func TestUploadSafeSeedIsListedAndVerifiable(t *testing.T) {
	cls := &stubClassifier{}
	cache, _ := newTestCache(t, cls)

	rec, err := cache.Upload(context.Background(), "city.png", pngBytes(t, color.RGBA{B: 7, A: 255}))
	require.NoError(t, err)
	assert.True(t, rec.IsSafe)
	assert.NotEmpty(t, rec.Hash)

	list := cache.List(false)
	entry, ok := list["city.png"]
	require.True(t, ok)
	assert.False(t, entry.IsDefault)

	_, err = cache.Verify("city.png")
	assert.NoError(t, err)
}

func TestUploadUnsafeSeedFailsVerify(t *testing.T) {
	cls := &stubClassifier{unsafe: map[string]bool{"nsfw.png": true}}
	cache, _ := newTestCache(t, cls)

	rec, err := cache.Upload(context.Background(), "nsfw.png", pngBytes(t, color.RGBA{A: 255}))
	require.NoError(t, err)
	assert.False(t, rec.IsSafe)

	_, err = cache.Verify("nsfw.png")
	assert.ErrorIs(t, err, ErrUnsafe)

	// Hidden from the safe-only listing, visible to operators.
	assert.NotContains(t, cache.List(false), "nsfw.png")
	assert.Contains(t, cache.List(true), "nsfw.png")
}

func TestUploadRejectsBadExtension(t *testing.T) {
	cache, _ := newTestCache(t, &stubClassifier{})
	_, err := cache.Upload(context.Background(), "seed.gif", []byte("x"))
	assert.ErrorIs(t, err, ErrUnsupportedExtension)
}

func TestUploadRejectsPathTraversal(t *testing.T) {
	cache, _ := newTestCache(t, &stubClassifier{})
	_, err := cache.Upload(context.Background(), "../escape.png", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidFilename)
}

func TestUploadClassifierFailureRemovesFile(t *testing.T) {
	cls := &stubClassifier{err: errors.New("classifier crashed")}
	cache, cfg := newTestCache(t, cls)

	_, err := cache.Upload(context.Background(), "orphan.png", pngBytes(t, color.RGBA{A: 255}))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(cfg.UploadsDir, "orphan.png"))
	assert.True(t, os.IsNotExist(statErr), "failed upload must not leave the file behind")
}

func TestDeleteDefaultSeedForbidden(t *testing.T) {
	cls := &stubClassifier{}
	cache, cfg := newTestCache(t, cls)
	writeSeed(t, cfg.DefaultDir, "default.png", color.RGBA{A: 255})
	require.NoError(t, cache.Rescan(context.Background()))

	err := cache.Delete("default.png")
	assert.ErrorIs(t, err, ErrDefaultSeedImmutable)
	_, ok := cache.Get("default.png")
	assert.True(t, ok)
}

func TestDeleteUploadedSeed(t *testing.T) {
	cache, cfg := newTestCache(t, &stubClassifier{})
	_, err := cache.Upload(context.Background(), "gone.png", pngBytes(t, color.RGBA{A: 255}))
	require.NoError(t, err)

	require.NoError(t, cache.Delete("gone.png"))
	_, ok := cache.Get("gone.png")
	assert.False(t, ok)
	_, statErr := os.Stat(filepath.Join(cfg.UploadsDir, "gone.png"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeleteUnknownSeed(t *testing.T) {
	cache, _ := newTestCache(t, &stubClassifier{})
	assert.ErrorIs(t, cache.Delete("nope.png"), ErrNotFound)
}

func TestVerifyDetectsOnDiskMutation(t *testing.T) {
	cache, cfg := newTestCache(t, &stubClassifier{})
	_, err := cache.Upload(context.Background(), "my.png", pngBytes(t, color.RGBA{R: 3, A: 255}))
	require.NoError(t, err)

	// Mutate after classification.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.UploadsDir, "my.png"),
		pngBytes(t, color.RGBA{G: 3, A: 255}), 0o644))

	_, err = cache.Verify("my.png")
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestVerifyMissingFile(t *testing.T) {
	cache, cfg := newTestCache(t, &stubClassifier{})
	_, err := cache.Upload(context.Background(), "tmp.png", pngBytes(t, color.RGBA{A: 255}))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(cfg.UploadsDir, "tmp.png")))

	_, err = cache.Verify("tmp.png")
	assert.ErrorIs(t, err, ErrFileMissing)
}

func TestVerifyUnknownSeed(t *testing.T) {
	cache, _ := newTestCache(t, &stubClassifier{})
	_, err := cache.Verify("unknown.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListMarksDefaults(t *testing.T) {
	cls := &stubClassifier{}
	cache, cfg := newTestCache(t, cls)
	writeSeed(t, cfg.DefaultDir, "default.png", color.RGBA{A: 255})
	require.NoError(t, cache.Rescan(context.Background()))
	_, err := cache.Upload(context.Background(), "user.png", pngBytes(t, color.RGBA{A: 255}))
	require.NoError(t, err)

	list := cache.List(false)
	require.Len(t, list, 2)
	assert.True(t, list["default.png"].IsDefault)
	assert.False(t, list["user.png"].IsDefault)
}

func TestOnChangeNotified(t *testing.T) {
	var gotTotal, gotSafe int
	root := t.TempDir()
	cfg := Config{
		DefaultDir:   filepath.Join(root, "default"),
		UploadsDir:   filepath.Join(root, "uploads"),
		SnapshotPath: filepath.Join(root, ".seeds_cache.bin"),
		OnChange: func(total, safe int) {
			gotTotal, gotSafe = total, safe
		},
	}
	cache, err := New(cfg, &stubClassifier{unsafe: map[string]bool{"bad.png": true}})
	require.NoError(t, err)

	_, err = cache.Upload(context.Background(), "ok.png", pngBytes(t, color.RGBA{A: 255}))
	require.NoError(t, err)
	_, err = cache.Upload(context.Background(), "bad.png", pngBytes(t, color.RGBA{A: 255}))
	require.NoError(t, err)

	assert.Equal(t, 2, gotTotal)
	assert.Equal(t, 1, gotSafe)
}
