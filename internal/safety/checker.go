// Package safety wraps the external NSFW classifier and enforces its
// resource discipline: the model is loaded on demand, runs on CPU for
// single checks and on the accelerator for batches, and is unloaded after
// every request so device memory returns to the engine.
package safety

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"

	"github.com/biome/gateway/internal/gpu"
)

// Scores are cumulative probabilities for the four ordered risk classes.
// Neutral is the probability of that class alone; Low, Medium and High are
// the probabilities of being at that severity or worse.
type Scores struct {
	Neutral float64 `json:"neutral"`
	Low     float64 `json:"low"`
	Medium  float64 `json:"medium"`
	High    float64 `json:"high"`
}

// Verdict is the classifier's decision for one image.
type Verdict struct {
	IsSafe bool   `json:"is_safe"`
	Scores Scores `json:"scores"`
}

// VerdictFromScores applies the verdict rule: the cumulative probability of
// "low or worse" must be under one half. This policy is strict and must not
// be weakened.
func VerdictFromScores(s Scores) Verdict {
	return Verdict{IsSafe: s.Low < 0.5, Scores: s}
}

// UnsafeVerdict is the verdict assigned to images that cannot be loaded.
func UnsafeVerdict() Verdict {
	return Verdict{IsSafe: false, Scores: Scores{Neutral: 0, Low: 1, Medium: 0, High: 0}}
}

// Model is the external classifier contract. Load and Unload manage the
// weights on the given device; implementations must move weights to host
// memory before dropping references when unloading from an accelerator.
type Model interface {
	Load(device string) error
	Unload() error
	Predict(imgs []image.Image) ([]Scores, error)
}

// Accelerator is the slice of device management the checker needs to
// release classifier memory after accelerated batches.
type Accelerator interface {
	Available() bool
	EmptyCache() error
}

// DefaultBatchSize bounds accelerator memory during batch inference.
const DefaultBatchSize = 8

// Checker serializes access to the classifier model and applies the
// per-request load/unload policy. Model calls share the engine's GPU
// worker so classifier and engine work never interleave on the device.
type Checker struct {
	mu        sync.Mutex
	model     Model
	accel     Accelerator
	worker    *gpu.Worker
	batchSize int
	log       *slog.Logger

	loaded bool
	device string
}

// NewChecker wraps a classifier model. accel may be nil on hosts without an
// accelerator; worker may be nil, in which case model calls run on the
// caller's goroutine.
func NewChecker(model Model, accel Accelerator, worker *gpu.Worker, batchSize int) *Checker {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Checker{
		model:     model,
		accel:     accel,
		worker:    worker,
		batchSize: batchSize,
		log:       slog.Default().With("component", "safety"),
	}
}

// onWorker routes fn through the GPU worker when one is configured. Model
// calls are not cancellable once started, so no caller context is threaded
// through.
func (c *Checker) onWorker(fn func() error) error {
	if c.worker == nil {
		return fn()
	}
	return gpu.Run(context.Background(), c.worker, fn)
}

// Loaded reports whether the model currently holds weights. It is normally
// false outside an in-flight check because of the unload-after-use policy.
func (c *Checker) Loaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

func (c *Checker) load(device string) error {
	if err := c.model.Load(device); err != nil {
		return fmt.Errorf("loading safety model on %s: %w", device, err)
	}
	c.loaded = true
	c.device = device
	return nil
}

// unload releases the model. The device cache is flushed only after
// accelerated runs; flushing after a CPU run would disturb the engine's
// allocator.
func (c *Checker) unload() {
	if !c.loaded {
		return
	}
	if err := c.model.Unload(); err != nil {
		c.log.Warn("safety model unload failed", "error", err)
	}
	if c.device == "cuda" && c.accel != nil {
		if err := c.accel.EmptyCache(); err != nil {
			c.log.Warn("device cache empty after safety batch failed", "error", err)
		}
	}
	c.loaded = false
	c.device = ""
}

func (c *Checker) batchDevice() string {
	if c.accel != nil && c.accel.Available() {
		return "cuda"
	}
	return "cpu"
}

// CheckOne classifies a single image on CPU so it never competes with the
// engine for the accelerator. An unreadable image yields an unsafe verdict,
// not an error; a classifier failure is an error.
func (c *Checker) CheckOne(path string) (Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	img, err := decodeRGB(path)
	if err != nil {
		c.log.Warn("failed to load image for safety check", "path", path, "error", err)
		return UnsafeVerdict(), nil
	}

	var verdict Verdict
	err = c.onWorker(func() error {
		if err := c.load("cpu"); err != nil {
			return err
		}
		defer c.unload()
		scores, err := c.model.Predict([]image.Image{img})
		if err != nil {
			return fmt.Errorf("safety inference: %w", err)
		}
		if len(scores) != 1 {
			return fmt.Errorf("safety inference returned %d results for 1 image", len(scores))
		}
		verdict = VerdictFromScores(scores[0])
		return nil
	})
	if err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

// CheckBatch classifies many images, using the accelerator when present for
// throughput. Results are ordered to match paths; images that fail to load
// are marked unsafe and the batch continues. A classifier failure fails the
// whole batch.
func (c *Checker) CheckBatch(paths []string) ([]Verdict, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	imgs := make([]image.Image, len(paths))
	var valid []image.Image
	for i, path := range paths {
		img, err := decodeRGB(path)
		if err != nil {
			c.log.Warn("failed to load image for safety check", "path", path, "error", err)
			continue
		}
		imgs[i] = img
		valid = append(valid, img)
	}

	var scores []Scores
	err := c.onWorker(func() error {
		if err := c.load(c.batchDevice()); err != nil {
			return err
		}
		defer c.unload()
		for start := 0; start < len(valid); start += c.batchSize {
			end := start + c.batchSize
			if end > len(valid) {
				end = len(valid)
			}
			batch, err := c.model.Predict(valid[start:end])
			if err != nil {
				return fmt.Errorf("safety inference: %w", err)
			}
			scores = append(scores, batch...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(scores) != len(valid) {
		return nil, fmt.Errorf("safety inference returned %d results for %d images", len(scores), len(valid))
	}

	results := make([]Verdict, len(paths))
	next := 0
	for i := range paths {
		if imgs[i] == nil {
			results[i] = UnsafeVerdict()
			continue
		}
		results[i] = VerdictFromScores(scores[next])
		next++
	}
	return results, nil
}

// Warmup runs one classification on a synthetic image to trigger the
// model's first-time initialization, so the first real upload is not slowed
// by lazy loading.
func (c *Checker) Warmup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	gray := color.RGBA{R: 0x80, G: 0x80, B: 0x80, A: 0xff}
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, gray)
		}
	}
	return c.onWorker(func() error {
		if err := c.load("cpu"); err != nil {
			return err
		}
		defer c.unload()
		if _, err := c.model.Predict([]image.Image{img}); err != nil {
			return fmt.Errorf("safety warmup: %w", err)
		}
		return nil
	})
}
