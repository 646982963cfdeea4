package safety

import (
	"fmt"
	"image"
	"sync"
)

// MockModel is a deterministic classifier used in development mode and in
// tests. By default every image scores fully neutral; ScoreFn overrides the
// scoring per image.
type MockModel struct {
	// ScoreFn computes the scores for one image. Nil means neutral-safe.
	ScoreFn func(img image.Image) Scores
	// PredictErr, when set, makes Predict fail (simulates a classifier
	// crash).
	PredictErr error

	mu       sync.Mutex
	device   string
	loaded   bool
	Loads    int
	Unloads  int
	LastLoad string
}

func (m *MockModel) Load(device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	m.device = device
	m.Loads++
	m.LastLoad = device
	return nil
}

func (m *MockModel) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return fmt.Errorf("safety model not loaded")
	}
	m.loaded = false
	m.device = ""
	m.Unloads++
	return nil
}

func (m *MockModel) Predict(imgs []image.Image) ([]Scores, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil, fmt.Errorf("safety model not loaded")
	}
	if m.PredictErr != nil {
		return nil, m.PredictErr
	}
	out := make([]Scores, len(imgs))
	for i, img := range imgs {
		if m.ScoreFn != nil {
			out[i] = m.ScoreFn(img)
		} else {
			out[i] = Scores{Neutral: 1, Low: 0, Medium: 0, High: 0}
		}
	}
	return out, nil
}
