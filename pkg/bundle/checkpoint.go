package bundle

import (
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// CheckpointKey identifies a build. A checkpoint is only resumed when every
// field matches.
type CheckpointKey struct {
	Model     string
	Dimension int
	BatchSize int
	Texts     []string
}

type checkpointState struct {
	ModelInfo   string
	Dimension   int
	BatchSize   int
	Total       int
	Fingerprint string
	Batches     map[int][][]float32 // Completed batches by batch number
}

// Checkpoint records completed embedding batches on disk so an interrupted
// build can pick up where it stopped.
type Checkpoint struct {
	path      string
	saveEvery int

	mu    sync.Mutex
	state checkpointState
	dirty int
}

// OpenCheckpoint loads the checkpoint at path if it belongs to the same
// build, or starts a fresh one. resumed reports which happened.
func OpenCheckpoint(path string, key CheckpointKey, saveEvery int) (cp *Checkpoint, resumed bool, err error) {
	if saveEvery <= 0 {
		saveEvery = 5
	}
	fresh := checkpointState{
		ModelInfo:   key.Model,
		Dimension:   key.Dimension,
		BatchSize:   key.BatchSize,
		Total:       len(key.Texts),
		Fingerprint: fingerprint(key.Texts),
		Batches:     make(map[int][][]float32),
	}
	cp = &Checkpoint{path: path, saveEvery: saveEvery, state: fresh}

	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cp, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open checkpoint: %w", err)
	}
	defer file.Close()

	var existing checkpointState
	if err := gob.NewDecoder(file).Decode(&existing); err != nil {
		return nil, false, fmt.Errorf("%w: checkpoint: %v", ErrCorrupt, err)
	}
	if existing.ModelInfo != fresh.ModelInfo || existing.Dimension != fresh.Dimension ||
		existing.BatchSize != fresh.BatchSize || existing.Total != fresh.Total ||
		existing.Fingerprint != fresh.Fingerprint {
		return cp, false, nil
	}
	if existing.Batches == nil {
		existing.Batches = make(map[int][][]float32)
	}
	cp.state = existing
	return cp, true, nil
}

// Completed returns the batches recorded so far
func (c *Checkpoint) Completed() map[int][][]float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int][][]float32, len(c.state.Batches))
	for k, v := range c.state.Batches {
		out[k] = v
	}
	return out
}

// Record stores a completed batch and writes the checkpoint every few
// batches.
func (c *Checkpoint) Record(batch int, vectors [][]float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Batches[batch] = vectors
	c.dirty++
	if c.dirty < c.saveEvery {
		return nil
	}
	return c.saveLocked()
}

// Flush writes any unsaved batches
func (c *Checkpoint) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dirty == 0 {
		return nil
	}
	return c.saveLocked()
}

// Remove deletes the checkpoint file after a successful build
func (c *Checkpoint) Remove() error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (c *Checkpoint) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(file).Encode(c.state); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return err
	}
	c.dirty = 0
	return nil
}

func fingerprint(texts []string) string {
	h := sha256.New()
	for _, t := range texts {
		h.Write([]byte(t))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
