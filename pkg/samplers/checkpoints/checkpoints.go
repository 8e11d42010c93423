// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves a sampler's iteration state to JSON files and
// restores the latest one when a training job restarts, so the job resumes
// sampling exactly where it stopped.
//
// Typical usage:
//
//	sampler := samplers.Bucketed(lengths).BatchSize(32).Seed(42).MustDone()
//	checkpoint, err := checkpoints.Build(sampler).
//		Dir("~/work/my_model").Keep(3).Done()
//	if err != nil { ... }
//	// If ~/work/my_model held checkpoints, sampler now continues from the
//	// latest one.
//	for batch := range sampler.Batches() {
//		step++
//		...
//		if step%1000 == 0 {
//			err = checkpoint.Save(step)
//		}
//	}
//
// Each checkpoint is one small JSON file; Save writes it to a temporary name
// first and renames it into place, so a crash mid-save never corrupts the
// latest checkpoint.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/samplers/pkg/samplers"
)

// DirPermMode is the default directory creation permission (before umask)
// used.
var DirPermMode = os.FileMode(0770)

const (
	baseNamePrefix = "sampler-"

	// JsonNameSuffix for the files returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"
)

// Config for the checkpoints Handler to be created. Create it with Build or
// Load, then set the options, then call Done.
type Config struct {
	sampler  samplers.BatchSampler
	dir      string
	keep     int
	mustLoad bool
	err      error
}

// Build creates the configuration for a checkpoints Handler for the given
// sampler. Configure at least the directory (Dir, DirFromBase or TempDir),
// then call Config.Done.
//
// If the directory already holds checkpoints, Done restores the latest one
// into the sampler.
func Build(sampler samplers.BatchSampler) *Config {
	return &Config{
		sampler: sampler,
		keep:    1,
	}
}

// Load is like Build, except Done fails if there is no checkpoint to
// restore.
func Load(sampler samplers.BatchSampler) *Config {
	c := Build(sampler)
	c.mustLoad = true
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. It is
// created if it does not exist yet, except when the Config was created with
// Load.
func (c *Config) Dir(dir string) *Config {
	c.dir = fsutil.MustReplaceTildeInDir(dir)
	fi, err := os.Stat(c.dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint directory %q exists but is a regular file, not a directory", dir))
		return c
	}
	if err == nil {
		return c
	}
	if c.mustLoad {
		c.setError(errors.Wrapf(err, "checkpoint directory %q does not exist or cannot be accessed", dir))
		return c
	}
	if err = os.MkdirAll(c.dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// DirFromBase sets the directory where to save / load the checkpoints. If
// dir is not an absolute path, it is taken as a subdirectory of baseDir.
func (c *Config) DirFromBase(dir, baseDir string) *Config {
	dir = fsutil.MustReplaceTildeInDir(dir)
	if !path.IsAbs(dir) {
		baseDir = fsutil.MustReplaceTildeInDir(baseDir)
		dir = path.Join(baseDir, dir)
	}
	return c.Dir(dir)
}

// TempDir creates a temporary directory under dir, with the pattern name,
// and uses it to load / save checkpoints. It is a convenience wrapper to
// os.MkdirTemp; if dir is empty the default directory for temporary files is
// used.
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	if err = os.Chmod(c.dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "failed to os.Chmod(%q, %s)", newDir, DirPermMode))
	}
	return c
}

// Keep configures how many checkpoint files are kept in the directory: after
// each Save the oldest files beyond this count are removed. The default is
// 1; a negative value keeps everything.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done constructs the Handler and, if the directory already holds
// checkpoints, restores the latest one into the sampler.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.sampler == nil {
		return nil, errors.Errorf("no sampler configured for checkpoints")
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	handler := &Handler{config: c}
	list, err := handler.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 && c.mustLoad {
		return nil, errors.Errorf("no checkpoints found in %q", c.dir)
	}
	handler.checkpointsCount = maxCheckpointCountFromCheckpoints(list) + 1
	if len(list) > 0 {
		if err = handler.loadCheckpointFromFile(list[len(list)-1]); err != nil {
			return nil, err
		}
	}
	return handler, nil
}

// MustDone constructs the checkpoints.Handler. It panics if there was an
// error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "failed to create checkpoints.Handler"))
	}
	return h
}

// Handler saves and restores the iteration state of one sampler. It is
// created with Build or Load, followed by option setting and a call to
// Config.Done.
type Handler struct {
	config           *Config
	checkpointsCount int
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// newCheckpointBaseName returns the base name for the checkpoint file. The
// running count comes first, so the lexicographic order of ListCheckpoints
// is the save order even for saves within the same second.
func (h *Handler) newCheckpointBaseName(step int64) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if step > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, step)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

var checkpointCountRegex = regexp.MustCompile(`^sampler-n(\d+)-`)

// maxCheckpointCountFromCheckpoints returns the largest running count in the
// saved checkpoints, so the next saved checkpoint uses count+1. Returns -1
// when there is none.
func maxCheckpointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindAllStringSubmatch(name, 1)
		if len(matches) != 1 || len(matches[0]) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[0][1])
		if err != nil {
			continue
		}
		if id > maxId {
			maxId = id
		}
	}
	return maxId
}

// ListCheckpoints returns the base file names of the checkpoints in the
// directory, oldest first. The actual files are these base names suffixed
// with JsonNameSuffix.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, fileName[:len(fileName)-len(JsonNameSuffix)])
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

// Save exports the sampler's current position and writes it as a new
// checkpoint file, then removes excess old checkpoints (see Config.Keep).
// The step is only used to name the file, typically the training step; pass
// 0 before training started.
//
// Call it between batches: the checkpoint then marks the boundary right
// after the last delivered batch.
func (h *Handler) Save(step int64) error {
	if h == nil {
		return nil
	}
	state, err := h.config.sampler.StateDict()
	if err != nil {
		return errors.WithMessagef(err, "%s cannot export the sampler state", h)
	}

	baseName := h.newCheckpointBaseName(step)
	h.checkpointsCount++
	filePath := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	tmpPath := filePath + "." + uuid.NewString() + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "%s failed to create checkpoint file %q", h, tmpPath)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err = enc.Encode(state); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "%s failed to write checkpoint file %q", h, tmpPath)
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "%s failed to close checkpoint file %q", h, tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return errors.Wrapf(err, "%s failed to rename checkpoint file %q into place", h, tmpPath)
	}
	if klog.V(1).Enabled() {
		klog.Infof("%s: saved %q", h, baseName)
	}
	return h.keepNCheckpoints()
}

// LoadLatest restores the most recent checkpoint into the sampler. Done
// already does this when the Handler is created; LoadLatest re-reads the
// directory, which another process may have written to since.
func (h *Handler) LoadLatest() error {
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return errors.Errorf("%s has no checkpoints to load", h)
	}
	return h.loadCheckpointFromFile(list[len(list)-1])
}

func (h *Handler) loadCheckpointFromFile(baseName string) error {
	if klog.V(1).Enabled() {
		klog.Infof("%s: loading %q", h, baseName)
	}
	state, err := ReadState(filepath.Join(h.config.dir, baseName+JsonNameSuffix))
	if err != nil {
		return errors.WithMessagef(err, "%s", h)
	}
	if err = h.config.sampler.LoadStateDict(state); err != nil {
		return errors.WithMessagef(err, "%s failed to restore the sampler from %q", h, baseName)
	}
	return nil
}

// keepNCheckpoints checks if there are more than the configured number of
// checkpoints, and removes the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s pruning old checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}
	for _, baseName := range list[:len(list)-h.config.keep] {
		fileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
		if err = os.Remove(fileName); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
		}
	}
	return nil
}

// Dir returns the directory the Handler is configured to. It returns ""
// (empty) if the Handler is nil.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// ReadState parses one checkpoint file. Most callers want the Handler's
// loading instead; ReadState serves tools that inspect checkpoint files
// directly.
func ReadState(filePath string) (*samplers.State, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open sampler state file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	state := &samplers.State{}
	if err = json.NewDecoder(f).Decode(state); err != nil {
		return nil, errors.Wrapf(err, "failed to parse sampler state file %q", filePath)
	}
	return state, nil
}
