// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package objdump disassembles binaries with GNU objdump and feeds the
// listing into a DSO. Listings can be cached on disk, zstd compressed and
// keyed by the content of the binary.
package objdump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/armon/circbuf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/zstd"

	"github.com/parca-dev/parca-hotspot/pkg/dso"
	"github.com/parca-dev/parca-hotspot/pkg/hash"
)

// maxStderr bounds how much of the disassembler's diagnostics are kept for
// error messages.
const maxStderr = 4 << 10

type Config struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
	// CacheDir enables the listing cache when set.
	CacheDir string `yaml:"cache_dir"`
}

func DefaultConfig() Config {
	return Config{
		Path: "objdump",
		Args: []string{"-dlwF", "-Mintel"},
	}
}

// Skip reports whether path names something objdump cannot read: pseudo
// modules such as [kernel.kallsyms] or [vdso], and compressed modules.
func Skip(path string) bool {
	return path == "" || strings.HasPrefix(path, "[") || strings.HasSuffix(path, ".xz")
}

type Loader struct {
	logger log.Logger
	cfg    Config
}

func NewLoader(logger log.Logger, cfg Config) *Loader {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	if len(cfg.Args) == 0 {
		cfg.Args = DefaultConfig().Args
	}
	return &Loader{logger: logger, cfg: cfg}
}

// Load fills d from the listing of d.Path. Modules for which Skip is true are
// left empty.
func (l *Loader) Load(ctx context.Context, d *dso.DSO) error {
	if Skip(d.Path) {
		level.Debug(l.logger).Log("msg", "not disassembling module", "path", d.Path)
		return nil
	}

	start := time.Now()
	var (
		stats dso.TargetStats
		err   error
	)
	if l.cfg.CacheDir == "" {
		stats, err = l.run(ctx, d, nil)
	} else {
		stats, err = l.cached(ctx, d)
	}
	if err != nil {
		return err
	}

	level.Debug(l.logger).Log(
		"msg", "module disassembled",
		"path", d.Path,
		"instructions", len(d.Instructions),
		"symbols", len(d.Symbols),
		"targets", stats.Targets,
		"resolved", stats.Resolved,
		"duration", time.Since(start),
	)
	return nil
}

func (l *Loader) args(path string) []string {
	return append(append([]string{}, l.cfg.Args...), path)
}

// run disassembles d.Path. When w is not nil the raw listing is copied to it.
func (l *Loader) run(ctx context.Context, d *dso.DSO, w io.Writer) (dso.TargetStats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, l.cfg.Path, l.args(d.Path)...)
	stderr, err := circbuf.NewBuffer(maxStderr)
	if err != nil {
		return dso.TargetStats{}, err
	}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return dso.TargetStats{}, fmt.Errorf("create objdump stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return dso.TargetStats{}, fmt.Errorf("start objdump: %w", err)
	}

	var r io.Reader = stdout
	if w != nil {
		r = io.TeeReader(stdout, w)
	}
	stats, loadErr := d.Load(r)
	if loadErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	if loadErr != nil {
		return stats, loadErr
	}
	if waitErr != nil {
		return stats, fmt.Errorf("objdump %s: %w: %s", d.Path, waitErr, strings.TrimSpace(stderr.String()))
	}
	return stats, nil
}

func (l *Loader) cacheKey(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	fp, err := hash.File(os.DirFS("/"), strings.TrimPrefix(abs, "/"))
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	return hash.Listing(fp, l.cfg.Args...)
}

func (l *Loader) cached(ctx context.Context, d *dso.DSO) (dso.TargetStats, error) {
	key, err := l.cacheKey(d.Path)
	if err != nil {
		return dso.TargetStats{}, err
	}
	file := filepath.Join(l.cfg.CacheDir, key+".zst")

	f, err := os.Open(file)
	switch {
	case err == nil:
		defer f.Close()
		zr, err := zstd.NewReader(f)
		if err != nil {
			return dso.TargetStats{}, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		level.Debug(l.logger).Log("msg", "using cached listing", "path", d.Path, "file", file)
		return d.Load(zr)
	case !errors.Is(err, os.ErrNotExist):
		return dso.TargetStats{}, fmt.Errorf("open cached listing: %w", err)
	}

	if err := os.MkdirAll(l.cfg.CacheDir, 0o755); err != nil {
		return dso.TargetStats{}, fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(l.cfg.CacheDir, key+".*.tmp")
	if err != nil {
		return dso.TargetStats{}, fmt.Errorf("create cache file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		return dso.TargetStats{}, fmt.Errorf("create zstd writer: %w", err)
	}
	stats, err := l.run(ctx, d, zw)
	if err != nil {
		zw.Close()
		return stats, err
	}
	if err := zw.Close(); err != nil {
		return stats, fmt.Errorf("compress listing: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return stats, fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), file); err != nil {
		return stats, fmt.Errorf("store cached listing: %w", err)
	}
	return stats, nil
}
