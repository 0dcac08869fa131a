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

package trace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/armon/circbuf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/zstd"
)

const maxStderr = 4 << 10

// ScriptFields is the perf script field selection the decoder understands.
const ScriptFields = "comm,pid,time,period,event,ip,sym,symoff,dso,brstack"

type Stats struct {
	Lines   int
	Samples int
	Mmaps   int
	// Skipped counts lines that could not be decoded.
	Skipped int
}

// maxLineErrors bounds the decode errors kept for the debug log. Skipped
// lines beyond it are only counted.
const maxLineErrors = 100

// Read decodes r line by line and hands every event to fn in order.
// Undecodable lines are skipped and counted; only read errors, context
// cancellation and errors returned by fn abort.
func Read(ctx context.Context, logger log.Logger, r io.Reader, fn func(Event) error) (Stats, error) {
	var (
		stats Stats
		errs  []error
		dec   = NewDecoder()
		br    = bufio.NewReaderSize(r, 64*1024)
	)
	for {
		if stats.Lines&0xfff == 0 {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
		}

		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return stats, fmt.Errorf("read trace line: %w", err)
		}
		eof := err != nil

		line = strings.TrimRight(line, "\r\n")
		if line != "" {
			stats.Lines++
			ev, derr := dec.Decode(line)
			switch {
			case derr != nil:
				stats.Skipped++
				if len(errs) < maxLineErrors {
					errs = append(errs, fmt.Errorf("trace line %d: %w", stats.Lines, derr))
				}
			default:
				switch ev.(type) {
				case *Sample:
					stats.Samples++
				case *Mmap:
					stats.Mmaps++
				}
				if err := fn(ev); err != nil {
					return stats, err
				}
			}
		}

		if eof {
			break
		}
	}

	if len(errs) > 0 {
		level.Debug(logger).Log("msg", "some trace lines failed to be parsed, this is expected for events other than samples and mmaps", "skipped", stats.Skipped, "err", errors.Join(errs...))
	}
	return stats, nil
}

// ReadFile reads a saved perf script dump. Files ending in .zst are
// decompressed on the fly.
func ReadFile(ctx context.Context, logger log.Logger, path string, fn func(Event) error) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return Stats{}, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	}
	return Read(ctx, logger, r, fn)
}

// ScriptArgs returns the perf arguments rendering input, a perf.data file.
func ScriptArgs(input string) []string {
	args := []string{"script"}
	if input != "" {
		args = append(args, "-i", input)
	}
	return append(args, "--show-mmap-events", "-F", ScriptFields)
}

// RunScript runs perf script on input and decodes its output.
func RunScript(ctx context.Context, logger log.Logger, perfPath, input string, fn func(Event) error) (Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, perfPath, ScriptArgs(input)...)
	// perf script warns about every lost chunk; only the tail is kept.
	stderr, err := circbuf.NewBuffer(maxStderr)
	if err != nil {
		return Stats{}, err
	}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Stats{}, fmt.Errorf("create perf stdout pipe: %w", err)
	}

	level.Debug(logger).Log("msg", "running perf script", "cmd", cmd.String())
	if err := cmd.Start(); err != nil {
		return Stats{}, fmt.Errorf("start perf script: %w", err)
	}

	stats, readErr := Read(ctx, logger, stdout, fn)
	if readErr != nil {
		// Stop perf so that Wait does not block on a full pipe.
		cancel()
	}
	waitErr := cmd.Wait()

	if readErr != nil {
		return stats, readErr
	}
	if waitErr != nil {
		return stats, fmt.Errorf("perf script: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	return stats, nil
}

// Buffer keeps decoded events so that every referenced module is known
// before the events are replayed.
type Buffer struct {
	events  []Event
	modules []string
	seen    map[string]struct{}
	samples int
}

func NewBuffer() *Buffer {
	return &Buffer{seen: make(map[string]struct{})}
}

// Add appends an event. It has the signature Read expects.
func (b *Buffer) Add(ev Event) error {
	b.events = append(b.events, ev)
	if s, ok := ev.(*Sample); ok {
		b.samples++
		b.reference(s.Module)
		for _, br := range s.Branches {
			b.reference(br.FromModule)
			b.reference(br.ToModule)
		}
	}
	return nil
}

func (b *Buffer) reference(module string) {
	if _, ok := b.seen[module]; ok {
		return
	}
	b.seen[module] = struct{}{}
	b.modules = append(b.modules, module)
}

// Modules returns the modules referenced by samples and branches in order of
// first reference.
func (b *Buffer) Modules() []string { return b.modules }

func (b *Buffer) Len() int { return len(b.events) }

func (b *Buffer) Samples() int { return b.samples }

// Replay dispatches every buffered event to h in order.
func (b *Buffer) Replay(ctx context.Context, h Handler) error {
	for i, ev := range b.events {
		if i&0xfff == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := ev.Dispatch(ctx, h); err != nil {
			return err
		}
	}
	return nil
}
