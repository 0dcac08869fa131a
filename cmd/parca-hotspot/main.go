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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	okrun "github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/parca-dev/parca-hotspot/flags"
	"github.com/parca-dev/parca-hotspot/pkg/addrspace"
	"github.com/parca-dev/parca-hotspot/pkg/analysis"
	"github.com/parca-dev/parca-hotspot/pkg/config"
	"github.com/parca-dev/parca-hotspot/pkg/dso"
	"github.com/parca-dev/parca-hotspot/pkg/hotspot"
	"github.com/parca-dev/parca-hotspot/pkg/logger"
	"github.com/parca-dev/parca-hotspot/pkg/objdump"
	"github.com/parca-dev/parca-hotspot/pkg/report"
	"github.com/parca-dev/parca-hotspot/pkg/strmap"
	"github.com/parca-dev/parca-hotspot/pkg/trace"
)

var errNoSamples = errors.New("no samples read")

func main() {
	f := flags.Parse()

	if f.Version {
		fmt.Println(flags.VersionString())
		os.Exit(int(flags.ExitSuccess))
	}

	logger := logger.NewLogger(f.Log.Level, f.Log.Format, "parca-hotspot")

	if code := f.Validate(logger); code != flags.ExitSuccess {
		os.Exit(int(code))
	}

	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
		level.Debug(logger).Log("msg", fmt.Sprintf(format, a...))
	})); err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS automatically", "err", err)
	}
	if limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.FromCgroup),
	); err != nil {
		level.Debug(logger).Log("msg", "GOMEMLIMIT not set from cgroup", "err", err)
	} else {
		level.Debug(logger).Log("msg", "GOMEMLIMIT set from cgroup", "limit", humanize.IBytes(uint64(limit)))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewBuildInfoCollector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := run(logger, reg, f); err != nil {
		os.Exit(int(flags.Failure(logger, "Analysis failed: %v", err)))
	}
}

// settings are the flags with the config file applied.
type settings struct {
	hotspot  hotspot.Config
	objdump  objdump.Config
	perfPath string
	interner []strmap.Option
	cfg      *config.Config
}

func resolve(logger log.Logger, f flags.Flags) (settings, error) {
	s := settings{
		hotspot:  f.Hotspot.Config(),
		objdump:  f.Objdump.Config(),
		perfPath: f.Perf.Path,
		interner: f.Interner.Options(),
		cfg:      &config.Config{},
	}
	if f.ConfigPath == "" {
		return s, nil
	}

	cfg, err := config.LoadFile(f.ConfigPath)
	if err != nil {
		if !errors.Is(err, config.ErrEmptyConfig) {
			return s, fmt.Errorf("failed to read config: %w", err)
		}
		level.Warn(logger).Log("msg", "config file is empty", "path", f.ConfigPath)
		return s, nil
	}
	level.Debug(logger).Log("msg", "config loaded", "config", cfg.String())

	cfg.ApplyHotspot(&s.hotspot)
	cfg.ApplyObjdump(&s.objdump)
	s.perfPath = cfg.PerfPath(s.perfPath)
	// Later options win.
	s.interner = append(s.interner, cfg.InternerOptions()...)
	s.cfg = cfg
	return s, nil
}

func run(logger log.Logger, reg *prometheus.Registry, f flags.Flags) error {
	s, err := resolve(logger, f)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g okrun.Group
	g.Add(func() error {
		level.Debug(logger).Log("msg", "starting: analysis")
		defer level.Debug(logger).Log("msg", "stopped: analysis")

		return analyze(ctx, logger, reg, f, s)
	}, func(error) {
		cancel()
	})
	g.Add(okrun.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	return g.Run()
}

func analyze(ctx context.Context, logger log.Logger, reg *prometheus.Registry, f flags.Flags, s settings) error {
	start := time.Now()

	buf := trace.NewBuffer()
	var (
		stats trace.Stats
		err   error
	)
	if f.Script {
		stats, err = trace.ReadFile(ctx, logger, f.Input, buf.Add)
	} else {
		if v, ok, verr := trace.PerfVersion(ctx, s.perfPath); verr != nil {
			level.Warn(logger).Log("msg", "failed to determine perf version", "err", verr)
		} else if !ok {
			level.Warn(logger).Log("msg", "perf is too old to report branch cycles", "version", v)
		}
		stats, err = trace.RunScript(ctx, logger, s.perfPath, f.Input, buf.Add)
	}
	if err != nil {
		return fmt.Errorf("read trace: %w", err)
	}
	level.Info(logger).Log(
		"msg", "trace read",
		"lines", humanize.Comma(int64(stats.Lines)),
		"samples", humanize.Comma(int64(stats.Samples)),
		"mmaps", humanize.Comma(int64(stats.Mmaps)),
		"skipped", humanize.Comma(int64(stats.Skipped)),
		"modules", len(buf.Modules()),
		"duration", time.Since(start),
	)
	if buf.Samples() == 0 {
		return errNoSamples
	}

	prog := analysis.New(logger, reg, objdump.NewLoader(logger, s.objdump), addrspace.New(), analysis.Options{
		Interner:       s.interner,
		RelabelConfigs: s.cfg.RelabelConfigs,
	})
	if err := prog.Preload(ctx, buf.Modules(), f.Objdump.Concurrency); err != nil {
		return err
	}
	for path, err := range prog.LoadFailures() {
		level.Warn(logger).Log("msg", "module left without instructions", "path", path, "err", err)
	}
	if err := buf.Replay(ctx, prog); err != nil {
		return fmt.Errorf("replay trace: %w", err)
	}
	prog.Log()

	dsos := prog.DSOs()
	for _, d := range dsos {
		if d.Empty() {
			continue
		}
		st := d.InternerStats()[0]
		level.Debug(logger).Log(
			"msg", "symbol table",
			"path", d.Path,
			"entries", st.Entries,
			"bits", st.Bits,
			"load", fmt.Sprintf("%.2f", st.Load()),
			"mean_probe", fmt.Sprintf("%.2f", st.MeanProbe()),
		)
	}

	total := prog.Counters().Samples
	r := hotspot.Synthesize(s.hotspot, total, dsos)
	level.Info(logger).Log(
		"msg", "hotspots found",
		"hotspots", len(r.Hotspots),
		"sample_threshold", r.SampleThreshold,
		"hotspot_threshold", r.HotspotThreshold,
	)

	if err := writeReports(f.Output, r, dsos, total, start); err != nil {
		return err
	}
	if f.MetricsPath != "" {
		if err := writeMetrics(reg, f.MetricsPath); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

func writeReports(o flags.FlagsOutput, r *hotspot.Report, dsos []*dso.DSO, total uint64, captureTime time.Time) error {
	if o.Summary {
		if err := report.Summary(os.Stdout, r, total, o.Top); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	if o.Dump != "" {
		if err := writeTo(o.Dump, func(w io.Writer) error { return report.Dump(w, r, dsos) }); err != nil {
			return fmt.Errorf("write dump: %w", err)
		}
	}
	if o.Pprof != "" {
		if err := writeTo(o.Pprof, func(w io.Writer) error { return report.WritePprof(w, dsos, captureTime) }); err != nil {
			return fmt.Errorf("write pprof profile: %w", err)
		}
	}
	return nil
}

// writeTo runs fn on the file at path, or on stdout for "-".
func writeTo(path string, fn func(io.Writer) error) error {
	if path == "-" {
		return fn(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeMetrics(g prometheus.Gatherer, path string) error {
	mfs, err := g.Gather()
	if err != nil {
		return err
	}
	return writeTo(path, func(w io.Writer) error {
		for _, mf := range mfs {
			if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
				return err
			}
		}
		return nil
	})
}
