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

// Package analysis keeps the registry of modules referenced by a trace and
// routes samples and branches to the instructions they land on.
package analysis

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/model/relabel"
	"golang.org/x/sync/errgroup"

	"github.com/parca-dev/parca-hotspot/pkg/addrspace"
	"github.com/parca-dev/parca-hotspot/pkg/dso"
	"github.com/parca-dev/parca-hotspot/pkg/strmap"
	"github.com/parca-dev/parca-hotspot/pkg/trace"
)

const (
	LabelDSOPath = "__dso_path__"
	LabelDSOName = "__dso_name__"
)

// Loader fills a module with its instructions.
type Loader interface {
	Load(ctx context.Context, d *dso.DSO) error
}

type Options struct {
	// Interner configures the name tables of every module.
	Interner []strmap.Option
	// RelabelConfigs drop modules from disassembly. Dropped modules stay
	// registered, empty.
	RelabelConfigs []*relabel.Config
}

// Counters are the run wide attribution counts.
type Counters struct {
	Instructions uint64

	Samples     uint64
	Unspecified uint64
	Orphans     uint64

	BranchSamples     uint64
	BranchUnspecified uint64
	BranchOrphans     uint64
}

// Program owns the modules of a trace, keyed by path. Events must be handled
// from a single goroutine; Preload may run concurrently with nothing else.
type Program struct {
	logger  log.Logger
	metrics *metrics
	loader  Loader
	space   *addrspace.Space
	opts    Options

	mtx      sync.Mutex
	dsos     map[string]*dso.DSO
	order    []*dso.DSO
	failures map[string]error

	counters Counters
}

func New(logger log.Logger, reg prometheus.Registerer, loader Loader, space *addrspace.Space, opts Options) *Program {
	return &Program{
		logger:   logger,
		metrics:  newMetrics(reg),
		loader:   loader,
		space:    space,
		opts:     opts,
		dsos:     map[string]*dso.DSO{},
		failures: map[string]error{},
	}
}

// Require returns the module registered under path, loading it on first
// reference. A module that fails to load is kept empty.
func (p *Program) Require(ctx context.Context, path string) *dso.DSO {
	d, created := p.register(path)
	if created {
		p.load(ctx, d)
	}
	return d
}

// Preload registers and loads modules with at most concurrency loads in
// flight. Load failures are recorded, not returned. Modules not loaded
// because ctx ended are unregistered, so a later Require loads them.
func (p *Program) Preload(ctx context.Context, modules []string, concurrency int) error {
	var fresh []*dso.DSO
	for _, path := range modules {
		if d, created := p.register(path); created {
			fresh = append(fresh, d)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, d := range fresh {
		d := d
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				p.unregister(d)
				return err
			}
			p.load(ctx, d)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("preload modules: %w", err)
	}

	level.Info(p.logger).Log(
		"msg", "modules loaded",
		"modules", len(fresh),
		"instructions", humanize.Comma(int64(p.Counters().Instructions)),
	)
	return nil
}

func (p *Program) register(path string) (*dso.DSO, bool) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if d, ok := p.dsos[path]; ok {
		return d, false
	}
	d := dso.New(path, p.opts.Interner...)
	p.dsos[path] = d
	p.order = append(p.order, d)
	return d, true
}

func (p *Program) unregister(d *dso.DSO) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.unregisterLocked(d)
}

func (p *Program) unregisterLocked(d *dso.DSO) {
	if p.dsos[d.Path] != d {
		return
	}
	delete(p.dsos, d.Path)
	for i, o := range p.order {
		if o == d {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

func (p *Program) keep(path string) bool {
	if len(p.opts.RelabelConfigs) == 0 {
		return true
	}
	_, keep := relabel.Process(
		labels.FromStrings(LabelDSOPath, path, LabelDSOName, filepath.Base(path)),
		p.opts.RelabelConfigs...,
	)
	return keep
}

func (p *Program) load(ctx context.Context, d *dso.DSO) {
	if !p.keep(d.Path) {
		level.Debug(p.logger).Log("msg", "module dropped by relabeling", "path", d.Path)
		return
	}

	start := time.Now()
	err := p.loader.Load(ctx, d)
	p.metrics.loadDuration.Observe(time.Since(start).Seconds())

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if err != nil && ctx.Err() != nil {
		level.Debug(p.logger).Log("msg", "module load interrupted", "path", d.Path, "err", err)
		p.unregisterLocked(d)
		return
	}
	if err != nil {
		p.metrics.modulesLoad.WithLabelValues(resultError).Inc()
		level.Warn(p.logger).Log("msg", "could not disassemble module", "path", d.Path, "err", err)
		p.failures[d.Path] = err
		// Drop whatever was ingested before the failure.
		*d = *dso.New(d.Path, p.opts.Interner...)
		return
	}
	p.metrics.modulesLoad.WithLabelValues(resultSuccess).Inc()
	p.counters.Instructions += uint64(len(d.Instructions))
}

// DSOs returns the registered modules in order of first reference.
func (p *Program) DSOs() []*dso.DSO {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return append([]*dso.DSO(nil), p.order...)
}

// LoadFailures returns the modules that failed to load and why.
func (p *Program) LoadFailures() map[string]error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	res := make(map[string]error, len(p.failures))
	for k, v := range p.failures {
		res[k] = v
	}
	return res
}

func (p *Program) Counters() Counters {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	return p.counters
}

// HandleMmap records a mapping of the trace.
func (p *Program) HandleMmap(_ context.Context, m *trace.Mmap) error {
	if !p.space.Map(m.PID, m.Start, m.Length, m.Path, m.Offset) {
		level.Debug(p.logger).Log("msg", "ignoring mapping", "pid", m.PID, "path", m.Path)
	}
	return nil
}

// HandleSample attributes a sample and the branches of its stack.
func (p *Program) HandleSample(ctx context.Context, s *trace.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.Sample(ctx, s.PID, s.IP, s.Module, s.Symbol, s.SymbolOffset)
	for _, e := range s.Edges() {
		p.Branch(ctx, s.PID, e)
	}
	return nil
}

// Sample attributes one sample of process pid at ip, reported by the trace
// in module at symbol+offset. When the address space disagrees with the
// trace, the symbol is used instead of the address.
func (p *Program) Sample(ctx context.Context, pid int, ip uint64, module, symbol string, offset uint64) {
	d := p.Require(ctx, module)

	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.counters.Samples++

	if d.Empty() {
		d.RecordUnattributed()
		p.counters.Unspecified++
		p.metrics.samples.WithLabelValues(resultUnspecified).Inc()
		return
	}

	var ok bool
	path, foffs, mapped := p.space.Translate(pid, ip)
	switch {
	case !mapped:
		level.Debug(p.logger).Log("msg", "no mapping for sample", "pid", pid, "ip", fmt.Sprintf("0x%x", ip), "path", module, "symbol", symbol)
		ok = d.RecordSampleBySymbol(symbol, offset)
	case path != module:
		level.Debug(p.logger).Log("msg", "sample falls in another module's mapping", "ip", fmt.Sprintf("0x%x", ip), "path", module, "mapped", path)
		ok = d.RecordSampleBySymbol(symbol, offset)
	default:
		ok = d.RecordSample(foffs)
	}

	if !ok {
		p.counters.Orphans++
		p.metrics.samples.WithLabelValues(resultOrphan).Inc()
		return
	}
	p.metrics.samples.WithLabelValues(resultHit).Inc()
}

// Branch attributes one taken branch of process pid.
func (p *Program) Branch(ctx context.Context, pid int, e trace.Edge) {
	src := p.endpoint(ctx, pid, e.Source, "source")
	dst := p.endpoint(ctx, pid, e.Destination, "destination")
	var prev dso.Endpoint
	if e.Previous.Valid() {
		prev = p.endpoint(ctx, pid, e.Previous, "previous")
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	p.counters.BranchSamples++

	// Branches without a destination are interrupts; they are not tracked.
	if !src.Valid() || !dst.Valid() {
		p.counters.BranchUnspecified++
		p.metrics.branches.WithLabelValues(resultUnspecified).Inc()
		return
	}

	res := dso.RecordBranch(dso.Edge{
		Previous:     prev,
		Source:       src,
		Destination:  dst,
		Mispredicted: e.Mispredicted,
		Cycles:       e.Cycles,
	})
	switch res.Status {
	case dso.BranchRecorded:
		p.metrics.branches.WithLabelValues(resultHit).Inc()
	case dso.BranchUnresolved:
		p.counters.BranchOrphans++
		p.metrics.branches.WithLabelValues(resultOrphan).Inc()
	default:
		p.counters.BranchUnspecified++
		p.metrics.branches.WithLabelValues(resultUnspecified).Inc()
	}
	if res.SpansExhausted {
		level.Debug(p.logger).Log("msg", "span slots exhausted", "path", src.DSO.Path, "offset", fmt.Sprintf("0x%x", src.FileOffset))
	}
}

// endpoint translates a branch location. The result is invalid when the
// module is empty or the address is not mapped. A mapping of another module
// is trusted for the offset.
func (p *Program) endpoint(ctx context.Context, pid int, loc trace.Location, role string) dso.Endpoint {
	if !loc.Valid() {
		return dso.Endpoint{}
	}
	d := p.Require(ctx, loc.Module)
	if d.Empty() {
		return dso.Endpoint{}
	}
	path, foffs, ok := p.space.Translate(pid, loc.Address)
	if !ok {
		level.Debug(p.logger).Log("msg", "no mapping for branch "+role, "pid", pid, "ip", fmt.Sprintf("0x%x", loc.Address), "path", loc.Module)
		return dso.Endpoint{}
	}
	if path != loc.Module {
		level.Debug(p.logger).Log("msg", "branch "+role+" falls in another module's mapping", "ip", fmt.Sprintf("0x%x", loc.Address), "path", loc.Module, "mapped", path)
	}
	return dso.Endpoint{DSO: d, FileOffset: foffs}
}

// Log writes the run wide counters.
func (p *Program) Log() {
	pids := p.space.PIDs()
	mappings := 0
	for _, pid := range pids {
		mappings += len(p.space.MappingsForPID(pid))
	}
	level.Debug(p.logger).Log("msg", "address space", "processes", len(pids), "mappings", mappings)

	c := p.Counters()
	level.Info(p.logger).Log(
		"msg", "attribution done",
		"modules", len(p.DSOs()),
		"instructions", humanize.Comma(int64(c.Instructions)),
		"samples", humanize.Comma(int64(c.Samples)),
		"unspec", humanize.Comma(int64(c.Unspecified)),
		"orphans", humanize.Comma(int64(c.Orphans)),
		"branches", humanize.Comma(int64(c.BranchSamples)),
		"branch_unspec", humanize.Comma(int64(c.BranchUnspecified)),
		"branch_orphans", humanize.Comma(int64(c.BranchOrphans)),
	)
}
