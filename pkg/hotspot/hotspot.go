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

// Package hotspot derives contiguous hot regions from the sample counts
// attributed to DSO instructions and ranks regions, symbols and functions.
package hotspot

import (
	"sort"

	"github.com/RoaringBitmap/roaring"

	"github.com/parca-dev/parca-hotspot/pkg/dso"
)

type Config struct {
	// SampleThreshold is the minimum number of hits for an instruction to
	// be hot.
	SampleThreshold Threshold
	// HotspotThreshold is the minimum number of hits for a run of hot
	// instructions to be reported.
	HotspotThreshold Threshold
	// Gap is how many instructions a run may extend past its last hot
	// instruction before it is closed.
	Gap int
	// Context is the number of instructions rendered around each region.
	Context int
}

func DefaultConfig() Config {
	return Config{
		SampleThreshold:  Absolute(1),
		HotspotThreshold: Absolute(2),
		Gap:              5,
		Context:          100,
	}
}

// Region is a run of hot instructions, First and Last inclusive.
type Region struct {
	DSO    *dso.DSO
	First  int
	Last   int
	Center int
	Hits   uint64
}

// Ref points at a symbol or function of a DSO.
type Ref struct {
	DSO   *dso.DSO
	Index int
	Hits  uint64
}

type Report struct {
	// SampleThreshold and HotspotThreshold hold the resolved thresholds.
	SampleThreshold  uint64
	HotspotThreshold uint64

	Hotspots  []Region
	Symbols   []Ref
	Functions []Ref
	// Windows holds, per DSO, the indices of the instructions to render.
	Windows map[*dso.DSO]*roaring.Bitmap
}

// Synthesize scans every DSO for hot regions. totalSamples resolves
// percentage thresholds. It must only run once all samples have been
// attributed.
func Synthesize(cfg Config, totalSamples uint64, dsos []*dso.DSO) *Report {
	r := &Report{
		SampleThreshold:  cfg.SampleThreshold.Resolve(totalSamples),
		HotspotThreshold: cfg.HotspotThreshold.Resolve(totalSamples),
		Windows:          make(map[*dso.DSO]*roaring.Bitmap),
	}
	// A zero threshold would make every instruction hot.
	if r.SampleThreshold == 0 {
		r.SampleThreshold = 1
	}

	for _, d := range dsos {
		regions := Scan(d, r.SampleThreshold, r.HotspotThreshold, cfg.Gap)
		if len(regions) == 0 {
			continue
		}
		r.Windows[d] = Mark(d, regions, cfg.Context)
		r.Hotspots = append(r.Hotspots, regions...)
	}

	for _, d := range dsos {
		for i, sym := range d.Symbols {
			r.Symbols = append(r.Symbols, Ref{DSO: d, Index: i, Hits: sym.Hits})
		}
		for i, fn := range d.Functions {
			r.Functions = append(r.Functions, Ref{DSO: d, Index: i, Hits: fn.Hits})
		}
	}

	sort.Slice(r.Hotspots, func(i, j int) bool { return r.Hotspots[i].Hits > r.Hotspots[j].Hits })
	sort.Slice(r.Symbols, func(i, j int) bool { return r.Symbols[i].Hits > r.Symbols[j].Hits })
	sort.Slice(r.Functions, func(i, j int) bool { return r.Functions[i].Hits > r.Functions[j].Hits })

	return r
}

// Scan returns the hot regions of d in table order. A run of instructions
// with at least minHits hits each is extended across up to gap colder
// instructions, but never across a symbol boundary. Runs totalling fewer
// than minTotal hits are dropped.
func Scan(d *dso.DSO, minHits, minTotal uint64, gap int) []Region {
	var (
		regions  []Region
		cur      Region
		on       bool
		weighted uint64
		sym      dso.SymbolID
	)
	closeRun := func() {
		if on && cur.Hits > 0 && cur.Hits >= minTotal {
			cur.Center = cur.First + int(weighted/cur.Hits)
			regions = append(regions, cur)
		}
		on = false
	}

	for i := range d.Instructions {
		insn := &d.Instructions[i]
		if on && insn.Symbol != sym {
			closeRun()
		}
		if insn.Hits >= minHits {
			if !on {
				on = true
				cur = Region{DSO: d, First: i}
				weighted = 0
				sym = insn.Symbol
			}
			cur.Hits += insn.Hits
			weighted += insn.Hits * uint64(i-cur.First)
			cur.Last = i
		}
		if on && i > cur.Last+gap {
			closeRun()
		}
	}
	closeRun()

	return regions
}

// Mark flags the instructions of each region and the window of context
// instructions around it. Windows never overlap the preceding one. Source
// files touched by a window get FileDump. It returns the rendered indices.
func Mark(d *dso.DSO, regions []Region, context int) *roaring.Bitmap {
	rendered := roaring.New()
	n := len(d.Instructions)
	top := 0

	for _, h := range regions {
		for i := h.First; i <= h.Last; i++ {
			d.Instructions[i].Flags |= dso.FlagHotspot
		}
		d.Instructions[h.Center].Flags |= dso.FlagCenter

		lo := max(h.First-context, 0)
		hi := min(h.Last+context, n-1)
		lo = max(lo, top)

		for i := lo; i <= hi; i++ {
			insn := &d.Instructions[i]
			insn.Flags |= dso.FlagDump
			if insn.File != dso.NoFile {
				d.Files[insn.File].Flags |= dso.FileDump
			}
		}
		if lo <= hi {
			rendered.AddRange(uint64(lo), uint64(hi)+1)
		}
		top = max(top, hi+1)
	}
	return rendered
}
