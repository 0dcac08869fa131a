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

package hotspot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-hotspot/pkg/dso"
)

// module builds a DSO whose instruction i has hits[i] hits and belongs to
// symbol syms[i] (symbol 0 when syms is nil).
func module(hits []uint64, syms []dso.SymbolID) *dso.DSO {
	d := dso.New("m")
	d.Files = append(d.Files, dso.SourceFile{Name: "/a.c"}, dso.SourceFile{Name: "/b.c"})
	d.Symbols = append(d.Symbols, dso.Symbol{Name: "f"}, dso.Symbol{Name: "g"})
	for i, h := range hits {
		sym := dso.SymbolID(0)
		if syms != nil {
			sym = syms[i]
		}
		d.Instructions = append(d.Instructions, dso.Instruction{
			FileOffset: uint64(i),
			Hits:       h,
			Symbol:     sym,
			Function:   dso.NoFunction,
			File:       dso.FileID(0),
			Target:     dso.NoInstruction,
			Source:     dso.NoInstruction,
		})
		d.Symbols[sym].Hits += h
	}
	return d
}

func TestScanMergesAcrossGap(t *testing.T) {
	t.Parallel()

	d := module([]uint64{0, 5, 6, 0, 0, 3}, nil)
	regions := Scan(d, 1, 5, 2)
	require.Len(t, regions, 1)
	require.Equal(t, Region{DSO: d, First: 1, Last: 5, Center: 2, Hits: 14}, regions[0])
}

func TestScan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		hits     []uint64
		syms     []dso.SymbolID
		minHits  uint64
		minTotal uint64
		gap      int
		want     [][3]int // first, last, center
	}{
		{
			name: "gap too wide",
			hits: []uint64{4, 0, 0, 0, 4},
			minHits: 1, minTotal: 1, gap: 2,
			want: [][3]int{{0, 0, 0}, {4, 4, 4}},
		},
		{
			name: "symbol change closes run",
			hits: []uint64{4, 4, 4, 4},
			syms: []dso.SymbolID{0, 0, 1, 1},
			minHits: 1, minTotal: 1, gap: 5,
			want: [][3]int{{0, 1, 0}, {2, 3, 2}},
		},
		{
			name: "below total threshold dropped",
			hits: []uint64{1, 0, 0, 0, 0, 0, 0, 10, 10},
			minHits: 1, minTotal: 5, gap: 1,
			want: [][3]int{{7, 8, 7}},
		},
		{
			name: "per instruction threshold",
			hits: []uint64{2, 3, 1, 3},
			minHits: 2, minTotal: 1, gap: 0,
			want: [][3]int{{0, 1, 0}, {3, 3, 3}},
		},
		{
			name: "weighted center",
			hits: []uint64{1, 1, 1, 1, 20},
			minHits: 1, minTotal: 1, gap: 0,
			want: [][3]int{{0, 4, 3}},
		},
		{
			name:    "cold",
			hits:    []uint64{0, 0, 0},
			minHits: 1, minTotal: 1, gap: 3,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := module(tt.hits, tt.syms)
			var got [][3]int
			for _, r := range Scan(d, tt.minHits, tt.minTotal, tt.gap) {
				got = append(got, [3]int{r.First, r.Last, r.Center})
			}
			require.Equal(t, tt.want, got)
		})
	}
}

func TestMarkWindows(t *testing.T) {
	t.Parallel()

	hits := make([]uint64, 30)
	hits[5], hits[6] = 3, 3
	hits[12] = 9
	hits[27] = 4
	d := module(hits, nil)
	d.Instructions[29].File = 1

	regions := Scan(d, 1, 1, 0)
	require.Len(t, regions, 3)

	rendered := Mark(d, regions, 3)
	// [2,9] then [10,15] clipped by the first window, then [24,29].
	want := []uint32{}
	for i := 2; i <= 15; i++ {
		want = append(want, uint32(i))
	}
	for i := 24; i <= 29; i++ {
		want = append(want, uint32(i))
	}
	require.Equal(t, want, rendered.ToArray())

	for i, insn := range d.Instructions {
		require.Equal(t, rendered.Contains(uint32(i)), insn.Has(dso.FlagDump), "instruction %d", i)
		require.Equal(t, hits[i] > 0, insn.Has(dso.FlagHotspot), "instruction %d", i)
	}
	require.True(t, d.Instructions[5].Has(dso.FlagCenter))
	require.False(t, d.Instructions[6].Has(dso.FlagCenter))
	require.True(t, d.Instructions[12].Has(dso.FlagCenter))

	require.Equal(t, dso.FileDump, d.Files[0].Flags)
	require.Equal(t, dso.FileDump, d.Files[1].Flags)
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	a := module([]uint64{0, 5, 6, 0, 0, 3}, nil)
	b := module([]uint64{1, 0, 0, 0, 0, 0, 0, 0, 0, 20, 20}, []dso.SymbolID{0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 1})
	cold := module([]uint64{0, 0}, nil)

	cfg := Config{
		SampleThreshold:  Absolute(1),
		HotspotThreshold: Threshold{Value: 10, Percent: true},
		Gap:              2,
		Context:          1,
	}
	r := Synthesize(cfg, 55, []*dso.DSO{a, b, cold})
	require.Equal(t, uint64(1), r.SampleThreshold)
	require.Equal(t, uint64(5), r.HotspotThreshold)

	require.Len(t, r.Hotspots, 2)
	require.Equal(t, b, r.Hotspots[0].DSO)
	require.Equal(t, uint64(40), r.Hotspots[0].Hits)
	require.Equal(t, a, r.Hotspots[1].DSO)
	require.Equal(t, uint64(14), r.Hotspots[1].Hits)

	require.Len(t, r.Windows, 2)
	require.NotContains(t, r.Windows, cold)

	require.Len(t, r.Symbols, 6)
	require.Equal(t, Ref{DSO: b, Index: 1, Hits: 40}, r.Symbols[0])
	require.Equal(t, uint64(14), r.Symbols[1].Hits)
	for i := 1; i < len(r.Symbols); i++ {
		require.GreaterOrEqual(t, r.Symbols[i-1].Hits, r.Symbols[i].Hits)
	}
	require.Empty(t, r.Functions)
}

func TestSynthesizeZeroThreshold(t *testing.T) {
	t.Parallel()

	d := module([]uint64{0, 1, 0}, nil)
	cfg := DefaultConfig()
	cfg.SampleThreshold = Threshold{Value: 1, Percent: true}
	cfg.HotspotThreshold = Absolute(1)

	r := Synthesize(cfg, 1, []*dso.DSO{d})
	require.Equal(t, uint64(1), r.SampleThreshold)
	require.Len(t, r.Hotspots, 1)
	require.Equal(t, 1, r.Hotspots[0].First)
}

func TestParseThreshold(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Threshold
		total   uint64
		count   uint64
		wantErr bool
	}{
		{in: "5", want: Absolute(5), total: 1000, count: 5},
		{in: "0x10", want: Absolute(16), total: 0, count: 16},
		{in: "0.5%", want: Threshold{Value: 0.5, Percent: true}, total: 1000, count: 5},
		{in: "10%", want: Threshold{Value: 10, Percent: true}, total: 25, count: 2},
		{in: "abc", wantErr: true},
		{in: "-1%", wantErr: true},
		{in: "5%%", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			var got Threshold
			err := got.UnmarshalText([]byte(tt.in))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.count, got.Resolve(tt.total))
		})
	}

	require.Equal(t, "0.5%", Threshold{Value: 0.5, Percent: true}.String())
	require.Equal(t, "7", Absolute(7).String())
}
