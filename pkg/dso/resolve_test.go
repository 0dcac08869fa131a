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

package dso

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func tableWithOffsets(offsets ...uint64) *DSO {
	d := New("t")
	for _, off := range offsets {
		d.Instructions = append(d.Instructions, Instruction{
			FileOffset: off,
			Symbol:     NoSymbol,
			Function:   NoFunction,
			File:       NoFile,
			Target:     NoInstruction,
			Source:     NoInstruction,
		})
	}
	return d
}

func TestLocateFileOffset(t *testing.T) {
	t.Parallel()

	d := tableWithOffsets(0x10, 0x12, 0x15, 0x15, 0x20, 0x21, 0x30, 0x38, 0x3c)

	for i, insn := range d.Instructions {
		got := d.Locate(insn.FileOffset)
		require.NotEqual(t, NoInstruction, got)
		require.Equal(t, insn.FileOffset, d.Instructions[got].FileOffset, "instruction %d", i)
	}

	tests := []struct {
		name   string
		foffs  uint64
		lo, hi int
		want   int
	}{
		{name: "first", foffs: 0x10, lo: 0, hi: 8, want: 0},
		{name: "last", foffs: 0x3c, lo: 0, hi: 8, want: 8},
		{name: "middle", foffs: 0x21, lo: 0, hi: 8, want: 5},
		{name: "inside instruction", foffs: 0x11, lo: 0, hi: 8, want: NoInstruction},
		{name: "below", foffs: 0x1, lo: 0, hi: 8, want: NoInstruction},
		{name: "above", foffs: 0x40, lo: 0, hi: 8, want: NoInstruction},
		{name: "outside subrange", foffs: 0x10, lo: 2, hi: 8, want: NoInstruction},
		{name: "single", foffs: 0x30, lo: 6, hi: 6, want: 6},
		{name: "inverted range", foffs: 0x30, lo: 7, hi: 6, want: NoInstruction},
		{name: "range past end", foffs: 0x30, lo: 0, hi: 9, want: NoInstruction},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, d.LocateFileOffset(tt.foffs, tt.lo, tt.hi))
		})
	}
}

func TestLocateFileOffsetUnordered(t *testing.T) {
	t.Parallel()

	d := tableWithOffsets(0x10, 0x40, 0x20, 0x30, 0x50)
	// 0x40 sits out of order and is missed by the search.
	require.Equal(t, NoInstruction, d.Locate(0x40))
	require.Equal(t, 4, d.Locate(0x50))

	empty := New("empty")
	require.Equal(t, NoInstruction, empty.Locate(0))
	require.Equal(t, NoInstruction, empty.LocateSymbol("main", 0))
}

func TestLocateSymbol(t *testing.T) {
	t.Parallel()

	d := loadListing(t, listing)

	tests := []struct {
		name   string
		symbol string
		offset uint64
		want   int
	}{
		{name: "start", symbol: "add", offset: 0, want: 0},
		{name: "second", symbol: "add", offset: 3, want: 1},
		{name: "padding", symbol: "add", offset: 4, want: 2},
		{name: "mid instruction", symbol: "add", offset: 2, want: NoInstruction},
		{name: "main call", symbol: "main", offset: 4, want: 4},
		{name: "main last", symbol: "main", offset: 9, want: 5},
		{name: "past end", symbol: "main", offset: 0x100, want: NoInstruction},
		{name: "unknown", symbol: "nope", offset: 0, want: NoInstruction},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, d.LocateSymbol(tt.symbol, tt.offset))
		})
	}
}

func TestLocateSymbolGallops(t *testing.T) {
	t.Parallel()

	d := New("big")
	d.Symbols = append(d.Symbols, Symbol{Name: "f", FileOffset: 0x1000, First: 0})
	d.symbols.Insert("f", 0, true)
	for i := uint64(0); i < 1000; i++ {
		d.Instructions = append(d.Instructions, Instruction{FileOffset: 0x1000 + 4*i, Symbol: 0})
	}
	for _, i := range []int{0, 1, 2, 3, 7, 8, 500, 998, 999} {
		require.Equal(t, i, d.LocateSymbol("f", uint64(4*i)))
	}
}
