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

// LocateFileOffset returns the index in [lo, hi] of the instruction at file
// offset foffs, or NoInstruction. Only exact matches are returned; the search
// gives up when the probed range is not ordered.
func (d *DSO) LocateFileOffset(foffs uint64, lo, hi int) int {
	if lo < 0 || hi >= len(d.Instructions) || lo > hi {
		return NoInstruction
	}
	insn := d.Instructions
	f0, f1 := insn[lo].FileOffset, insn[hi].FileOffset
	if foffs < f0 || foffs > f1 {
		return NoInstruction
	}

	for {
		if foffs == f0 {
			return lo
		}
		if foffs == f1 {
			return hi
		}
		if hi <= lo+1 || f1 <= f0 {
			return NoInstruction
		}

		mid := lo + (hi-lo)/2
		fm := insn[mid].FileOffset
		if foffs < fm {
			hi, f1 = mid, fm
		} else {
			lo, f0 = mid, fm
		}
	}
}

// Locate searches the whole table.
func (d *DSO) Locate(foffs uint64) int {
	return d.LocateFileOffset(foffs, 0, len(d.Instructions)-1)
}

// LocateSymbol returns the instruction at offset bytes past the start of the
// named symbol. Names defined more than once are refused.
//
// The search gallops forward from the symbol's first instruction since the
// offset is usually small.
func (d *DSO) LocateSymbol(name string, offset uint64) int {
	n := len(d.Instructions)
	if n == 0 {
		return NoInstruction
	}
	id, ok := d.LookupSymbol(name)
	if !ok {
		return NoInstruction
	}
	sym := &d.Symbols[id]
	if sym.Multiple {
		return NoInstruction
	}
	foffs := sym.FileOffset + offset

	start := sym.First
	if start > n-1 {
		start = n - 1
	}
	lo, hi := start, start
	for delta := 1; ; delta *= 2 {
		probe := start + delta
		if probe >= n-1 {
			hi = n - 1
			break
		}
		if d.Instructions[probe].FileOffset >= foffs {
			hi = probe
			break
		}
		lo = probe
	}
	return d.LocateFileOffset(foffs, lo, hi)
}
