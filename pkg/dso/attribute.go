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

func (d *DSO) hit(i int) {
	insn := &d.Instructions[i]
	insn.Hits++
	if insn.Symbol != NoSymbol {
		d.Symbols[insn.Symbol].Hits++
	}
	if insn.Function != NoFunction {
		d.Functions[insn.Function].Hits++
	}
	if insn.File != NoFile {
		d.Files[insn.File].Hits++
	}
}

func (d *DSO) record(i int) bool {
	d.Samples++
	if i == NoInstruction {
		d.Orphans++
		return false
	}
	d.hit(i)
	return true
}

// RecordSample attributes a sample at file offset foffs. It returns false
// and counts an orphan when no instruction starts at that offset.
func (d *DSO) RecordSample(foffs uint64) bool {
	return d.record(d.Locate(foffs))
}

// RecordSampleBySymbol attributes a sample at symbol+offset.
func (d *DSO) RecordSampleBySymbol(name string, offset uint64) bool {
	return d.record(d.LocateSymbol(name, offset))
}

// RecordUnattributed counts a sample known to belong to the module without
// a usable location.
func (d *DSO) RecordUnattributed() {
	d.Samples++
	d.Unspecified++
}

// Endpoint is one end of a branch. A nil DSO means the location is unknown.
type Endpoint struct {
	DSO        *DSO
	FileOffset uint64
}

func (e Endpoint) Valid() bool { return e.DSO != nil }

// Edge is one taken branch from a last branch record stack. Previous is the
// destination of the branch taken before it, so that Previous..Source ran as
// straight-line code.
type Edge struct {
	Previous     Endpoint
	Source       Endpoint
	Destination  Endpoint
	Mispredicted bool
	Cycles       uint64
}

type BranchStatus int

const (
	// BranchSkipped means the source location is unknown.
	BranchSkipped BranchStatus = iota
	// BranchUnresolved means an offset in the source module did not match
	// an instruction.
	BranchUnresolved
	BranchRecorded
)

func (s BranchStatus) String() string {
	switch s {
	case BranchSkipped:
		return "skipped"
	case BranchUnresolved:
		return "unresolved"
	case BranchRecorded:
		return "recorded"
	default:
		return "unknown"
	}
}

type BranchResult struct {
	Status BranchStatus
	// SpansExhausted is set when the predecessor could not be remembered
	// because every span slot of the source was taken.
	SpansExhausted bool
}

// RecordBranch attributes a taken branch to its source instruction. The
// destination and the previous hop are only tracked when they lie in the
// same module as the source.
func RecordBranch(e Edge) BranchResult {
	d := e.Source.DSO
	if d == nil || d.Empty() {
		return BranchResult{Status: BranchSkipped}
	}

	srcIdx := d.Locate(e.Source.FileOffset)
	if srcIdx == NoInstruction {
		return BranchResult{Status: BranchUnresolved}
	}
	src := &d.Instructions[srcIdx]
	src.Branches++
	if e.Mispredicted {
		src.Misses++
	}

	res := BranchResult{Status: BranchRecorded}

	if e.Destination.DSO == d {
		if dstIdx := d.Locate(e.Destination.FileOffset); dstIdx == NoInstruction {
			res.Status = BranchUnresolved
		} else {
			dst := &d.Instructions[dstIdx]
			if dst.Source != NoInstruction && dst.Source != srcIdx {
				dst.Flags |= FlagSourcesMore
			}
			dst.Source = srcIdx
			dst.Landings++
		}
	}

	if e.Previous.DSO == d {
		preIdx := d.Locate(e.Previous.FileOffset)
		if preIdx == NoInstruction {
			res.Status = BranchUnresolved
			return res
		}
		if !src.addSpan(preIdx, e.Cycles) {
			src.Flags |= FlagSpansMore
			res.SpansExhausted = true
		}
		if preIdx < srcIdx && preIdx+MaxThroughSpan >= srcIdx {
			for i := preIdx; i <= srcIdx; i++ {
				d.Instructions[i].Throughs++
			}
		}
	}

	return res
}

// addSpan counts one arrival from instruction start. It returns false when
// start is new and no slot is free.
func (i *Instruction) addSpan(start int, cycles uint64) bool {
	for j := range i.Spans {
		sp := &i.Spans[j]
		if sp.Count == 0 {
			*sp = Span{Start: start, Count: 1, Cycles: cycles}
			return true
		}
		if sp.Start == start {
			sp.Count++
			sp.Cycles += cycles
			return true
		}
	}
	return false
}
