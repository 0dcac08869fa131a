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

// Package dso models one executable or shared library as an ordered table of
// disassembled instructions together with the symbols, functions and source
// files they belong to. Samples and branch records are attributed to the
// instructions of the table.
package dso

import (
	"github.com/parca-dev/parca-hotspot/pkg/arena"
	"github.com/parca-dev/parca-hotspot/pkg/strmap"
)

const (
	// MaxInstructionBytes is the longest x86 instruction encoding.
	MaxInstructionBytes = 15
	// SpanSlots is the number of distinct predecessors remembered per
	// branch source.
	SpanSlots = 2
	// MaxThroughSpan is the longest straight-line run, in instructions,
	// counted as executed through.
	MaxThroughSpan = 256

	// NoInstruction marks an absent instruction index.
	NoInstruction = -1
)

// Instruction flags.
const (
	// FlagDump marks instructions inside a rendered window.
	FlagDump uint64 = 1 << iota
	// FlagHotspot marks instructions inside a hotspot region.
	FlagHotspot
	// FlagCenter marks the weighted center of a hotspot region.
	FlagCenter
	// FlagTarget marks instructions some other instruction branches to.
	FlagTarget
	// FlagSpansMore is set once a predecessor was dropped because every
	// span slot was taken.
	FlagSpansMore
	// FlagSourcesMore is set when more than one distinct source branched
	// to the instruction.
	FlagSourcesMore
)

// FileDump marks source files touched by a rendered window.
const FileDump uint64 = 1

type (
	SymbolID   int
	FunctionID int
	FileID     int
)

const (
	NoSymbol   SymbolID   = -1
	NoFunction FunctionID = -1
	NoFile     FileID     = -1
)

// Span counts how often a branch source was reached from a given
// predecessor instruction.
type Span struct {
	Start  int
	Count  uint64
	Cycles uint64
}

type Instruction struct {
	FileOffset uint64
	Address    uint64
	Len        uint8
	Bytes      [MaxInstructionBytes]byte

	Symbol        SymbolID
	Function      FunctionID
	File          FileID
	Line          uint32
	Discriminator uint32
	Disasm        string

	// Target is the index of the instruction this one branches to, or
	// NoInstruction.
	Target int

	Hits     uint64
	Flags    uint64
	Branches uint64
	Misses   uint64
	Throughs uint64
	Spans    [SpanSlots]Span
	// Source is the most recent distinct instruction that branched here.
	Source   int
	Landings uint64
}

func (i *Instruction) Has(flag uint64) bool { return i.Flags&flag != 0 }

// Encoding returns the raw opcode bytes.
func (i *Instruction) Encoding() []byte { return i.Bytes[:i.Len] }

type Symbol struct {
	Name       string
	FileOffset uint64
	Address    uint64
	// First is the index of the first instruction following the label.
	First    int
	Hits     uint64
	Multiple bool
}

type Function struct {
	Name string
	Hits uint64
}

type SourceFile struct {
	Name  string
	Hits  uint64
	Flags uint64
}

// DSO is a single binary module and everything attributed to it.
type DSO struct {
	Path string

	Instructions []Instruction
	Symbols      []Symbol
	Functions    []Function
	Files        []SourceFile

	disasm    *arena.Arena
	symbols   *strmap.Map
	functions *strmap.Map
	files     *strmap.Map

	// pending holds branch targets awaiting resolution during ingestion.
	pending []pendingTarget

	// Samples counts every sample routed to the module, Unspecified those
	// without a usable location and Orphans those whose location did not
	// resolve to an instruction.
	Samples     uint64
	Unspecified uint64
	Orphans     uint64
}

func New(path string, opts ...strmap.Option) *DSO {
	return &DSO{
		Path:      path,
		disasm:    arena.New(arena.DefaultBlockSize),
		symbols:   strmap.New(opts...),
		functions: strmap.New(opts...),
		files:     strmap.New(opts...),
	}
}

// Empty reports whether the module has no instructions, e.g. because it
// could not be disassembled.
func (d *DSO) Empty() bool { return len(d.Instructions) == 0 }

// LookupSymbol returns the symbol registered under name. For names defined
// more than once this is the first definition.
func (d *DSO) LookupSymbol(name string) (SymbolID, bool) {
	v, ok := d.symbols.Lookup(name)
	if !ok {
		return NoSymbol, false
	}
	return SymbolID(v), true
}

func (d *DSO) SymbolName(id SymbolID) string {
	if id == NoSymbol {
		return ""
	}
	return d.Symbols[id].Name
}

func (d *DSO) FunctionName(id FunctionID) string {
	if id == NoFunction {
		return ""
	}
	return d.Functions[id].Name
}

func (d *DSO) FileName(id FileID) string {
	if id == NoFile {
		return ""
	}
	return d.Files[id].Name
}

// InternerStats returns the statistics of the symbol, function and file
// name tables, in that order.
func (d *DSO) InternerStats() [3]strmap.Stats {
	return [3]strmap.Stats{d.symbols.Stats(), d.functions.Stats(), d.files.Stats()}
}
