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
	"bufio"
	"fmt"
	"io"
	"strings"
)

// State is the ingestion cursor: where in the listing the next instruction
// belongs.
type State struct {
	Symbol        SymbolID
	Function      FunctionID
	File          FileID
	Line          uint32
	Discriminator uint32
}

func InitialState() State {
	return State{Symbol: NoSymbol, Function: NoFunction, File: NoFile}
}

// A recognizer consumes one listing line if it matches its grammar and
// returns the updated state.
type recognizer func(d *DSO, s State, line string) (State, bool)

// recognizers are tried in order, the first match consumes the line.
var recognizers = [...]recognizer{
	parseSourceLocation,
	parseInstruction,
	parseFunction,
	parseSymbol,
	parseMisc,
}

// ParseError reports a listing line no grammar accepted.
type ParseError struct {
	Line int
	Text string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unrecognized disassembly at line %d: %q", e.Line, e.Text)
}

type pendingTarget struct {
	insn       int
	fileOffset uint64
}

// TargetStats counts branch targets found in a listing.
type TargetStats struct {
	Targets  int
	Resolved int
}

// Ingester builds the tables of a DSO from an objdump -dlwF listing.
type Ingester struct {
	dso   *DSO
	state State
	line  int
}

func (d *DSO) NewIngester() *Ingester {
	return &Ingester{dso: d, state: InitialState()}
}

// State returns the current cursor.
func (in *Ingester) State() State { return in.state }

// Feed consumes one line, without its trailing newline.
func (in *Ingester) Feed(line string) error {
	in.line++
	for _, recognize := range recognizers {
		if s, ok := recognize(in.dso, in.state, line); ok {
			in.state = s
			return nil
		}
	}
	return &ParseError{Line: in.line, Text: line}
}

// Finish resolves the branch targets collected while feeding against the
// completed instruction table.
func (in *Ingester) Finish() TargetStats {
	d := in.dso
	stats := TargetStats{Targets: len(d.pending)}
	for _, p := range d.pending {
		j := d.Locate(p.fileOffset)
		d.Instructions[p.insn].Target = j
		if j != NoInstruction {
			d.Instructions[j].Flags |= FlagTarget
			stats.Resolved++
		}
	}
	d.pending = nil
	return stats
}

// Load ingests a complete listing.
func (d *DSO) Load(r io.Reader) (TargetStats, error) {
	in := d.NewIngester()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := in.Feed(scanner.Text()); err != nil {
			return TargetStats{}, fmt.Errorf("ingest %s: %w", d.Path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return TargetStats{}, fmt.Errorf("read listing of %s: %w", d.Path, err)
	}
	return in.Finish(), nil
}

const (
	fileOffsetMarker = " (File Offset: 0x"
	discriminator    = " (discriminator "
	sectionHeader    = "Disassembly of section "
)

func trimBlank(s string) string {
	return strings.TrimLeft(s, " \t")
}

// parseSourceLocation accepts "path:line" and
// "path:line (discriminator N)".
func parseSourceLocation(d *DSO, s State, line string) (State, bool) {
	if line == "" || line[0] == ' ' || line[0] == '\t' {
		return s, false
	}

	rest := line
	var disc uint64
	if strings.HasSuffix(rest, ")") {
		k := strings.LastIndex(rest, discriminator)
		if k < 0 {
			return s, false
		}
		digits := rest[k+len(discriminator) : len(rest)-1]
		v, n := scanDec(digits)
		if n == 0 || n != len(digits) {
			return s, false
		}
		disc = v
		rest = rest[:k]
	}

	k := strings.LastIndexByte(rest, ':')
	if k <= 0 {
		return s, false
	}
	digits := rest[k+1:]
	lineNo, n := scanDec(digits)
	if n == 0 || n != len(digits) {
		return s, false
	}
	path := rest[:k]

	s.Line = uint32(lineNo)
	s.Discriminator = uint32(disc)
	if s.File != NoFile && d.Files[s.File].Name == path {
		return s, true
	}

	id := FileID(len(d.Files))
	stored, prior, found := d.files.Insert(path, uint64(id), true)
	if found {
		s.File = FileID(prior)
		return s, true
	}
	d.Files = append(d.Files, SourceFile{Name: stored})
	s.File = id
	return s, true
}

// parseInstruction accepts "  addr:\tXX XX ... \tdisasm [(File Offset: 0xT)]".
func parseInstruction(d *DSO, s State, line string) (State, bool) {
	a := trimBlank(line)
	addr, n := scanHex(a)
	if n == 0 || n >= len(a) || a[n] != ':' {
		return s, false
	}
	e := trimBlank(a[n+1:])

	var insn Instruction
	for insn.Len < MaxInstructionBytes {
		b, ok := parseByte(e)
		if !ok {
			break
		}
		insn.Bytes[insn.Len] = b
		insn.Len++
		e = e[3:]
	}
	if insn.Len == 0 {
		return s, false
	}
	e = trimBlank(e)

	target, hasTarget := uint64(0), false
	if strings.HasSuffix(e, ")") {
		if k := strings.LastIndex(e, fileOffsetMarker); k >= 0 {
			digits := e[k+len(fileOffsetMarker) : len(e)-1]
			if v, m := scanHex(digits); m > 0 && m == len(digits) {
				target, hasTarget = v, true
				e = e[:k]
			}
		}
	}

	insn.Address = addr
	insn.FileOffset = addr
	if s.Symbol != NoSymbol {
		sym := &d.Symbols[s.Symbol]
		insn.FileOffset = addr - sym.Address + sym.FileOffset
	}
	insn.Symbol = s.Symbol
	insn.Function = s.Function
	insn.File = s.File
	insn.Line = s.Line
	insn.Discriminator = s.Discriminator
	insn.Disasm = d.disasm.Dup(e)
	insn.Target = NoInstruction
	insn.Source = NoInstruction

	if hasTarget {
		d.pending = append(d.pending, pendingTarget{insn: len(d.Instructions), fileOffset: target})
	}
	d.Instructions = append(d.Instructions, insn)
	return s, true
}

// parseFunction accepts "name():".
func parseFunction(d *DSO, s State, line string) (State, bool) {
	if len(line) < 4 || line[0] == ' ' || line[0] == '\t' || line[0] == '/' {
		return s, false
	}
	if !strings.HasSuffix(line, "():") {
		return s, false
	}
	name := line[:len(line)-3]

	id := FunctionID(len(d.Functions))
	stored, prior, found := d.functions.Insert(name, uint64(id), true)
	if found {
		s.Function = FunctionID(prior)
		return s, true
	}
	d.Functions = append(d.Functions, Function{Name: stored})
	s.Function = id
	return s, true
}

// parseSymbol accepts "addr <name> (File Offset: 0xOFF):".
func parseSymbol(d *DSO, s State, line string) (State, bool) {
	addr, n := scanHex(line)
	if n == 0 {
		return s, false
	}
	rest := line[n:]
	if !strings.HasPrefix(rest, " <") || !strings.HasSuffix(rest, "):") {
		return s, false
	}
	k := strings.LastIndex(rest, ">"+fileOffsetMarker)
	if k < 2 {
		return s, false
	}
	digits := rest[k+1+len(fileOffsetMarker) : len(rest)-2]
	foffs, m := scanHex(digits)
	if m == 0 || m != len(digits) {
		return s, false
	}
	name := rest[2:k]

	id := SymbolID(len(d.Symbols))
	stored, prior, found := d.symbols.Insert(name, uint64(id), true)
	sym := Symbol{
		Name:       stored,
		FileOffset: foffs,
		Address:    addr,
		First:      len(d.Instructions),
	}
	if found {
		d.Symbols[prior].Multiple = true
		sym.Multiple = true
	}
	d.Symbols = append(d.Symbols, sym)
	s.Symbol = id
	return s, true
}

// parseMisc consumes blank lines, elisions, section headers and the file
// format banner.
func parseMisc(_ *DSO, s State, line string) (State, bool) {
	switch {
	case line == "", trimBlank(line) == "...":
		return s, true
	case strings.HasPrefix(line, sectionHeader):
		s.Function = NoFunction
		s.File = NoFile
		s.Line = 0
		s.Discriminator = 0
		return s, true
	case strings.Contains(line, "file format"):
		return s, true
	}
	return s, false
}
