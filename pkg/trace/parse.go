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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// maxTokens bounds the number of whitespace separated fields of a line.
const maxTokens = 64

var (
	ErrEmptyLine     = errors.New("empty line")
	ErrTooManyTokens = errors.New("too many fields")
	ErrUnknownLine   = errors.New("unrecognized trace line")
)

// Decoder turns perf script lines into events. Module paths are interned so
// that the many samples of one binary share a single string.
type Decoder struct {
	modules map[string]string
}

func NewDecoder() *Decoder {
	return &Decoder{modules: make(map[string]string)}
}

func (d *Decoder) intern(s string) string {
	if v, ok := d.modules[s]; ok {
		return v
	}
	s = strings.Clone(s)
	d.modules[s] = s
	return s
}

// Decode parses one line of
//
//	perf script --show-mmap-events -F comm,pid,time,period,event,ip,sym,symoff,dso,brstack
//
// output.
func (d *Decoder) Decode(line string) (Event, error) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil, ErrEmptyLine
	}
	if len(tokens) > maxTokens {
		return nil, fmt.Errorf("%w: %d", ErrTooManyTokens, len(tokens))
	}

	if len(tokens) > 3 && strings.HasPrefix(tokens[3], "PERF_RECORD_") {
		m, err := d.parseMmap(tokens)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", tokens[3], err)
		}
		return m, nil
	}

	s, err := d.parseSample(tokens)
	if err != nil {
		return nil, fmt.Errorf("parse sample: %w", err)
	}
	return s, nil
}

// parseSample accepts
//
//	comm pid time: period event: ip sym+0xoff (dso) brstack...
func (d *Decoder) parseSample(t []string) (*Sample, error) {
	if len(t) < 8 {
		return nil, ErrUnknownLine
	}
	if !strings.HasSuffix(t[2], ":") || !strings.HasSuffix(t[4], ":") {
		return nil, ErrUnknownLine
	}

	pid, err := strconv.Atoi(t[1])
	if err != nil {
		return nil, fmt.Errorf("pid: %w", err)
	}
	ip, err := parseHexToUint64(t[5])
	if err != nil {
		return nil, fmt.Errorf("ip %q: %w", t[5], err)
	}

	s := &Sample{PID: pid, IP: ip}
	if k := strings.LastIndex(t[6], "+0x"); k > 0 {
		off, err := parseHexToUint64(t[6][k+3:])
		if err != nil {
			return nil, fmt.Errorf("symbol offset %q: %w", t[6], err)
		}
		s.Symbol = t[6][:k]
		s.HasSymbol = true
		s.SymbolOffset = off
	}

	mod, ok := parenthesized(t[7])
	if !ok {
		return nil, fmt.Errorf("module %q: %w", t[7], ErrUnknownLine)
	}
	s.Module = d.intern(mod)

	if len(t) > 8 {
		s.Branches = make([]BranchRecord, 0, len(t)-8)
		for _, tok := range t[8:] {
			b, err := d.parseBranch(tok)
			if err != nil {
				return nil, fmt.Errorf("branch %q: %w", tok, err)
			}
			s.Branches = append(s.Branches, b)
		}
	}
	return s, nil
}

// parseBranch accepts 0xSRC(dso)/0xDST(dso)/P|M|-/X|-/A|-/cycles.
func (d *Decoder) parseBranch(tok string) (BranchRecord, error) {
	var (
		b    BranchRecord
		tail [4]string
		rest = tok
	)
	for i := len(tail) - 1; i >= 0; i-- {
		k := strings.LastIndexByte(rest, '/')
		if k < 0 {
			return b, errors.New("too few fields")
		}
		tail[i] = rest[k+1:]
		rest = rest[:k]
	}

	sep := strings.Index(rest, ")/0x")
	if sep < 0 {
		return b, errors.New("missing destination")
	}
	var err error
	b.From, b.FromModule, err = d.parseLocation(rest[:sep+1])
	if err != nil {
		return b, fmt.Errorf("source: %w", err)
	}
	b.To, b.ToModule, err = d.parseLocation(rest[sep+2:])
	if err != nil {
		return b, fmt.Errorf("destination: %w", err)
	}

	switch tail[0] {
	case "P", "-":
	case "M":
		b.Mispredicted = true
	default:
		return b, fmt.Errorf("prediction flag %q", tail[0])
	}

	if tail[3] != "-" && tail[3] != "" {
		b.Cycles, err = strconv.ParseUint(tail[3], 10, 64)
		if err != nil {
			return b, fmt.Errorf("cycles: %w", err)
		}
	}
	return b, nil
}

// parseLocation accepts 0xADDR(dso).
func (d *Decoder) parseLocation(s string) (uint64, string, error) {
	k := strings.IndexByte(s, '(')
	if k < 0 || !strings.HasPrefix(s, "0x") {
		return 0, "", errors.New("malformed location")
	}
	mod, ok := parenthesized(s[k:])
	if !ok {
		return 0, "", errors.New("malformed module")
	}
	addr, err := parseHexToUint64(s[:k])
	if err != nil {
		return 0, "", err
	}
	return addr, d.intern(mod), nil
}

// parseMmap accepts
//
//	comm pid time: PERF_RECORD_MMAP pid/tid: [0xADDR(0xLEN) @ OFF]: prot path
//	comm pid time: PERF_RECORD_MMAP2 pid/tid: [0xADDR(0xLEN) @ OFF maj:min ino gen]: prot path
func (d *Decoder) parseMmap(t []string) (*Mmap, error) {
	var pathIdx int
	switch t[3] {
	case "PERF_RECORD_MMAP":
		pathIdx = 9
	case "PERF_RECORD_MMAP2":
		pathIdx = 12
	default:
		return nil, ErrUnknownLine
	}
	if len(t) <= pathIdx {
		return nil, errors.New("too few fields")
	}
	if t[6] != "@" {
		return nil, errors.New("missing offset marker")
	}

	pid, err := strconv.Atoi(t[1])
	if err != nil {
		return nil, fmt.Errorf("pid: %w", err)
	}

	w, ok := strings.CutPrefix(t[5], "[")
	if !ok {
		return nil, errors.New("malformed range")
	}
	k := strings.IndexByte(w, '(')
	if k < 0 || !strings.HasSuffix(w, ")") {
		return nil, errors.New("malformed range")
	}
	start, err := parseHexToUint64(w[:k])
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	length, err := parseHexToUint64(w[k+1 : len(w)-1])
	if err != nil {
		return nil, fmt.Errorf("length: %w", err)
	}

	off := t[7]
	if pathIdx == 9 {
		if off, ok = strings.CutSuffix(off, "]:"); !ok {
			if off, ok = strings.CutSuffix(t[7], "]"); !ok {
				return nil, errors.New("malformed offset")
			}
		}
	}
	var offset uint64
	if strings.HasPrefix(off, "0x") {
		offset, err = parseHexToUint64(off)
	} else {
		offset, err = strconv.ParseUint(off, 10, 64)
	}
	if err != nil {
		return nil, fmt.Errorf("offset: %w", err)
	}

	return &Mmap{
		PID:    pid,
		Start:  start,
		Length: length,
		Offset: offset,
		Path:   d.intern(t[pathIdx]),
	}, nil
}

func parenthesized(s string) (string, bool) {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return "", false
	}
	return s[1 : len(s)-1], true
}
