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

package report

import (
	"fmt"
	"io"
	"time"

	pprofprofile "github.com/google/pprof/profile"

	"github.com/parca-dev/parca-hotspot/pkg/dso"
)

type functionKey struct {
	name     string
	filename string
}

// Converter builds a pprof profile with one sample per sampled instruction.
// Location addresses are file offsets, so every mapping starts at zero.
type Converter struct {
	functionIndex map[functionKey]*pprofprofile.Function

	result *pprofprofile.Profile
}

func NewConverter(captureTime time.Time) *Converter {
	return &Converter{
		functionIndex: map[functionKey]*pprofprofile.Function{},
		result: &pprofprofile.Profile{
			TimeNanos: captureTime.UnixNano(),
			SampleType: []*pprofprofile.ValueType{
				{Type: "samples", Unit: "count"},
				{Type: "branches", Unit: "count"},
			},
			PeriodType: &pprofprofile.ValueType{Type: "samples", Unit: "count"},
			Period:     1,
		},
	}
}

// Convert adds the sampled instructions of dsos to the profile. It is
// intended to only be used once.
func (c *Converter) Convert(dsos []*dso.DSO) *pprofprofile.Profile {
	for _, d := range dsos {
		if d.Empty() {
			continue
		}
		var m *pprofprofile.Mapping
		for i := range d.Instructions {
			insn := &d.Instructions[i]
			if insn.Hits == 0 && insn.Branches == 0 {
				continue
			}
			if m == nil {
				m = c.addMapping(d)
			}
			c.result.Sample = append(c.result.Sample, &pprofprofile.Sample{
				Value:    []int64{int64(insn.Hits), int64(insn.Branches)},
				Location: []*pprofprofile.Location{c.addLocation(d, m, insn)},
			})
		}
	}
	return c.result
}

func (c *Converter) addMapping(d *dso.DSO) *pprofprofile.Mapping {
	last := &d.Instructions[len(d.Instructions)-1]
	m := &pprofprofile.Mapping{
		// +1 because pprof uses 1-indexing to be able to differentiate from 0 (unset).
		ID:              uint64(len(c.result.Mapping)) + 1,
		Start:           0,
		Limit:           last.FileOffset + uint64(last.Len),
		File:            d.Path,
		HasFunctions:    true,
		HasFilenames:    len(d.Files) > 0,
		HasLineNumbers:  len(d.Files) > 0,
		HasInlineFrames: false,
	}
	c.result.Mapping = append(c.result.Mapping, m)
	return m
}

func (c *Converter) addLocation(d *dso.DSO, m *pprofprofile.Mapping, insn *dso.Instruction) *pprofprofile.Location {
	name := unknownSymbol
	systemName := ""
	if insn.Symbol != dso.NoSymbol {
		systemName = d.Symbols[insn.Symbol].Name
		name = DisplayName(systemName)
	}

	l := &pprofprofile.Location{
		ID:      uint64(len(c.result.Location)) + 1,
		Mapping: m,
		Address: insn.FileOffset,
		Line: []pprofprofile.Line{{
			Function: c.addFunction(name, systemName, d.FileName(insn.File)),
			Line:     int64(insn.Line),
		}},
	}
	c.result.Location = append(c.result.Location, l)
	return l
}

func (c *Converter) addFunction(name, systemName, filename string) *pprofprofile.Function {
	key := functionKey{name: name, filename: filename}
	if fn, ok := c.functionIndex[key]; ok {
		return fn
	}

	fn := &pprofprofile.Function{
		ID:         uint64(len(c.result.Function)) + 1,
		Name:       name,
		SystemName: systemName,
		Filename:   filename,
	}
	c.functionIndex[key] = fn
	c.result.Function = append(c.result.Function, fn)
	return fn
}

// WritePprof writes the gzipped pprof profile of dsos to w.
func WritePprof(w io.Writer, dsos []*dso.DSO, captureTime time.Time) error {
	p := NewConverter(captureTime).Convert(dsos)
	if err := p.CheckValid(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	return p.Write(w)
}
