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

// Package trace decodes the text output of perf script into samples, last
// branch records and memory mapping events.
package trace

import "context"

// Handler consumes decoded events in trace order.
type Handler interface {
	HandleSample(ctx context.Context, s *Sample) error
	HandleMmap(ctx context.Context, m *Mmap) error
}

// Event is a decoded trace line.
type Event interface {
	Dispatch(ctx context.Context, h Handler) error
}

// Sample is one instruction pointer sample.
type Sample struct {
	PID int
	IP  uint64
	// Module is the binary perf attributed the sample to.
	Module string
	// Symbol and SymbolOffset are set when perf resolved the symbol.
	Symbol       string
	HasSymbol    bool
	SymbolOffset uint64
	// Branches is the last branch record stack, newest first.
	Branches []BranchRecord
}

func (s *Sample) Dispatch(ctx context.Context, h Handler) error {
	return h.HandleSample(ctx, s)
}

type BranchRecord struct {
	From         uint64
	FromModule   string
	To           uint64
	ToModule     string
	Mispredicted bool
	Cycles       uint64
}

// Location is an address in a module. A zero Location is absent.
type Location struct {
	Address uint64
	Module  string
}

func (l Location) Valid() bool { return l.Module != "" }

// Edge is a branch together with the destination of the branch taken before
// it.
type Edge struct {
	Previous     Location
	Source       Location
	Destination  Location
	Mispredicted bool
	Cycles       uint64
}

// Edges returns the branches of the sample from oldest to newest, each with
// the destination of its predecessor. The oldest branch has no known
// predecessor and only seeds the next edge, so a stack of n records yields
// n-1 edges.
func (s *Sample) Edges() []Edge {
	if len(s.Branches) < 2 {
		return nil
	}
	edges := make([]Edge, 0, len(s.Branches)-1)
	oldest := s.Branches[len(s.Branches)-1]
	prev := Location{Address: oldest.To, Module: oldest.ToModule}
	for k := len(s.Branches) - 2; k >= 0; k-- {
		b := s.Branches[k]
		edges = append(edges, Edge{
			Previous:     prev,
			Source:       Location{Address: b.From, Module: b.FromModule},
			Destination:  Location{Address: b.To, Module: b.ToModule},
			Mispredicted: b.Mispredicted,
			Cycles:       b.Cycles,
		})
		prev = Location{Address: b.To, Module: b.ToModule}
	}
	return edges
}

// Mmap announces that Length bytes of Path, starting at file offset Offset,
// were mapped at Start in process PID.
type Mmap struct {
	PID    int
	Start  uint64
	Length uint64
	Offset uint64
	Path   string
}

func (m *Mmap) Dispatch(ctx context.Context, h Handler) error {
	return h.HandleMmap(ctx, m)
}
