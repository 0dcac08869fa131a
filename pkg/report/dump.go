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

// Package report renders the outcome of an analysis: a debug dump, a
// summary table and a pprof profile of the sampled instructions.
package report

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/parca-dev/parca-hotspot/pkg/dso"
	"github.com/parca-dev/parca-hotspot/pkg/hotspot"
)

const unknownSymbol = "[unknown]"

// Dump writes every module, ranking and rendered window of r. Instruction
// lines are marked H for a hotspot center and h for the rest of a hotspot,
// and end with the branch flow of the instruction when there is any: taken
// branches (b), mispredictions (m), straight-line runs through it (t),
// landings (l), the last source branching here (src) and the predecessors of
// its branches as start:count/cycles (spans). A trailing + on src or spans
// means more were seen than could be kept.
func Dump(w io.Writer, r *hotspot.Report, dsos []*dso.DSO) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "DSOs:\n")
	for _, d := range dsos {
		fmt.Fprintf(bw, "  %6d %s\n", d.Samples, d.Path)
	}

	fmt.Fprintf(bw, "Symbols:\n")
	for _, ref := range r.Symbols {
		if ref.Hits == 0 {
			break
		}
		fmt.Fprintf(bw, "  %6d %s %s\n", ref.Hits, ref.DSO.Path, ref.DSO.Symbols[ref.Index].Name)
	}

	fmt.Fprintf(bw, "Functions:\n")
	for _, ref := range r.Functions {
		if ref.Hits == 0 {
			break
		}
		fmt.Fprintf(bw, "  %6d %s %s()\n", ref.Hits, ref.DSO.Path, ref.DSO.Functions[ref.Index].Name)
	}

	fmt.Fprintf(bw, "Source files:\n")
	for _, d := range dsos {
		for _, f := range d.Files {
			mark := ""
			if f.Flags&dso.FileDump != 0 {
				mark = "[DUMP]"
			}
			fmt.Fprintf(bw, "  %6s %6s %s\n", count(f.Hits), mark, f.Name)
		}
	}

	fmt.Fprintf(bw, "Hotspots:\n")
	for _, h := range r.Hotspots {
		sym := unknownSymbol
		if s := h.DSO.Instructions[h.Center].Symbol; s != dso.NoSymbol {
			sym = h.DSO.Symbols[s].Name
		}
		fmt.Fprintf(bw, "  %6d %s: %d - %d (center %d %s)\n", h.Hits, h.DSO.Path, h.First, h.Last, h.Center, sym)
	}

	fmt.Fprintf(bw, "Insn:\n")
	for _, d := range dsos {
		fmt.Fprintf(bw, "%s:\n", d.Path)
		win, ok := r.Windows[d]
		if !ok {
			continue
		}

		sym := dso.NoSymbol
		prev := -2
		it := win.Iterator()
		for it.HasNext() {
			i := int(it.Next())
			if i != prev+1 {
				fmt.Fprintf(bw, "  ...\n")
			}
			prev = i

			insn := &d.Instructions[i]
			if insn.Symbol != sym {
				sym = insn.Symbol
				if sym != dso.NoSymbol {
					fmt.Fprintf(bw, "%s:\n", d.Symbols[sym].Name)
					if d.Symbols[sym].First != i {
						fmt.Fprintf(bw, "  ...\n")
					}
				}
			}

			mark := " "
			switch {
			case insn.Has(dso.FlagCenter):
				mark = "H"
			case insn.Has(dso.FlagHotspot):
				mark = "h"
			}
			fmt.Fprintf(bw, "  %s %6s %6d %s", mark, count(insn.Hits), i, insn.Disasm)
			if insn.Target != dso.NoInstruction {
				fmt.Fprintf(bw, " (insn %d)", insn.Target)
			}
			if insn.Branches != 0 || insn.Throughs != 0 || insn.Landings != 0 {
				fmt.Fprintf(bw, "  %s", flow(insn))
			}
			fmt.Fprintf(bw, "\n")
		}
	}

	return bw.Flush()
}

func flow(insn *dso.Instruction) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "b=%d m=%d t=%d l=%d src=", insn.Branches, insn.Misses, insn.Throughs, insn.Landings)
	if insn.Source == dso.NoInstruction {
		sb.WriteString("-")
	} else {
		sb.WriteString(strconv.Itoa(insn.Source))
	}
	if insn.Has(dso.FlagSourcesMore) {
		sb.WriteString("+")
	}

	sb.WriteString(" spans=[")
	for j, sp := range insn.Spans {
		if sp.Count == 0 {
			break
		}
		if j > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "%d:%d/%d", sp.Start, sp.Count, sp.Cycles)
	}
	sb.WriteString("]")
	if insn.Has(dso.FlagSpansMore) {
		sb.WriteString("+")
	}
	return sb.String()
}

// count renders zero as blank.
func count(n uint64) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatUint(n, 10)
}
