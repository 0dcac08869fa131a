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
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/parca-dev/parca-hotspot/pkg/dso"
	"github.com/parca-dev/parca-hotspot/pkg/hotspot"
)

// Summary writes the top hotspots and symbols of r as tables. total is the
// number of samples percentages are relative to; top bounds the rows of each
// table, zero meaning no bound.
func Summary(w io.Writer, r *hotspot.Report, total uint64, top int) error {
	if _, err := fmt.Fprintf(w, "Hotspots (hot instruction >= %s samples, hotspot >= %s samples):\n",
		humanize.Comma(int64(r.SampleThreshold)), humanize.Comma(int64(r.HotspotThreshold))); err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Samples", "Share", "Module", "Symbol", "Instructions", "Center"})
	for i, h := range r.Hotspots {
		if top > 0 && i == top {
			break
		}
		center := &h.DSO.Instructions[h.Center]
		sym := unknownSymbol
		if center.Symbol != dso.NoSymbol {
			sym = DisplayName(h.DSO.Symbols[center.Symbol].Name)
		}
		table.Append([]string{
			humanize.Comma(int64(h.Hits)),
			share(h.Hits, total),
			filepath.Base(h.DSO.Path),
			sym,
			fmt.Sprintf("%d-%d", h.First, h.Last),
			fmt.Sprintf("%d (0x%x)", h.Center, center.Address),
		})
	}
	table.Render()

	if _, err := fmt.Fprintf(w, "Symbols:\n"); err != nil {
		return err
	}
	table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Samples", "Share", "Module", "Symbol"})
	for i, ref := range r.Symbols {
		if ref.Hits == 0 || (top > 0 && i == top) {
			break
		}
		table.Append([]string{
			humanize.Comma(int64(ref.Hits)),
			share(ref.Hits, total),
			filepath.Base(ref.DSO.Path),
			DisplayName(ref.DSO.Symbols[ref.Index].Name),
		})
	}
	table.Render()

	return nil
}

func share(n, total uint64) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", 100*float64(n)/float64(total))
}
