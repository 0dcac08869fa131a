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

package flags

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-hotspot/pkg/hotspot"
)

func TestParse(t *testing.T) {
	oldArgs := os.Args
	defer func() { os.Args = oldArgs }()

	os.Args = []string{"parca-hotspot", "--hotspot-sample-threshold=0.5%", "--objdump-cache-dir=/tmp/listings", "--no-output-summary", "trace.txt.zst", "--script"}
	flags := Parse()

	require.Equal(t, "trace.txt.zst", flags.Input)
	require.True(t, flags.Script)
	require.Equal(t, "info", flags.Log.Level)
	require.False(t, flags.Output.Summary)
	require.Equal(t, hotspot.Config{
		SampleThreshold:  hotspot.Threshold{Value: 0.5, Percent: true},
		HotspotThreshold: hotspot.Absolute(2),
		Gap:              5,
		Context:          100,
	}, flags.Hotspot.Config())

	o := flags.Objdump.Config()
	require.Equal(t, "objdump", o.Path)
	require.Equal(t, []string{"-dlwF", "-Mintel"}, o.Args)
	require.Equal(t, "/tmp/listings", o.CacheDir)
	require.Len(t, flags.Interner.Options(), 3)

	require.Equal(t, ExitSuccess, flags.Validate(log.NewNopLogger()))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := Flags{
		Input:    "perf.data",
		Hotspot:  FlagsHotspot{Gap: 5, Context: 100},
		Objdump:  FlagsObjdump{Concurrency: 1},
		Interner: FlagsInterner{Bits: 16, BitsIncrement: 2, MaxLoad: 700},
	}
	require.Equal(t, ExitSuccess, valid.Validate(log.NewNopLogger()))

	tests := map[string]func(f *Flags){
		"no input":          func(f *Flags) { f.Input = "" },
		"negative gap":      func(f *Flags) { f.Hotspot.Gap = -1 },
		"negative context":  func(f *Flags) { f.Hotspot.Context = -1 },
		"no concurrency":    func(f *Flags) { f.Objdump.Concurrency = 0 },
		"too many bits":     func(f *Flags) { f.Interner.Bits = 41 },
		"no increment":      func(f *Flags) { f.Interner.BitsIncrement = 0 },
		"full load":         func(f *Flags) { f.Interner.MaxLoad = 1024 },
		"negative top rows": func(f *Flags) { f.Output.Top = -1 },
	}
	for name, mutate := range tests {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := valid
			mutate(&f)
			require.Equal(t, ExitParseError, f.Validate(log.NewNopLogger()))
		})
	}
}

func TestFailure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	code := Failure(log.NewLogfmtLogger(&buf), "Analysis failed: %v", errors.New("no samples read"))
	require.Equal(t, ExitFailure, code)
	require.Contains(t, buf.String(), `level=error msg="Analysis failed: no samples read"`)
}

func TestVersionString(t *testing.T) {
	t.Parallel()

	require.Contains(t, VersionString(), "parca-hotspot, version dev")
}
