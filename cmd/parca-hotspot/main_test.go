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

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/parca-hotspot/flags"
	"github.com/parca-dev/parca-hotspot/pkg/hotspot"
	"github.com/parca-dev/parca-hotspot/pkg/testutil"
)

const sampleTrace = `app 4242 1.000000: PERF_RECORD_MMAP 4242/4242: [0x400000(0x2000) @ 0]: x /bin/app
app 4242 2.000000:     100003 cycles:  401140 main+0x0 (/bin/app)
app 4242 2.000001:     100003 cycles:  401140 main+0x0 (/bin/app)
app 4242 2.000002:     100003 cycles:  401140 main+0x0 (/bin/app)
app 4242 2.000003:     100003 cycles:  401144 main+0x4 (/bin/app)
app 4242 2.000004:     100003 cycles:  401144 main+0x4 (/bin/app)
app 4242 2.000005:     100003 cycles:  401130 add+0x0 (/bin/app)
`

func hotspotThreshold(t *testing.T, s string) hotspot.Threshold {
	t.Helper()

	th, err := hotspot.ParseThreshold(s)
	require.NoError(t, err)
	return th
}

func setup(t *testing.T, traceText string) (flags.Flags, string) {
	t.Helper()

	dir := t.TempDir()
	listing, err := filepath.Abs("../../pkg/objdump/testdata/prog.listing")
	require.NoError(t, err)

	objdumpPath := testutil.Tool(t, "objdump", fmt.Sprintf("cat %q\n", listing))

	configPath := filepath.Join(dir, "parca-hotspot.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf("objdump:\n  path: %s\n", objdumpPath)), 0o600))

	input := filepath.Join(dir, "trace.txt")
	require.NoError(t, os.WriteFile(input, []byte(traceText), 0o600))

	return flags.Flags{
		Input:      input,
		Script:     true,
		ConfigPath: configPath,
		Hotspot:    flags.FlagsHotspot{SampleThreshold: hotspotThreshold(t, "1"), HotspotThreshold: hotspotThreshold(t, "50%"), Gap: 5, Context: 100},
		Objdump:    flags.FlagsObjdump{Path: "objdump-not-installed", Concurrency: 2},
		Perf:       flags.FlagsPerf{Path: "perf"},
		Interner:   flags.FlagsInterner{Bits: 4, BitsIncrement: 2, MaxLoad: 700},
		Output: flags.FlagsOutput{
			Dump:  filepath.Join(dir, "dump.txt"),
			Pprof: filepath.Join(dir, "profile.pb.gz"),
		},
		MetricsPath: filepath.Join(dir, "metrics.txt"),
	}, dir
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	logger := log.NewNopLogger()
	f, dir := setup(t, sampleTrace)
	s, err := resolve(logger, f)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(s.objdump.Path, "/objdump"))

	require.NoError(t, analyze(context.Background(), logger, prometheus.NewRegistry(), f, s))

	dump, err := os.ReadFile(filepath.Join(dir, "dump.txt"))
	require.NoError(t, err)
	require.Contains(t, string(dump), "DSOs:\n       6 /bin/app\n")
	require.Contains(t, string(dump), "Hotspots:\n       5 /bin/app: 7 - 8 (center 7 main)\n")

	metrics, err := os.ReadFile(filepath.Join(dir, "metrics.txt"))
	require.NoError(t, err)
	require.Contains(t, string(metrics), `parca_hotspot_samples_total{result="hit"} 6`)
	require.Contains(t, string(metrics), `parca_hotspot_modules_loaded_total{result="success"} 1`)

	info, err := os.Stat(filepath.Join(dir, "profile.pb.gz"))
	require.NoError(t, err)
	require.NotZero(t, info.Size())
}

func TestAnalyzeNoSamples(t *testing.T) {
	t.Parallel()

	logger := log.NewNopLogger()
	f, _ := setup(t, "app 4242 1.000000: PERF_RECORD_MMAP 4242/4242: [0x400000(0x2000) @ 0]: x /bin/app\n")
	s, err := resolve(logger, f)
	require.NoError(t, err)

	err = analyze(context.Background(), logger, prometheus.NewRegistry(), f, s)
	require.ErrorIs(t, err, errNoSamples)
}

func TestResolveEmptyConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	s, err := resolve(log.NewNopLogger(), flags.Flags{
		ConfigPath: path,
		Objdump:    flags.FlagsObjdump{Path: "objdump"},
		Perf:       flags.FlagsPerf{Path: "perf"},
	})
	require.NoError(t, err)
	require.Equal(t, "objdump", s.objdump.Path)
	require.Equal(t, "perf", s.perfPath)
}
