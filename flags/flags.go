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
	"fmt"
	"runtime"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/parca-dev/parca-hotspot/pkg/buildinfo"
	"github.com/parca-dev/parca-hotspot/pkg/hotspot"
	"github.com/parca-dev/parca-hotspot/pkg/objdump"
	"github.com/parca-dev/parca-hotspot/pkg/strmap"
)

var (
	version string
	commit  string
	date    string
)

func Parse() Flags {
	flags := Flags{}
	kong.Parse(&flags,
		kong.Name("parca-hotspot"),
		kong.Description("Attribute sampled instruction pointers and last branch records to disassembled instructions and report hotspots."),
		kong.Vars{
			"default_concurrency":    strconv.Itoa(runtime.NumCPU()),
			"default_bits":           strconv.Itoa(strmap.DefaultBits),
			"default_bits_increment": strconv.Itoa(strmap.DefaultBitsIncrement),
			"default_max_load":       strconv.Itoa(strmap.DefaultMaxLoad),
		},
	)
	return flags
}

type Flags struct {
	Log     FlagsLogs `embed:""                         prefix:"log-"`
	Version bool      `help:"Show application version."`

	Input  string `arg:""          default:"perf.data" help:"perf.data file to analyze, or perf script output with --script." optional:""`
	Script bool   `default:"false" help:"Read the input as perf script output (plain or zstd compressed) instead of running perf script."`

	ConfigPath  string `default:"" help:"Path to config file."`
	MetricsPath string `default:"" help:"Write the final metrics in Prometheus text format to this file."`

	Hotspot  FlagsHotspot  `embed:"" prefix:"hotspot-"`
	Objdump  FlagsObjdump  `embed:"" prefix:"objdump-"`
	Perf     FlagsPerf     `embed:"" prefix:"perf-"`
	Interner FlagsInterner `embed:"" prefix:"interner-"`
	Output   FlagsOutput   `embed:"" prefix:"output-"`
}

type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	ExitParseError ExitCode = 2
)

func ParseError(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitParseError
}

func Failure(logger log.Logger, msg string, args ...interface{}) ExitCode {
	level.Error(logger).Log("msg", fmt.Sprintf(msg, args...))
	return ExitFailure
}

func (f Flags) Validate(logger log.Logger) ExitCode {
	if f.Input == "" {
		return ParseError(logger, "No input given.")
	}
	if f.Hotspot.Gap < 0 {
		return ParseError(logger, "Hotspot gap must not be negative: %d", f.Hotspot.Gap)
	}
	if f.Hotspot.Context < 0 {
		return ParseError(logger, "Hotspot context must not be negative: %d", f.Hotspot.Context)
	}
	if f.Objdump.Concurrency < 1 {
		return ParseError(logger, "Objdump concurrency must be at least 1: %d", f.Objdump.Concurrency)
	}
	if f.Interner.Bits < 1 || f.Interner.Bits > 40 {
		return ParseError(logger, "Interner bits %d out of range [1, 40]", f.Interner.Bits)
	}
	if f.Interner.BitsIncrement == 0 {
		return ParseError(logger, "Interner bits increment must be positive")
	}
	if f.Interner.MaxLoad == 0 || f.Interner.MaxLoad >= 1024 {
		return ParseError(logger, "Interner max load %d out of range [1, 1023]", f.Interner.MaxLoad)
	}
	if f.Output.Top < 0 {
		return ParseError(logger, "Output top must not be negative: %d", f.Output.Top)
	}
	return ExitSuccess
}

// VersionString describes the build. Values not stamped at link time are
// taken from the embedded build info.
func VersionString() string {
	v, c, d := version, commit, date
	if bi, err := buildinfo.Fetch(); err == nil {
		if c == "" {
			c = bi.Revision()
		}
		if d == "" {
			d = bi.VcsTime
		}
	}
	if v == "" {
		v = "dev"
	}
	return fmt.Sprintf("parca-hotspot, version %s (commit: %s, date: %s), %s/%s", v, c, d, runtime.GOOS, runtime.GOARCH)
}

// FlagsLogs provides logging configuration flags.
type FlagsLogs struct {
	Level  string `default:"info"   enum:"error,warn,info,debug" help:"Log level."`
	Format string `default:"logfmt" enum:"logfmt,json"           help:"Configure if structured logging as JSON or as logfmt"`
}

// FlagsHotspot provides hotspot detection flags.
type FlagsHotspot struct {
	SampleThreshold  hotspot.Threshold `default:"1" help:"Minimum samples for an instruction to be hot, absolute (5) or relative to all samples (0.5%)."`
	HotspotThreshold hotspot.Threshold `default:"2" help:"Minimum samples for a run of hot instructions to be reported, absolute or relative."`
	Gap              int               `default:"5"   help:"Number of colder instructions a hotspot may span."`
	Context          int               `default:"100" help:"Number of instructions rendered around each hotspot."`
}

func (f FlagsHotspot) Config() hotspot.Config {
	return hotspot.Config{
		SampleThreshold:  f.SampleThreshold,
		HotspotThreshold: f.HotspotThreshold,
		Gap:              f.Gap,
		Context:          f.Context,
	}
}

// FlagsObjdump provides disassembler flags.
type FlagsObjdump struct {
	Path        string   `default:"objdump"                  help:"Path to GNU objdump."`
	Args        []string `default:"-dlwF,-Mintel"            help:"Arguments passed to objdump before the binary path."`
	CacheDir    string   `default:""                         help:"Directory caching disassembly listings, keyed by binary content. Disabled when empty."`
	Concurrency int      `default:"${default_concurrency}" help:"Number of binaries disassembled in parallel."`
}

func (f FlagsObjdump) Config() objdump.Config {
	return objdump.Config{
		Path:     f.Path,
		Args:     f.Args,
		CacheDir: f.CacheDir,
	}
}

// FlagsPerf provides perf flags.
type FlagsPerf struct {
	Path string `default:"perf" help:"Path to perf, used to render perf.data input."`
}

// FlagsInterner provides flags for the symbol, function and file tables.
type FlagsInterner struct {
	Bits          uint   `default:"${default_bits}"           help:"Initial size of the name tables, as a power of two."`
	BitsIncrement uint   `default:"${default_bits_increment}" help:"Power of two the name tables grow by."`
	MaxLoad       uint64 `default:"${default_max_load}"       help:"Load, in 1/1024ths, at which the name tables grow."`
}

func (f FlagsInterner) Options() []strmap.Option {
	return []strmap.Option{
		strmap.WithBits(f.Bits),
		strmap.WithBitsIncrement(f.BitsIncrement),
		strmap.WithMaxLoad(f.MaxLoad),
	}
}

// FlagsOutput provides report flags.
type FlagsOutput struct {
	Dump    string `default:""   help:"Write the full text dump to this file, - for stdout."`
	Summary bool   `default:"true" help:"Print the summary tables to stdout." negatable:""`
	Top     int    `default:"20" help:"Number of rows per summary table, 0 for all."`
	Pprof   string `default:""   help:"Write a pprof profile of the sampled instructions to this file."`
}
