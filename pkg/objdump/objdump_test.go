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

package objdump

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/parca-dev/parca-hotspot/pkg/dso"
	"github.com/parca-dev/parca-hotspot/pkg/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeObjdump writes a script standing in for objdump that prints listing.
// It fails when run more than once.
func fakeObjdump(t *testing.T, listing string) string {
	t.Helper()

	abs, err := filepath.Abs(listing)
	require.NoError(t, err)

	marker := filepath.Join(t.TempDir(), "ran")
	return testutil.Tool(t, "objdump", fmt.Sprintf("if [ -e %q ]; then echo 'ran twice' >&2; exit 1; fi\ntouch %q\ncat %q\n", marker, marker, abs))
}

func binary(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "prog")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestSkip(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]bool{
		"[kernel.kallsyms]":            true,
		"[vdso]":                       true,
		"/lib/modules/x/foo.ko.xz":     true,
		"":                             true,
		"/usr/lib/libc.so.6":           false,
		"/usr/lib/debug/app.debug.zst": false,
	} {
		require.Equal(t, want, Skip(path), path)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	l := NewLoader(log.NewNopLogger(), Config{Path: fakeObjdump(t, "testdata/prog.listing")})
	d := dso.New(binary(t, "elf"))
	require.NoError(t, l.Load(context.Background(), d))

	require.Len(t, d.Instructions, 12)
	require.Len(t, d.Symbols, 3)
	require.Len(t, d.Functions, 3)
	require.Equal(t, dso.NoFile, d.Instructions[0].File)
	require.Equal(t, "/src/prog.c", d.FileName(d.Instructions[4].File))
	require.True(t, d.Instructions[4].Has(dso.FlagTarget))
}

func TestLoadSkipped(t *testing.T) {
	t.Parallel()

	l := NewLoader(log.NewNopLogger(), Config{Path: "/nonexistent/objdump"})
	d := dso.New("[vdso]")
	require.NoError(t, l.Load(context.Background(), d))
	require.True(t, d.Empty())
}

func TestLoadCached(t *testing.T) {
	t.Parallel()

	cacheDir := t.TempDir()
	tool := fakeObjdump(t, "testdata/prog.listing")
	bin := binary(t, "elf")

	l := NewLoader(log.NewNopLogger(), Config{Path: tool, CacheDir: cacheDir})
	first := dso.New(bin)
	require.NoError(t, l.Load(context.Background(), first))

	entries, err := os.ReadDir(cacheDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, ".zst", filepath.Ext(entries[0].Name()))

	// The tool refuses a second run, so this must come from the cache.
	second := dso.New(bin)
	require.NoError(t, l.Load(context.Background(), second))
	require.Equal(t, first.Instructions, second.Instructions)

	// Different content misses the cache and runs the tool again.
	other := dso.New(binary(t, "other elf"))
	require.Error(t, l.Load(context.Background(), other))
}

func TestLoadToolFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tool := testutil.Tool(t, "objdump", "echo 'objdump: prog: file format not recognized' >&2\nexit 1\n")

	l := NewLoader(log.NewNopLogger(), Config{Path: tool, CacheDir: filepath.Join(dir, "cache")})
	err := l.Load(context.Background(), dso.New(binary(t, "not elf")))
	require.ErrorContains(t, err, "file format not recognized")

	// Failed runs leave nothing behind.
	entries, err := os.ReadDir(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestLoadMalformedListing(t *testing.T) {
	t.Parallel()

	listing := filepath.Join(t.TempDir(), "bad.listing")
	require.NoError(t, os.WriteFile(listing, []byte("Disassembly of section .text:\nnot a listing line\n"), 0o600))

	l := NewLoader(log.NewNopLogger(), Config{Path: fakeObjdump(t, listing)})
	err := l.Load(context.Background(), dso.New(binary(t, "elf")))

	var perr *dso.ParseError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, 2, perr.Line)
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	l := NewLoader(log.NewNopLogger(), Config{})
	require.Equal(t, DefaultConfig().Path, l.cfg.Path)
	require.Equal(t, []string{"-dlwF", "-Mintel", "/bin/true"}, l.args("/bin/true"))
}
