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

// Package testutil holds fakes shared by the tests of the binaries that read
// modules from disk and run external tools.
package testutil

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type fakeinfo struct {
	name string
	size int64
}

func (i fakeinfo) Name() string       { return i.name }
func (i fakeinfo) Size() int64        { return i.size }
func (i fakeinfo) Mode() fs.FileMode  { return 0o444 }
func (i fakeinfo) ModTime() time.Time { return time.Time{} }
func (i fakeinfo) IsDir() bool        { return false }
func (i fakeinfo) Sys() any           { return nil }

type fakefile struct {
	info    fakeinfo
	content io.Reader
}

func (f *fakefile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *fakefile) Read(b []byte) (int, error) { return f.content.Read(b) }
func (f *fakefile) Close() error               { return nil }

type fakefs struct {
	data map[string][]byte
}

func (f *fakefs) Open(name string) (fs.File, error) {
	d, ok := f.data[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &fakefile{
		info:    fakeinfo{name: filepath.Base(name), size: int64(len(d))},
		content: bytes.NewReader(d),
	}, nil
}

type errorfs struct{ err error }

func (f *errorfs) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: f.err}
}

// NewFakeFS serves binaries from memory, keyed by slash separated path.
func NewFakeFS(files map[string][]byte) fs.FS {
	return &fakefs{files}
}

// NewErrorFS fails every open with err.
func NewErrorFS(err error) fs.FS {
	return &errorfs{err}
}

// Tool writes an executable shell script named name with the given body
// into a fresh temporary directory and returns its path. It stands in for
// objdump or perf.
func Tool(t testing.TB, name, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o700); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}
