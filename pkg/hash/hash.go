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

// Package hash fingerprints binaries so that derived artifacts, such as
// disassembly listings, can be cached by content.
package hash

import (
	"encoding/hex"
	"hash"
	"io"
	"io/fs"
	"strconv"

	"github.com/minio/highwayhash"
)

var key = mustDecode("7061726361686f7473706f742d6c697374696e672d63616368652d6b6579212a")

func mustDecode(key string) []byte {
	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		panic("Cannot decode hex key: " + err.Error())
	}
	return keyBytes
}

func New() (hash.Hash64, error) {
	return highwayhash.New64(key)
}

// File returns the fingerprint of file in fsys.
func File(fsys fs.FS, file string) (uint64, error) {
	f, err := fsys.Open(file)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return Reader(f)
}

func Reader(r io.Reader) (uint64, error) {
	h, err := New()
	if err != nil {
		return 0, err
	}

	_, err = io.Copy(h, r)
	return h.Sum64(), err
}

// Listing returns a cache key for the listing of a binary with content
// fingerprint fp produced with the given tool arguments.
func Listing(fp uint64, args ...string) (string, error) {
	h, err := New()
	if err != nil {
		return "", err
	}
	var b [8]byte
	for i := range b {
		b[i] = byte(fp >> (8 * i))
	}
	h.Write(b[:])
	for _, arg := range args {
		h.Write([]byte(strconv.Quote(arg)))
	}
	return strconv.FormatUint(fp, 16) + "-" + strconv.FormatUint(h.Sum64(), 16), nil
}
