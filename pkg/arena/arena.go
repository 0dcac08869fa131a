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

package arena

import "unsafe"

// DefaultBlockSize is the size of the blocks bump-allocated from.
const DefaultBlockSize = 2 << 20

// Arena is an append-only byte allocator. Bytes handed out are never moved,
// reused or freed individually; they live until Reset is called.
//
// Strings returned by Dup point directly into the arena blocks, so they stay
// valid as long as the arena (or whoever it was swapped with) holds the block.
type Arena struct {
	blockSize int

	// blocks holds every block owned by the arena, including oversized
	// one-off blocks.
	blocks [][]byte
	// cur is the block currently bump-allocated from, off is the number of
	// bytes already handed out from it.
	cur []byte
	off int

	allocated int
}

func New(blockSize int) *Arena {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Arena{blockSize: blockSize}
}

// Alloc returns n bytes of stable storage.
func (a *Arena) Alloc(n int) []byte {
	if n <= 0 {
		return nil
	}
	a.allocated += n

	if a.cur != nil && a.off+n <= len(a.cur) {
		b := a.cur[a.off : a.off+n : a.off+n]
		a.off += n
		return b
	}

	if n > a.blockSize {
		// Oversized requests get a block of their own, the current block
		// keeps serving small requests.
		b := make([]byte, n)
		a.blocks = append(a.blocks, b)
		return b
	}

	a.cur = make([]byte, a.blockSize)
	a.blocks = append(a.blocks, a.cur)
	a.off = n
	return a.cur[:n:n]
}

// Dup copies s into the arena and returns a string backed by arena memory.
func (a *Arena) Dup(s string) string {
	if len(s) == 0 {
		return ""
	}
	b := a.Alloc(len(s))
	copy(b, s)
	return unsafe.String(&b[0], len(b))
}

// Swap exchanges the complete contents of two arenas. No bytes are copied.
func (a *Arena) Swap(other *Arena) {
	*a, *other = *other, *a
}

// Reset drops every block. Strings previously returned by Dup must no longer
// be reachable by the caller.
func (a *Arena) Reset() {
	a.blocks = nil
	a.cur = nil
	a.off = 0
	a.allocated = 0
}

// Len returns the number of bytes handed out.
func (a *Arena) Len() int { return a.allocated }

// Blocks returns the number of blocks owned.
func (a *Arena) Blocks() int { return len(a.blocks) }
