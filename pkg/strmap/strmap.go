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

// Package strmap implements an open-addressing string to uint64 map with
// Robin Hood displacement. Keys are interned in an arena owned by the map.
package strmap

import (
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/parca-dev/parca-hotspot/pkg/arena"
)

const (
	DefaultBits          = 16
	DefaultBitsIncrement = 2
	// DefaultMaxLoad is the load factor, in 1/1024 units, above which the
	// table is rehashed.
	DefaultMaxLoad = 700

	empty = math.MaxUint64
)

type entry struct {
	// origin is the home bucket of the key, or empty for a free slot.
	origin uint64
	value  uint64
	key    string
}

type Option func(*Map)

// WithBits sets the initial table size to 1<<bits slots.
func WithBits(bits uint) Option {
	return func(m *Map) { m.bits = bits }
}

// WithBitsIncrement sets how many bits the table grows by on each rehash.
func WithBitsIncrement(n uint) Option {
	return func(m *Map) { m.bitsIncrement = n }
}

// WithMaxLoad sets the maximum load in 1/1024 units.
func WithMaxLoad(per1024 uint64) Option {
	return func(m *Map) { m.maxLoad = per1024 }
}

type Map struct {
	bits          uint
	bitsIncrement uint
	maxLoad       uint64

	table      []entry
	mask       uint64
	entries    uint64
	entriesMax uint64

	strings *arena.Arena

	lookups     uint64
	lookupSteps uint64
}

func New(opts ...Option) *Map {
	m := &Map{
		bits:          DefaultBits,
		bitsIncrement: DefaultBitsIncrement,
		maxLoad:       DefaultMaxLoad,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bits == 0 {
		m.bits = 1
	}
	if m.bitsIncrement == 0 {
		m.bitsIncrement = 1
	}
	m.init(m.bits, arena.New(arena.DefaultBlockSize))
	return m
}

func (m *Map) init(bits uint, strings *arena.Arena) {
	size := uint64(1) << bits
	m.bits = bits
	m.mask = size - 1
	m.table = make([]entry, size)
	for i := range m.table {
		m.table[i].origin = empty
	}
	m.entries = 0
	m.entriesMax = size * m.maxLoad / 1024
	if m.entriesMax < 1 {
		m.entriesMax = 1
	}
	if m.entriesMax > size-1 {
		m.entriesMax = size - 1
	}
	m.strings = strings
}

func (m *Map) distance(slot, origin uint64) uint64 {
	return (slot - origin) & m.mask
}

// find returns the slot holding key, or -1.
func (m *Map) find(key string) int {
	home := xxhash.Sum64String(key) & m.mask
	m.lookups++

	slot := home
	for d := uint64(0); ; d++ {
		m.lookupSteps++
		e := &m.table[slot]
		if e.origin == empty || m.distance(slot, e.origin) < d {
			return -1
		}
		if e.origin == home && e.key == key {
			return int(slot)
		}
		if d >= m.mask {
			panic(fmt.Sprintf("strmap: probe for %q exceeded table size %d", key, m.mask+1))
		}
		slot = (slot + 1) & m.mask
	}
}

// place stores a key known to be absent.
func (m *Map) place(key string, value uint64) {
	carry := entry{origin: xxhash.Sum64String(key) & m.mask, value: value, key: key}

	slot := carry.origin
	for d := uint64(0); ; d++ {
		e := &m.table[slot]
		if e.origin == empty {
			*e = carry
			m.entries++
			return
		}
		if rd := m.distance(slot, e.origin); rd < d {
			carry, *e = *e, carry
			d = rd
		}
		if d >= m.mask {
			panic(fmt.Sprintf("strmap: insert exceeded table size %d", m.mask+1))
		}
		slot = (slot + 1) & m.mask
	}
}

// grow rehashes every live entry into a table enlarged by the configured
// increment. The new table takes over the string arena, keys are not copied.
func (m *Map) grow() {
	next := &Map{
		bitsIncrement: m.bitsIncrement,
		maxLoad:       m.maxLoad,
	}
	next.init(m.bits+m.bitsIncrement, arena.New(arena.DefaultBlockSize))

	for _, e := range m.table {
		if e.origin != empty {
			next.place(e.key, e.value)
		}
	}

	next.strings.Swap(m.strings)
	m.strings.Reset()

	next.lookups = m.lookups
	next.lookupSteps = m.lookupSteps
	*m = *next
}

func (m *Map) store(key string, storeCopy bool) string {
	if storeCopy {
		return m.strings.Dup(key)
	}
	return key
}

// Lookup returns the value stored for key.
func (m *Map) Lookup(key string) (uint64, bool) {
	if i := m.find(key); i >= 0 {
		return m.table[i].value, true
	}
	return 0, false
}

// Insert stores value under key unless key is already present. It returns the
// interned key and, when the key existed, the value already stored.
//
// With storeCopy the key bytes are copied into the map's arena. Without it the
// caller guarantees the key outlives the map.
func (m *Map) Insert(key string, value uint64, storeCopy bool) (stored string, prior uint64, found bool) {
	if i := m.find(key); i >= 0 {
		return m.table[i].key, m.table[i].value, true
	}
	if m.entries >= m.entriesMax {
		m.grow()
	}
	stored = m.store(key, storeCopy)
	m.place(stored, value)
	return stored, 0, false
}

// Upsert stores value under key, replacing any prior value.
func (m *Map) Upsert(key string, value uint64, storeCopy bool) (prior uint64, found bool) {
	if i := m.find(key); i >= 0 {
		prior = m.table[i].value
		m.table[i].value = value
		return prior, true
	}
	if m.entries >= m.entriesMax {
		m.grow()
	}
	m.place(m.store(key, storeCopy), value)
	return 0, false
}

// Range calls fn for every entry in table order until fn returns false.
func (m *Map) Range(fn func(key string, value uint64) bool) {
	for _, e := range m.table {
		if e.origin == empty {
			continue
		}
		if !fn(e.key, e.value) {
			return
		}
	}
}

func (m *Map) Len() int { return int(m.entries) }

// Cap returns the number of slots.
func (m *Map) Cap() int { return len(m.table) }

type Stats struct {
	Entries     uint64
	Size        uint64
	Bits        uint
	Lookups     uint64
	LookupSteps uint64
	// StringBytes is the number of key bytes interned in the arena.
	StringBytes int
}

// Load returns the fraction of occupied slots.
func (s Stats) Load() float64 {
	if s.Size == 0 {
		return 0
	}
	return float64(s.Entries) / float64(s.Size)
}

// MeanProbe returns the average number of slots visited per lookup.
func (s Stats) MeanProbe() float64 {
	if s.Lookups == 0 {
		return 0
	}
	return float64(s.LookupSteps) / float64(s.Lookups)
}

func (m *Map) Stats() Stats {
	return Stats{
		Entries:     m.entries,
		Size:        uint64(len(m.table)),
		Bits:        m.bits,
		Lookups:     m.lookups,
		LookupSteps: m.lookupSteps,
		StringBytes: m.strings.Len(),
	}
}
