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

// Package addrspace keeps the memory mappings announced by a trace and
// translates sampled virtual addresses into module file offsets.
package addrspace

import (
	"sort"
	"sync"

	"github.com/google/pprof/profile"
)

type Space struct {
	mtx         sync.RWMutex
	pidMappings map[int][]*profile.Mapping
}

func New() *Space {
	return &Space{
		pidMappings: map[int][]*profile.Mapping{},
	}
}

// Map records that length bytes of path, starting at file offset offset,
// are mapped at start in process pid. Mappings for pid 0 (the idle task) and
// empty mappings are ignored and reported as such.
func (s *Space) Map(pid int, start, length uint64, path string, offset uint64) bool {
	if pid == 0 || length == 0 {
		return false
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.pidMappings[pid] = append(s.pidMappings[pid], &profile.Mapping{
		Start:  start,
		Limit:  start + length,
		Offset: offset,
		File:   path,
	})
	return true
}

// Translate returns the module and file offset ip of process pid falls in.
// When mappings overlap the one recorded first wins.
func (s *Space) Translate(pid int, ip uint64) (string, uint64, bool) {
	m := s.MappingForAddr(pid, ip)
	if m == nil {
		return "", 0, false
	}
	return m.File, ip - m.Start + m.Offset, true
}

// MappingForAddr returns the first mapping of pid covering ip, or nil.
func (s *Space) MappingForAddr(pid int, ip uint64) *profile.Mapping {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return mappingForAddr(s.pidMappings[pid], ip)
}

// MappingsForPID returns the mappings of pid with pprof IDs assigned.
func (s *Space) MappingsForPID(pid int) []*profile.Mapping {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	res := []*profile.Mapping{}
	i := uint64(1) // Mapping IDs need to start with 1 in pprof.
	for _, mapping := range s.pidMappings[pid] {
		m := *mapping
		m.ID = i
		res = append(res, &m)
		i++
	}
	return res
}

// PIDs returns the processes with at least one mapping, in ascending order.
func (s *Space) PIDs() []int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	pids := make([]int, 0, len(s.pidMappings))
	for pid := range s.pidMappings {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func mappingForAddr(mapping []*profile.Mapping, addr uint64) *profile.Mapping {
	for _, m := range mapping {
		if m.Start <= addr && addr < m.Limit {
			return m
		}
	}

	return nil
}
