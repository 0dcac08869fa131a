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

package addrspace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranslate(t *testing.T) {
	t.Parallel()

	s := New()
	require.True(t, s.Map(42, 0x400000, 0x1000, "/bin/app", 0))
	require.True(t, s.Map(42, 0x7f0000001000, 0x2000, "/lib/libc.so.6", 0x28000))
	require.True(t, s.Map(42, 0x7f0000001000, 0x1000, "/lib/shadowed.so", 0))
	require.True(t, s.Map(7, 0x400000, 0x1000, "/bin/other", 0x1000))
	require.False(t, s.Map(0, 0x400000, 0x1000, "/bin/idle", 0))
	require.False(t, s.Map(42, 0x500000, 0, "/bin/empty", 0))

	tests := []struct {
		name  string
		pid   int
		ip    uint64
		path  string
		foffs uint64
		ok    bool
	}{
		{name: "executable", pid: 42, ip: 0x400123, path: "/bin/app", foffs: 0x123, ok: true},
		{name: "start", pid: 42, ip: 0x400000, path: "/bin/app", foffs: 0, ok: true},
		{name: "limit exclusive", pid: 42, ip: 0x401000},
		{name: "library offset", pid: 42, ip: 0x7f0000001010, path: "/lib/libc.so.6", foffs: 0x28010, ok: true},
		{name: "other process", pid: 7, ip: 0x400010, path: "/bin/other", foffs: 0x1010, ok: true},
		{name: "idle ignored", pid: 0, ip: 0x400010},
		{name: "unknown pid", pid: 1, ip: 0x400010},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path, foffs, ok := s.Translate(tt.pid, tt.ip)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.path, path)
			require.Equal(t, tt.foffs, foffs)
		})
	}
}

func TestMappingsForPID(t *testing.T) {
	t.Parallel()

	s := New()
	s.Map(3, 0x1000, 0x1000, "/a", 0)
	s.Map(3, 0x3000, 0x1000, "/b", 0)
	s.Map(1, 0x1000, 0x1000, "/c", 0)

	maps := s.MappingsForPID(3)
	require.Len(t, maps, 2)
	require.Equal(t, uint64(1), maps[0].ID)
	require.Equal(t, uint64(2), maps[1].ID)
	require.Equal(t, "/b", maps[1].File)
	require.Equal(t, uint64(0x4000), maps[1].Limit)

	require.Empty(t, s.MappingsForPID(99))
	require.Equal(t, "/a", s.MappingForAddr(3, 0x1fff).File)
	require.Nil(t, s.MappingForAddr(3, 0x2000))
	require.Equal(t, []int{1, 3}, s.PIDs())
}
