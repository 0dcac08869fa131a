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

package buildinfo

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromSettings(t *testing.T) {
	t.Parallel()

	info := fromSettings([]debug.BuildSetting{
		{Key: "GOARCH", Value: "amd64"},
		{Key: "GOOS", Value: "linux"},
		{Key: "vcs.revision", Value: "1873787c3e1c"},
		{Key: "vcs.time", Value: "2024-03-11T03:00:48Z"},
		{Key: "vcs.modified", Value: "true"},
		{Key: "-trimpath", Value: "true"},
	})
	require.Equal(t, &Info{
		GoArch:      "amd64",
		GoOs:        "linux",
		VcsRevision: "1873787c3e1c",
		VcsTime:     "2024-03-11T03:00:48Z",
		VcsModified: true,
	}, info)
	require.Equal(t, "1873787c3e1c-dirty", info.Revision())
	require.Equal(t, "unknown", (&Info{}).Revision())
}
