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

package trace

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// minPerfVersion is the first perf release printing branch cycles in brstack.
var minPerfVersion = semver.MustParse("4.15.0")

// ParsePerfVersion extracts the release from the output of perf --version,
// e.g. "perf version 6.5.13" or "perf version 5.15.148.g1a2b3c".
func ParsePerfVersion(out string) (*semver.Version, error) {
	fields := strings.Fields(out)
	if len(fields) < 3 || fields[0] != "perf" || fields[1] != "version" {
		return nil, fmt.Errorf("unexpected perf version output %q", strings.TrimSpace(out))
	}
	raw := fields[2]
	end := 0
	dots := 0
	for end < len(raw) {
		c := raw[end]
		if c == '.' {
			dots++
			if dots > 2 {
				break
			}
		} else if c < '0' || c > '9' {
			break
		}
		end++
	}
	v, err := semver.NewVersion(strings.TrimSuffix(raw[:end], "."))
	if err != nil {
		return nil, fmt.Errorf("parse perf version %q: %w", raw, err)
	}
	return v, nil
}

// PerfVersion runs perf --version. It reports whether the release is recent
// enough for the decoded field selection.
func PerfVersion(ctx context.Context, perfPath string) (*semver.Version, bool, error) {
	out, err := exec.CommandContext(ctx, perfPath, "--version").Output()
	if err != nil {
		return nil, false, fmt.Errorf("perf --version: %w", err)
	}
	v, err := ParsePerfVersion(string(out))
	if err != nil {
		return nil, false, err
	}
	return v, !v.LessThan(minPerfVersion), nil
}
