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

package hotspot

import (
	"fmt"
	"strconv"
	"strings"
)

// Threshold is a sample count given either absolutely ("5") or as a
// percentage of all samples ("0.5%").
type Threshold struct {
	Value   float64
	Percent bool
}

func Absolute(n uint64) Threshold { return Threshold{Value: float64(n)} }

func ParseThreshold(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if p, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || v < 0 {
			return Threshold{}, fmt.Errorf("invalid percentage threshold %q", s)
		}
		return Threshold{Value: v, Percent: true}, nil
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid sample threshold %q: %w", s, err)
	}
	return Absolute(n), nil
}

// Resolve returns the threshold as a sample count.
func (t Threshold) Resolve(total uint64) uint64 {
	if !t.Percent {
		return uint64(t.Value)
	}
	return uint64(t.Value * 0.01 * float64(total))
}

func (t Threshold) String() string {
	if t.Percent {
		return strconv.FormatFloat(t.Value, 'g', -1, 64) + "%"
	}
	return strconv.FormatUint(uint64(t.Value), 10)
}

func (t Threshold) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Threshold) UnmarshalText(text []byte) error {
	v, err := ParseThreshold(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
