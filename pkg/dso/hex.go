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

package dso

// hexValue returns the value of a single hex digit, or -1.
func hexValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

// scanHex parses the longest run of hex digits at the start of s. It returns
// the value and the number of bytes consumed, zero when s does not start with
// a digit or the run does not fit in 64 bits.
func scanHex(s string) (uint64, int) {
	var result uint64
	n := 0
	for n < len(s) {
		v := hexValue(s[n])
		if v < 0 {
			break
		}
		if n == 16 {
			return 0, 0
		}
		result = result<<4 | uint64(v)
		n++
	}
	return result, n
}

// scanDec is scanHex for decimal digits.
func scanDec(s string) (uint64, int) {
	var result uint64
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		if n == 19 {
			return 0, 0
		}
		result = result*10 + uint64(s[n]-'0')
		n++
	}
	return result, n
}

// parseByte parses a "XX " opcode byte token.
func parseByte(s string) (byte, bool) {
	if len(s) < 3 || s[2] != ' ' {
		return 0, false
	}
	hi, lo := hexValue(s[0]), hexValue(s[1])
	if hi < 0 || lo < 0 {
		return 0, false
	}
	return byte(hi<<4 | lo), true
}
