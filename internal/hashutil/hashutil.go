// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hashutil holds the small stateless primitives shared across the
// registry, supervisor, upload and proxy packages: commit-hash and name
// grammar validation, free-port allocation, and random name generation.
package hashutil

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// IsValidHash reports whether hash is a 40-character lowercase hex string.
func IsValidHash(hash string) bool {
	if len(hash) != 40 {
		return false
	}
	for _, c := range hash {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// IsValidName reports whether name is a non-empty, sub-128-char string of
// [A-Za-z0-9-].
func IsValidName(name string) bool {
	if len(name) == 0 || len(name) >= 128 {
		return false
	}
	for _, c := range name {
		if !isNormalChar(c) {
			return false
		}
	}
	return true
}

func isNormalChar(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-'
}

// RandomString returns a 24-character random alphanumeric string, used as a
// throwaway Anonymous principal id.
func RandomString() (string, error) {
	out := make([]byte, 24)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphanumeric))))
		if err != nil {
			return "", fmt.Errorf("random string: %w", err)
		}
		out[i] = alphanumeric[n.Int64()]
	}
	return string(out), nil
}

// FreePort binds to 127.0.0.1:0, reads the OS-assigned port, and releases
// the listener immediately. There is a brief, accepted race between this
// release and the child's own bind (surfaces as a readiness timeout, which
// is the correct observable behavior per the design notes).
func FreePort() (uint16, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("free port: %w", err)
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("free port: unexpected listener address type")
	}
	return uint16(addr.Port), nil
}

// RandomName picks 3 distinct words from words uniformly at random and
// joins them with '-'. words must contain at least 3 distinct entries.
func RandomName(words []string) (string, error) {
	if len(words) < 3 {
		return "", fmt.Errorf("random name: need at least 3 words, got %d", len(words))
	}

	picked := make([]string, 0, 3)
	seen := make(map[string]bool, 3)

	for len(picked) < 3 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
		if err != nil {
			return "", fmt.Errorf("random name: %w", err)
		}
		word := words[n.Int64()]
		if seen[word] {
			continue
		}
		seen[word] = true
		picked = append(picked, word)
	}

	name := picked[0]
	for _, w := range picked[1:] {
		name += "-" + w
	}
	return name, nil
}
