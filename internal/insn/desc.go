// Copyright 2025 Erst Users
// SPDX-License-Identifier: Apache-2.0

package insn

import (
	"fmt"
	"strings"
)

// TypeSize returns the number of stack/local words a value of the given
// field descriptor occupies: 2 for long and double, 0 for void, else 1.
func TypeSize(desc string) int {
	switch {
	case desc == "V":
		return 0
	case desc == "J" || desc == "D":
		return 2
	}
	return 1
}

// ParseMethodDesc splits a method descriptor into parameter and return
// field descriptors.
func ParseMethodDesc(desc string) ([]string, string, error) {
	if !strings.HasPrefix(desc, "(") {
		return nil, "", fmt.Errorf("method descriptor %q must start with '('", desc)
	}
	var params []string
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n, err := fieldDescLen(desc[i:])
		if err != nil {
			return nil, "", fmt.Errorf("method descriptor %q: %w", desc, err)
		}
		params = append(params, desc[i:i+n])
		i += n
	}
	if i >= len(desc) {
		return nil, "", fmt.Errorf("method descriptor %q has no ')'", desc)
	}
	ret := desc[i+1:]
	if ret != "V" {
		n, err := fieldDescLen(ret)
		if err != nil || n != len(ret) {
			return nil, "", fmt.Errorf("method descriptor %q has a bad return type", desc)
		}
	}
	return params, ret, nil
}

// ArgWords returns the total words taken by the parameters of desc and the
// size of its return value.
func ArgWords(desc string) (int, int, error) {
	params, ret, err := ParseMethodDesc(desc)
	if err != nil {
		return 0, 0, err
	}
	words := 0
	for _, p := range params {
		words += TypeSize(p)
	}
	return words, TypeSize(ret), nil
}

func fieldDescLen(s string) (int, error) {
	if s == "" {
		return 0, fmt.Errorf("empty type")
	}
	switch s[0] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return 1, nil
	case 'L':
		end := strings.IndexByte(s, ';')
		if end < 0 {
			return 0, fmt.Errorf("unterminated class type %q", s)
		}
		return end + 1, nil
	case '[':
		n, err := fieldDescLen(s[1:])
		if err != nil {
			return 0, err
		}
		return n + 1, nil
	}
	return 0, fmt.Errorf("bad type character %q", s[0])
}
