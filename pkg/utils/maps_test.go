// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package utils

import "testing"

func TestMapInt(t *testing.T) {
	cases := []struct {
		name string
		m    map[string]interface{}
		key  string
		def  int
		want int
	}{
		{"nil map", nil, "k", 7, 7},
		{"missing key", map[string]interface{}{"other": 1}, "k", 7, 7},
		{"int", map[string]interface{}{"k": 42}, "k", 7, 42},
		{"int64", map[string]interface{}{"k": int64(42)}, "k", 7, 42},
		{"json float64", map[string]interface{}{"k": float64(42)}, "k", 7, 42},
		{"numeric string", map[string]interface{}{"k": "42"}, "k", 7, 42},
		{"bad string", map[string]interface{}{"k": "forty-two"}, "k", 7, 7},
		{"wrong type", map[string]interface{}{"k": true}, "k", 7, 7},
		{"zero is a value", map[string]interface{}{"k": 0}, "k", 7, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MapInt(tc.m, tc.key, tc.def); got != tc.want {
				t.Fatalf("MapInt(%v, %q, %d) = %d, want %d", tc.m, tc.key, tc.def, got, tc.want)
			}
		})
	}
}

func TestMapString(t *testing.T) {
	cases := []struct {
		name string
		m    map[string]interface{}
		key  string
		def  string
		want string
	}{
		{"nil map", nil, "k", "d", "d"},
		{"missing key", map[string]interface{}{"other": "x"}, "k", "d", "d"},
		{"present", map[string]interface{}{"k": "v"}, "k", "d", "v"},
		{"empty falls back", map[string]interface{}{"k": ""}, "k", "d", "d"},
		{"wrong type", map[string]interface{}{"k": 3}, "k", "d", "d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MapString(tc.m, tc.key, tc.def); got != tc.want {
				t.Fatalf("MapString(%v, %q, %q) = %q, want %q", tc.m, tc.key, tc.def, got, tc.want)
			}
		})
	}
}
