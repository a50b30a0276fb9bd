// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package igz

import (
	"reflect"
	"testing"
)

func TestPackedRoundTrip(t *testing.T) {

	tests := []struct {
		name    string
		version uint32
		in      []uint64
	}{
		{"v9 with duplicates", 9, []uint64{0, 16, 40, 40, 96}},
		{"v9 empty", 9, []uint64{}},
		{"v9 single", 9, []uint64{128}},
		{"v8 biased", 8, []uint64{4, 8, 0x10, 0x40, 0x1000}},
		{"v8 wide gaps", 8, []uint64{4, 0x100000, 0x7FFFFF0}},
		{"v6 legacy", 6, []uint64{4, 16, 0x800000}},
		{"v9 large deltas", 9, []uint64{0, 0x10000000, 0x10000004}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed, err := PackOffsets(tt.in, tt.version)
			if err != nil {
				t.Fatalf("PackOffsets failed, reason: %v", err)
			}
			out, err := UnpackOffsets(packed, uint32(len(tt.in)), tt.version)
			if err != nil {
				t.Fatalf("UnpackOffsets failed, reason: %v", err)
			}
			if len(tt.in) == 0 {
				if len(out) != 0 {
					t.Fatalf("expected empty output, got %v", out)
				}
				return
			}
			if !reflect.DeepEqual(out, tt.in) {
				t.Errorf("round trip assertion failed, got %v, want %v", out, tt.in)
			}
			for _, v := range out {
				if v%4 != 0 {
					t.Errorf("emitted value %d is not a multiple of 4", v)
				}
			}
		})
	}
}

func TestPackOffsetsRejectsBadSequences(t *testing.T) {

	tests := []struct {
		name    string
		version uint32
		in      []uint64
	}{
		{"decreasing", 9, []uint64{16, 8}},
		{"unaligned delta", 9, []uint64{0, 6}},
		{"gap below bias", 8, []uint64{4, 6}},
		{"first below bias", 8, []uint64{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := PackOffsets(tt.in, tt.version); err == nil {
				t.Errorf("PackOffsets(%v) expected an error", tt.in)
			}
		})
	}
}

func TestUnpackOffsetsTruncated(t *testing.T) {
	// The only byte holds one entry (continuation nibble 0x8, then 0x0);
	// no nibbles are left for the second entry.
	if _, err := UnpackOffsets([]byte{0x08}, 2, 9); err == nil {
		t.Error("expected ErrPackedOverrun on truncated stream")
	}
}

func TestUnpackKnownEncoding(t *testing.T) {
	// Nibble 0x0 then 0x2 share one byte; v8 biases every delta by 4.
	out, err := UnpackOffsets([]byte{0x20}, 2, 8)
	if err != nil {
		t.Fatalf("UnpackOffsets failed, reason: %v", err)
	}
	want := []uint64{4, 0x10}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("decode assertion failed, got %v, want %v", out, want)
	}
}
