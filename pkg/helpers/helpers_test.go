package helpers

import (
	"bytes"
	"testing"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{100000000, 8, "1"},
		{150000000, 8, "1.5"},
		{1, 8, "0.00000001"},
		{0, 8, "0"},
		{123, 0, "123"},
		{1000000000000000000, 18, "1"},
		{1234567890000000000, 18, "1.23456789"},
	}
	for _, tt := range tests {
		if got := FormatAmount(tt.amount, tt.decimals); got != tt.want {
			t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		s        string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{"1", 8, 100000000, false},
		{"1.5", 8, 150000000, false},
		{"0.00000001", 8, 1, false},
		{"0", 8, 0, false},
		{"", 8, 0, true},
		{"abc", 8, 0, true},
		{"1,5", 8, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAmount(tt.s, tt.decimals)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAmount(%q, %d) error = %v, wantErr %v", tt.s, tt.decimals, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseAmount(%q, %d) = %d, want %d", tt.s, tt.decimals, got, tt.want)
		}
	}
}

func TestAmountRoundTrip(t *testing.T) {
	for _, amount := range []uint64{1, 546, 100000000, 2100000000000000} {
		s := FormatAmount(amount, 8)
		got, err := ParseAmount(s, 8)
		if err != nil {
			t.Fatalf("ParseAmount(%q) error = %v", s, err)
		}
		if got != amount {
			t.Errorf("round trip %d -> %s -> %d", amount, s, got)
		}
	}
}

func TestHexToBytes(t *testing.T) {
	withPrefix, err := HexToBytes("0xdeadbeef")
	if err != nil {
		t.Fatalf("HexToBytes() error = %v", err)
	}
	bare, err := HexToBytes("deadbeef")
	if err != nil {
		t.Fatalf("HexToBytes() error = %v", err)
	}
	if !bytes.Equal(withPrefix, bare) {
		t.Error("prefix handling mismatch")
	}
	if _, err := HexToBytes("zz"); err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestBytesToHex(t *testing.T) {
	if got := BytesToHex([]byte{0xde, 0xad}); got != "0xdead" {
		t.Errorf("BytesToHex() = %s", got)
	}
}

func TestPadLeft(t *testing.T) {
	got := PadLeft([]byte{0x01, 0x02}, 4)
	if !bytes.Equal(got, []byte{0x00, 0x00, 0x01, 0x02}) {
		t.Errorf("PadLeft() = %x", got)
	}
	// Already at length, unchanged.
	in := []byte{0x01, 0x02}
	if !bytes.Equal(PadLeft(in, 2), in) {
		t.Error("PadLeft() modified full-length input")
	}
}

func TestConstantTimeCompare(t *testing.T) {
	a := []byte{1, 2, 3}
	if !ConstantTimeCompare(a, []byte{1, 2, 3}) {
		t.Error("equal slices compared unequal")
	}
	if ConstantTimeCompare(a, []byte{1, 2, 4}) {
		t.Error("unequal slices compared equal")
	}
	if ConstantTimeCompare(a, []byte{1, 2}) {
		t.Error("different lengths compared equal")
	}
}

func TestIsZeroBytes(t *testing.T) {
	if !IsZeroBytes(make([]byte, 32)) {
		t.Error("all-zero slice not detected")
	}
	if IsZeroBytes([]byte{0, 0, 1}) {
		t.Error("non-zero slice detected as zero")
	}
}

func TestGenerateSecureRandom(t *testing.T) {
	a, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom() error = %v", err)
	}
	b, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom() error = %v", err)
	}
	if len(a) != 32 || len(b) != 32 {
		t.Fatalf("lengths = %d/%d", len(a), len(b))
	}
	if bytes.Equal(a, b) {
		t.Error("two random draws identical")
	}
}
