package checksum

import (
	"testing"
)

func TestCRC32CBasic(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint32
	}{
		{"empty", []byte{}, 0},
		{"123456789", []byte("123456789"), 0xe3069283},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Value(tt.data)
			if got != tt.want {
				t.Errorf("Value(%q) = 0x%08x, want 0x%08x", tt.data, got, tt.want)
			}
		})
	}
}

// RFC 3720 section B.4 test vectors.
func TestCRC32CStandardResults(t *testing.T) {
	buf := make([]byte, 32)
	if got := Value(buf); got != 0x8a9136aa {
		t.Errorf("All zeros: got 0x%08x, want 0x8a9136aa", got)
	}

	for i := range buf {
		buf[i] = 0xFF
	}
	if got := Value(buf); got != 0x62a8ab43 {
		t.Errorf("All 0xFF: got 0x%08x, want 0x62a8ab43", got)
	}

	for i := range buf {
		buf[i] = byte(i)
	}
	if got := Value(buf); got != 0x46dd794e {
		t.Errorf("Ascending: got 0x%08x, want 0x46dd794e", got)
	}
}

func TestCRC32CExtend(t *testing.T) {
	data := []byte("hello world")
	whole := Value(data)
	split := Extend(Value(data[:5]), data[5:])
	if whole != split {
		t.Errorf("Extend = 0x%08x, want 0x%08x", split, whole)
	}
}

func TestMaskRoundTrip(t *testing.T) {
	for _, crc := range []uint32{0, 1, 0xe3069283, 0xffffffff} {
		masked := Mask(crc)
		if masked == crc && crc != 0 {
			t.Errorf("Mask(0x%08x) left the value unchanged", crc)
		}
		if got := Unmask(masked); got != crc {
			t.Errorf("Unmask(Mask(0x%08x)) = 0x%08x", crc, got)
		}
	}
	if MaskedValue([]byte("abc")) != Mask(Value([]byte("abc"))) {
		t.Error("MaskedValue differs from Mask(Value)")
	}
}

func TestXXH3Checksum32(t *testing.T) {
	a := []byte("free tree blob")
	b := []byte("free tree blod")

	if XXH3Checksum32(a) != uint32(XXH3(a)) {
		t.Error("XXH3Checksum32 must be the low 32 bits of XXH3")
	}
	if XXH3Checksum32(a) != XXH3Checksum32(append([]byte(nil), a...)) {
		t.Error("XXH3Checksum32 is not deterministic")
	}
	if XXH3Checksum32(a) == XXH3Checksum32(b) {
		t.Error("one-byte change did not change the checksum")
	}
}
