package encoding

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestBuilderByteOrder(t *testing.T) {
	testCases := []struct {
		name     string
		order    binary.ByteOrder
		expected []byte
	}{
		{
			name:  "little",
			order: binary.LittleEndian,
			expected: []byte{
				0x34, 0x12,
				0x78, 0x56, 0x34, 0x12,
				0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
				0x00, 0x00, 0x00,
			},
		},
		{
			name:  "big",
			order: binary.BigEndian,
			expected: []byte{
				0x12, 0x34,
				0x12, 0x34, 0x56, 0x78,
				0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
				0x00, 0x00, 0x00,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuilder(tc.order, nil)
			b.PutInt16(0x1234)
			b.PutInt32(0x12345678)
			b.PutInt64(0x0102030405060708)
			b.Pad(3)
			if !bytes.Equal(b.Bytes(), tc.expected) {
				t.Errorf("Bytes() = %x, want %x", b.Bytes(), tc.expected)
			}
			if b.Len() != len(tc.expected) {
				t.Errorf("Len() = %d, want %d", b.Len(), len(tc.expected))
			}

			s := NewSlice(tc.order, b.Bytes())
			v16, ok := s.GetInt16()
			if !ok || v16 != 0x1234 {
				t.Errorf("GetInt16 = %x, %v", v16, ok)
			}
			v32, ok := s.GetInt32()
			if !ok || v32 != 0x12345678 {
				t.Errorf("GetInt32 = %x, %v", v32, ok)
			}
			v64, ok := s.GetInt64()
			if !ok || v64 != 0x0102030405060708 {
				t.Errorf("GetInt64 = %x, %v", v64, ok)
			}
			if !s.Advance(3) {
				t.Error("Advance(3) failed")
			}
			if s.Remaining() != 0 {
				t.Errorf("Remaining = %d, want 0", s.Remaining())
			}
		})
	}
}

func TestSliceNegativeValues(t *testing.T) {
	b := NewBuilder(binary.BigEndian, nil)
	b.PutInt32(-1)
	b.PutInt64(-1)
	b.PutInt16(-2)

	s := NewSlice(binary.BigEndian, b.Bytes())
	if v, _ := s.GetInt32(); v != -1 {
		t.Errorf("GetInt32 = %d, want -1", v)
	}
	if v, _ := s.GetInt64(); v != -1 {
		t.Errorf("GetInt64 = %d, want -1", v)
	}
	if v, _ := s.GetInt16(); v != -2 {
		t.Errorf("GetInt16 = %d, want -2", v)
	}
}

func TestSliceShortBuffer(t *testing.T) {
	s := NewSlice(binary.LittleEndian, []byte{1, 2, 3})
	if _, ok := s.GetInt32(); ok {
		t.Error("GetInt32 on 3 bytes should fail")
	}
	if _, ok := s.GetInt64(); ok {
		t.Error("GetInt64 on 3 bytes should fail")
	}
	if _, ok := s.GetInt16(); !ok {
		t.Error("GetInt16 on 3 bytes should succeed")
	}
	if s.Advance(2) {
		t.Error("Advance(2) with 1 byte left should fail")
	}
}

func TestFixed32LittleEndian(t *testing.T) {
	buf := make([]byte, 4)
	EncodeFixed32(buf, 0x12345678)
	if !bytes.Equal(buf, []byte{0x78, 0x56, 0x34, 0x12}) {
		t.Errorf("EncodeFixed32 = %x", buf)
	}
	if got := DecodeFixed32(buf); got != 0x12345678 {
		t.Errorf("DecodeFixed32 = %x", got)
	}
	if got := AppendFixed32([]byte{0xAA}, 1); !bytes.Equal(got, []byte{0xAA, 1, 0, 0, 0}) {
		t.Errorf("AppendFixed32 = %x", got)
	}
}

func TestHostOrder(t *testing.T) {
	if Swapped(HostOrder) {
		t.Error("host order must not be swapped against itself")
	}
	other := binary.ByteOrder(binary.BigEndian)
	if OrderName(HostOrder) == "big" {
		other = binary.LittleEndian
	}
	if !Swapped(other) {
		t.Errorf("%s order should be swapped on a %s host", OrderName(other), OrderName(HostOrder))
	}
}
