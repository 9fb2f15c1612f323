package wire

import (
	"bytes"
	"math"
	"testing"
	"time"
)

func TestPrimitivesRoundTrip(t *testing.T) {
	w := NewWriter()
	w.U8(0xAB)
	w.U16(0x1234)
	w.U32(0xDEADBEEF)
	w.U64(0x0102030405060708)
	w.Bool(true)
	w.Bool(false)
	w.String("hello, 世界")
	w.Float64(math.Pi)
	w.Duration(1500 * time.Millisecond)

	r := NewReader(w.Bytes())

	if v, err := r.U8(); err != nil || v != 0xAB {
		t.Fatalf("U8 = %v, %v", v, err)
	}
	if v, err := r.U16(); err != nil || v != 0x1234 {
		t.Fatalf("U16 = %v, %v", v, err)
	}
	if v, err := r.U32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("U32 = %v, %v", v, err)
	}
	if v, err := r.U64(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("U64 = %v, %v", v, err)
	}
	if v, err := r.Bool(); err != nil || v != true {
		t.Fatalf("Bool(true) = %v, %v", v, err)
	}
	if v, err := r.Bool(); err != nil || v != false {
		t.Fatalf("Bool(false) = %v, %v", v, err)
	}
	if v, err := r.String(); err != nil || v != "hello, 世界" {
		t.Fatalf("String = %q, %v", v, err)
	}
	if v, err := r.Float64(); err != nil || v != math.Pi {
		t.Fatalf("Float64 = %v, %v", v, err)
	}
	if v, err := r.Duration(); err != nil || v != 1500*time.Millisecond {
		t.Fatalf("Duration = %v, %v", v, err)
	}
	if r.Len() != 0 {
		t.Fatalf("unread bytes remain: %d", r.Len())
	}
}

func TestBadBool(t *testing.T) {
	r := NewReader([]byte{0x02})
	if _, err := r.Bool(); err != ErrBadBool {
		t.Fatalf("expected ErrBadBool, got %v", err)
	}
}

func TestStringLossyUTF8(t *testing.T) {
	w := NewWriter()
	w.U64(3)
	raw := w.Bytes()
	raw = append(raw, 0xFF, 0xFE, 0x41) // invalid, invalid, 'A'

	r := NewReader(raw)
	s, err := r.String()
	if err != nil {
		t.Fatalf("String returned error: %v", err)
	}
	if !bytes.ContainsRune([]byte(s), 'A') {
		t.Fatalf("expected lossy string to retain valid rune, got %q", s)
	}
}

func TestID128AndID256RoundTrip(t *testing.T) {
	var id16 [16]byte
	var id32 [32]byte
	for i := range id16 {
		id16[i] = byte(i + 1)
	}
	for i := range id32 {
		id32[i] = byte(i + 1)
	}

	w := NewWriter()
	w.ID128(id16)
	w.ID256(id32)

	r := NewReader(w.Bytes())
	got16, err := r.ID128()
	if err != nil || got16 != id16 {
		t.Fatalf("ID128 = %v, %v", got16, err)
	}
	got32, err := r.ID256()
	if err != nil || got32 != id32 {
		t.Fatalf("ID256 = %v, %v", got32, err)
	}
}

func TestVecAndOption(t *testing.T) {
	w := NewWriter()
	WriteVec(w, []uint32{1, 2, 3}, (*Writer).U32)
	s := "present"
	WriteOption(w, &s, (*Writer).String)
	WriteOption[string](w, nil, (*Writer).String)

	r := NewReader(w.Bytes())
	got, err := ReadVec(r, (*Reader).U32)
	if err != nil {
		t.Fatalf("ReadVec: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("ReadVec = %v", got)
	}
	opt, err := ReadOption(r, (*Reader).String)
	if err != nil || opt == nil || *opt != "present" {
		t.Fatalf("ReadOption(present) = %v, %v", opt, err)
	}
	opt2, err := ReadOption(r, (*Reader).String)
	if err != nil || opt2 != nil {
		t.Fatalf("ReadOption(absent) = %v, %v", opt2, err)
	}
}

func TestTagUnknown(t *testing.T) {
	r := NewReader([]byte{5})
	if _, err := r.Tag(3); err != ErrUnknownTag {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestReadWritePacketRoundTrip(t *testing.T) {
	payload := []byte("some framed payload")
	var buf bytes.Buffer
	if err := WritePacket(&buf, payload); err != nil {
		t.Fatalf("WritePacket: %v", err)
	}
	got, err := ReadPacket(&buf)
	if err != nil {
		t.Fatalf("ReadPacket: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("ReadPacket = %q, want %q", got, payload)
	}
}

func TestReadPacketRejectsOversizedLength(t *testing.T) {
	w := NewWriter()
	w.U64(MaxPacketSize + 1)
	if _, err := ReadPacket(bytes.NewReader(w.Bytes())); err == nil {
		t.Fatal("expected error for oversized length prefix")
	}
}
