package clarity

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

func TestDecodeHex_Uint(t *testing.T) {
	v, err := DecodeHex("0x0100000000000000000000000000000001")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Type != TypeUint {
		t.Fatalf("expected uint, got 0x%02x", byte(v.Type))
	}
	if u, ok := v.Uint64(); !ok || u != 1 {
		t.Errorf("expected 1, got %d (ok=%v)", u, ok)
	}
}

func TestDecodeHex_NegativeInt(t *testing.T) {
	v, err := DecodeHex("0x00ffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if i, ok := v.Int64(); !ok || i != -1 {
		t.Errorf("expected -1, got %d (ok=%v)", i, ok)
	}
	if _, ok := v.Uint64(); ok {
		t.Error("negative int must not convert to uint64")
	}
}

func TestDecode_Truncated(t *testing.T) {
	raw, _ := hex.DecodeString("02000000ff00")
	if _, err := Decode(raw); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestDecode_UnknownPrefix(t *testing.T) {
	if _, err := Decode([]byte{0x42}); err == nil {
		t.Error("expected error for unknown prefix")
	}
}

func TestEncodeDecode_ReadOnlyResult(t *testing.T) {
	payer := "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7"
	in := Ok(Some(Tuple(map[string]*Value{
		"status":        StringASCII("paid"),
		"amount":        Uint(1000),
		"refund-amount": Uint(0),
		"payer":         Some(Principal(payer)),
		"paid-at":       Some(Uint(96)),
		"memo":          Buffer([]byte{0xde, 0xad}),
		"flags":         List(Bool(true), Bool(false)),
		"refunded-at":   None(),
	})))

	encoded, err := EncodeHex(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeHex(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	tuple := out.Unwrap()
	if tuple == nil || tuple.Type != TypeTuple {
		t.Fatalf("expected tuple after unwrap, got %+v", tuple)
	}
	if s, _ := tuple.Tuple["status"].Text(); s != "paid" {
		t.Errorf("status = %q", s)
	}
	if a, _ := tuple.Tuple["amount"].Uint64(); a != 1000 {
		t.Errorf("amount = %d", a)
	}
	if p, _ := tuple.Tuple["payer"].Unwrap().Text(); p != payer {
		t.Errorf("payer = %q", p)
	}
	if h, _ := tuple.Tuple["paid-at"].Unwrap().Uint64(); h != 96 {
		t.Errorf("paid-at = %d", h)
	}
	if tuple.Tuple["refunded-at"].Unwrap() != nil {
		t.Error("none should unwrap to nil")
	}
	if !bytes.Equal(tuple.Tuple["memo"].Bytes, []byte{0xde, 0xad}) {
		t.Errorf("memo = %x", tuple.Tuple["memo"].Bytes)
	}
	if b, ok := tuple.Tuple["flags"].List[0].Bool(); !ok || !b {
		t.Error("flags[0] should be true")
	}
}

func TestEncodeHex_Buffer32(t *testing.T) {
	id := bytes.Repeat([]byte{0xab}, 32)
	got, err := EncodeHex(Buffer(id))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "0x0200000020" + hex.EncodeToString(id)
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestUnwrap_Err(t *testing.T) {
	if Err(Uint(404)).Unwrap() != nil {
		t.Error("err response should unwrap to nil")
	}
}

func TestContractPrincipal(t *testing.T) {
	id := "SP2J6ZY48GV1EZ5V2V5RB9MP66SW86PYKKNRV9EJ7.payments-v1"
	encoded, err := Encode(Principal(id))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	v, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v.Type != TypeContractPrincipal || v.Str != id {
		t.Errorf("got %+v", v)
	}
}
