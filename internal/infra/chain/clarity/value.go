// Package clarity decodes and encodes the consensus serialization of Clarity
// values used by the ledger API for function arguments and read-only results.
package clarity

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"
)

// Type is the one-byte type prefix of a serialized value.
type Type byte

const (
	TypeInt               Type = 0x00
	TypeUint              Type = 0x01
	TypeBuffer            Type = 0x02
	TypeTrue              Type = 0x03
	TypeFalse             Type = 0x04
	TypeStandardPrincipal Type = 0x05
	TypeContractPrincipal Type = 0x06
	TypeResponseOk        Type = 0x07
	TypeResponseErr       Type = 0x08
	TypeNone              Type = 0x09
	TypeSome              Type = 0x0a
	TypeList              Type = 0x0b
	TypeTuple             Type = 0x0c
	TypeStringASCII       Type = 0x0d
	TypeStringUTF8        Type = 0x0e
)

const maxDepth = 64

var (
	ErrTruncated = errors.New("clarity: truncated value")
	ErrTooDeep   = errors.New("clarity: value nested too deeply")
)

// Value is a decoded Clarity value. Only the fields relevant to Type are set:
// Int for int/uint, Bytes for buffers, Str for strings and principals, Inner
// for ok/err/some, List and Tuple for compound values.
type Value struct {
	Type  Type
	Int   *big.Int
	Bytes []byte
	Str   string
	Inner *Value
	List  []*Value
	Tuple map[string]*Value
}

// DecodeHex decodes a "0x"-prefixed (or bare) hex string.
func DecodeHex(s string) (*Value, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return nil, fmt.Errorf("clarity: invalid hex: %w", err)
	}
	return Decode(raw)
}

// Decode parses one serialized value and rejects trailing bytes.
func Decode(b []byte) (*Value, error) {
	r := &reader{buf: b}
	v, err := r.value(0)
	if err != nil {
		return nil, err
	}
	if r.pos != len(r.buf) {
		return nil, fmt.Errorf("clarity: %d trailing bytes", len(r.buf)-r.pos)
	}
	return v, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, ErrTruncated
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) u8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u32() (int, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(b)
	if int(n) > len(r.buf) {
		return 0, ErrTruncated
	}
	return int(n), nil
}

func (r *reader) value(depth int) (*Value, error) {
	if depth > maxDepth {
		return nil, ErrTooDeep
	}
	prefix, err := r.u8()
	if err != nil {
		return nil, err
	}
	v := &Value{Type: Type(prefix)}

	switch v.Type {
	case TypeInt, TypeUint:
		b, err := r.take(16)
		if err != nil {
			return nil, err
		}
		v.Int = new(big.Int).SetBytes(b)
		if v.Type == TypeInt && b[0]&0x80 != 0 {
			// two's complement
			v.Int.Sub(v.Int, new(big.Int).Lsh(big.NewInt(1), 128))
		}

	case TypeBuffer:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		b, err := r.take(n)
		if err != nil {
			return nil, err
		}
		v.Bytes = append([]byte(nil), b...)

	case TypeTrue, TypeFalse, TypeNone:

	case TypeStandardPrincipal, TypeContractPrincipal:
		version, err := r.u8()
		if err != nil {
			return nil, err
		}
		hash, err := r.take(20)
		if err != nil {
			return nil, err
		}
		v.Str = Address(version, hash)
		if v.Type == TypeContractPrincipal {
			n, err := r.u8()
			if err != nil {
				return nil, err
			}
			name, err := r.take(int(n))
			if err != nil {
				return nil, err
			}
			v.Str += "." + string(name)
		}

	case TypeResponseOk, TypeResponseErr, TypeSome:
		inner, err := r.value(depth + 1)
		if err != nil {
			return nil, err
		}
		v.Inner = inner

	case TypeList:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		v.List = make([]*Value, 0, n)
		for range n {
			item, err := r.value(depth + 1)
			if err != nil {
				return nil, err
			}
			v.List = append(v.List, item)
		}

	case TypeTuple:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		v.Tuple = make(map[string]*Value, n)
		for range n {
			l, err := r.u8()
			if err != nil {
				return nil, err
			}
			name, err := r.take(int(l))
			if err != nil {
				return nil, err
			}
			item, err := r.value(depth + 1)
			if err != nil {
				return nil, err
			}
			v.Tuple[string(name)] = item
		}

	case TypeStringASCII, TypeStringUTF8:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		b, err := r.take(n)
		if err != nil {
			return nil, err
		}
		if v.Type == TypeStringUTF8 && !utf8.Valid(b) {
			return nil, errors.New("clarity: invalid utf8 string")
		}
		v.Str = string(b)

	default:
		return nil, fmt.Errorf("clarity: unknown type prefix 0x%02x", prefix)
	}
	return v, nil
}

// Unwrap strips (ok ...) and (some ...) wrappers. It returns nil for none and
// (err ...).
func (v *Value) Unwrap() *Value {
	for v != nil {
		switch v.Type {
		case TypeResponseOk, TypeSome:
			v = v.Inner
		case TypeNone, TypeResponseErr:
			return nil
		default:
			return v
		}
	}
	return nil
}

// Uint64 returns an int or uint value that fits in uint64.
func (v *Value) Uint64() (uint64, bool) {
	if v == nil || v.Int == nil || v.Int.Sign() < 0 || !v.Int.IsUint64() {
		return 0, false
	}
	return v.Int.Uint64(), true
}

// Int64 returns an int or uint value that fits in int64.
func (v *Value) Int64() (int64, bool) {
	if v == nil || v.Int == nil || !v.Int.IsInt64() {
		return 0, false
	}
	return v.Int.Int64(), true
}

// Bool returns the value of true/false.
func (v *Value) Bool() (bool, bool) {
	if v == nil {
		return false, false
	}
	switch v.Type {
	case TypeTrue:
		return true, true
	case TypeFalse:
		return false, true
	}
	return false, false
}

// Text returns strings and principals as text.
func (v *Value) Text() (string, bool) {
	if v == nil {
		return "", false
	}
	switch v.Type {
	case TypeStringASCII, TypeStringUTF8, TypeStandardPrincipal, TypeContractPrincipal:
		return v.Str, true
	}
	return "", false
}
