package clarity

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// Uint builds a uint value.
func Uint(u uint64) *Value {
	return &Value{Type: TypeUint, Int: new(big.Int).SetUint64(u)}
}

// Int builds an int value.
func Int(i int64) *Value {
	return &Value{Type: TypeInt, Int: big.NewInt(i)}
}

// Buffer builds a buffer value.
func Buffer(b []byte) *Value {
	return &Value{Type: TypeBuffer, Bytes: b}
}

// Bool builds true or false.
func Bool(b bool) *Value {
	if b {
		return &Value{Type: TypeTrue}
	}
	return &Value{Type: TypeFalse}
}

// StringASCII builds a string-ascii value.
func StringASCII(s string) *Value {
	return &Value{Type: TypeStringASCII, Str: s}
}

// Principal builds a standard or contract principal from its address form.
func Principal(addr string) *Value {
	if strings.Contains(addr, ".") {
		return &Value{Type: TypeContractPrincipal, Str: addr}
	}
	return &Value{Type: TypeStandardPrincipal, Str: addr}
}

func None() *Value         { return &Value{Type: TypeNone} }
func Some(v *Value) *Value { return &Value{Type: TypeSome, Inner: v} }
func Ok(v *Value) *Value   { return &Value{Type: TypeResponseOk, Inner: v} }
func Err(v *Value) *Value  { return &Value{Type: TypeResponseErr, Inner: v} }

// Tuple builds a tuple value.
func Tuple(fields map[string]*Value) *Value {
	return &Value{Type: TypeTuple, Tuple: fields}
}

// List builds a list value.
func List(items ...*Value) *Value {
	return &Value{Type: TypeList, List: items}
}

// EncodeHex serializes v as a "0x"-prefixed hex string, the form the
// read-only call endpoint accepts for arguments.
func EncodeHex(v *Value) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(b), nil
}

// Encode serializes v. Tuple fields are written in name order.
func Encode(v *Value) ([]byte, error) {
	var out []byte
	if err := encode(&out, v); err != nil {
		return nil, err
	}
	return out, nil
}

func encode(out *[]byte, v *Value) error {
	if v == nil {
		return fmt.Errorf("clarity: nil value")
	}
	*out = append(*out, byte(v.Type))

	switch v.Type {
	case TypeInt, TypeUint:
		n := new(big.Int).Set(v.Int)
		if n.Sign() < 0 {
			n.Add(n, new(big.Int).Lsh(big.NewInt(1), 128))
		}
		var b [16]byte
		n.FillBytes(b[:])
		*out = append(*out, b[:]...)

	case TypeBuffer:
		*out = binary.BigEndian.AppendUint32(*out, uint32(len(v.Bytes)))
		*out = append(*out, v.Bytes...)

	case TypeTrue, TypeFalse, TypeNone:

	case TypeStandardPrincipal, TypeContractPrincipal:
		addr, name, _ := strings.Cut(v.Str, ".")
		version, hash, err := ParseAddress(addr)
		if err != nil {
			return err
		}
		*out = append(*out, version)
		*out = append(*out, hash...)
		if v.Type == TypeContractPrincipal {
			*out = append(*out, byte(len(name)))
			*out = append(*out, name...)
		}

	case TypeResponseOk, TypeResponseErr, TypeSome:
		return encode(out, v.Inner)

	case TypeList:
		*out = binary.BigEndian.AppendUint32(*out, uint32(len(v.List)))
		for _, item := range v.List {
			if err := encode(out, item); err != nil {
				return err
			}
		}

	case TypeTuple:
		names := make([]string, 0, len(v.Tuple))
		for name := range v.Tuple {
			names = append(names, name)
		}
		sort.Strings(names)
		*out = binary.BigEndian.AppendUint32(*out, uint32(len(names)))
		for _, name := range names {
			*out = append(*out, byte(len(name)))
			*out = append(*out, name...)
			if err := encode(out, v.Tuple[name]); err != nil {
				return err
			}
		}

	case TypeStringASCII, TypeStringUTF8:
		*out = binary.BigEndian.AppendUint32(*out, uint32(len(v.Str)))
		*out = append(*out, v.Str...)

	default:
		return fmt.Errorf("clarity: unknown type 0x%02x", byte(v.Type))
	}
	return nil
}
