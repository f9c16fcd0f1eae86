package clarity

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const c32Alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var ErrInvalidAddress = errors.New("clarity: invalid c32check address")

// Address renders a principal as a c32check address, e.g. SP... on mainnet.
func Address(version byte, hash160 []byte) string {
	data := append(append([]byte(nil), hash160...), checksum(version, hash160)...)
	return "S" + string(c32Alphabet[version&0x1f]) + c32Encode(data)
}

// ParseAddress validates a c32check address and returns its version and
// 20-byte hash.
func ParseAddress(addr string) (byte, []byte, error) {
	if len(addr) < 3 || addr[0] != 'S' {
		return 0, nil, ErrInvalidAddress
	}
	version := strings.IndexByte(c32Alphabet, normalizeC32(addr[1]))
	if version < 0 {
		return 0, nil, ErrInvalidAddress
	}
	data, err := c32Decode(addr[2:])
	if err != nil {
		return 0, nil, err
	}
	if len(data) != 24 {
		return 0, nil, fmt.Errorf("%w: payload is %d bytes", ErrInvalidAddress, len(data))
	}
	hash, sum := data[:20], data[20:]
	if !bytes.Equal(sum, checksum(byte(version), hash)) {
		return 0, nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	return byte(version), hash, nil
}

func checksum(version byte, hash160 []byte) []byte {
	first := sha256.Sum256(append([]byte{version}, hash160...))
	second := sha256.Sum256(first[:])
	return second[:4]
}

func c32Encode(data []byte) string {
	n := new(big.Int).SetBytes(data)
	base := big.NewInt(32)
	mod := new(big.Int)

	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, base, mod)
		out = append(out, c32Alphabet[mod.Int64()])
	}
	for _, b := range data {
		if b != 0 {
			break
		}
		out = append(out, '0')
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func c32Decode(s string) ([]byte, error) {
	n := new(big.Int)
	base := big.NewInt(32)
	zeros := 0
	leading := true
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(c32Alphabet, normalizeC32(s[i]))
		if d < 0 {
			return nil, fmt.Errorf("%w: bad character %q", ErrInvalidAddress, s[i])
		}
		if leading && d == 0 {
			zeros++
			continue
		}
		leading = false
		n.Mul(n, base)
		n.Add(n, big.NewInt(int64(d)))
	}
	return append(make([]byte, zeros), n.Bytes()...), nil
}

// normalizeC32 maps lowercase and the ambiguous letters O, I and L onto the
// alphabet.
func normalizeC32(c byte) byte {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	switch c {
	case 'O':
		return '0'
	case 'I', 'L':
		return '1'
	}
	return c
}
