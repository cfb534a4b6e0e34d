package identifier

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/cuemby/pdisk/pkg/types"
)

const (
	// Alphabet maps 6-bit digit values to identifier symbols
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

	// DigestBits is the width of a SHA-1 digest
	DigestBits = 160

	bitsPerSymbol = 6

	// Length is the number of symbols in an identifier, ceil(160/6)
	Length = (DigestBits + bitsPerSymbol - 1) / bitsPerSymbol

	digestHexLength = DigestBits / 4
)

var (
	radix    = big.NewInt(1 << bitsPerSymbol)
	maxValue = new(big.Int).Lsh(big.NewInt(1), DigestBits)
)

// Encode converts a 160-bit hex digest into its public identifier.
// The most significant symbol comes first.
func Encode(digestHex string) (string, error) {
	digestHex = strings.ToLower(strings.TrimSpace(digestHex))
	if len(digestHex) != digestHexLength {
		return "", fmt.Errorf("%w: expected %d hex characters, got %d", types.ErrInvalidDigest, digestHexLength, len(digestHex))
	}
	raw, err := hex.DecodeString(digestHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidDigest, err)
	}

	n := new(big.Int).SetBytes(raw)
	rem := new(big.Int)
	symbols := make([]byte, Length)
	for i := Length - 1; i >= 0; i-- {
		n.DivMod(n, radix, rem)
		symbols[i] = Alphabet[rem.Int64()]
	}

	return string(symbols), nil
}

// Decode converts an identifier back into the lowercase hex digest it was
// derived from
func Decode(id string) (string, error) {
	if len(id) != Length {
		return "", fmt.Errorf("%w: expected %d symbols, got %d", types.ErrInvalidIdentifier, Length, len(id))
	}

	n := new(big.Int)
	for i := 0; i < len(id); i++ {
		v := strings.IndexByte(Alphabet, id[i])
		if v < 0 {
			return "", fmt.Errorf("%w: symbol %q at position %d", types.ErrInvalidIdentifier, id[i], i)
		}
		n.Lsh(n, bitsPerSymbol)
		n.Or(n, big.NewInt(int64(v)))
	}

	if n.Cmp(maxValue) >= 0 {
		return "", fmt.Errorf("%w: value exceeds %d bits", types.ErrInvalidIdentifier, DigestBits)
	}

	return fmt.Sprintf("%0*x", digestHexLength, n), nil
}

// Valid reports whether s has the shape of an identifier
func Valid(s string) bool {
	_, err := Decode(s)
	return err == nil
}
