package recovery

import (
	"crypto/rand"
	"fmt"
)

// Shamir secret sharing over GF(2^8), one polynomial per secret byte.
// Any k shares reconstruct the secret exactly; k-1 shares are
// information-theoretically independent of it, since every share byte is a
// point on a polynomial whose remaining coefficients are uniform.

const (
	// shamirMaxShares is bounded by the nonzero field elements usable as
	// evaluation points.
	shamirMaxShares = 255
)

type sharePoint struct {
	Index int    // x coordinate, 1-based
	Data  []byte // one y byte per secret byte
}

func shamirSplit(secret []byte, threshold, total int) ([]sharePoint, error) {
	if threshold < 2 || threshold > total || total > shamirMaxShares {
		return nil, fmt.Errorf("%w: threshold=%d total=%d", ErrInvalidParams, threshold, total)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidParams)
	}

	shares := make([]sharePoint, total)
	for i := range shares {
		shares[i] = sharePoint{Index: i + 1, Data: make([]byte, len(secret))}
	}

	coeffs := make([]byte, threshold)
	for byteIdx, s := range secret {
		coeffs[0] = s
		if _, err := rand.Read(coeffs[1:]); err != nil {
			return nil, err
		}
		for i := range shares {
			shares[i].Data[byteIdx] = polyEval(coeffs, byte(shares[i].Index))
		}
	}
	for i := range coeffs {
		coeffs[i] = 0
	}
	return shares, nil
}

// shamirCombine reconstructs the secret from exactly threshold points by
// Lagrange interpolation at x=0. Points must have distinct nonzero indices.
func shamirCombine(points []sharePoint) ([]byte, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 points", ErrInvalidParams)
	}
	size := len(points[0].Data)
	seen := make(map[int]bool, len(points))
	for _, p := range points {
		if p.Index < 1 || p.Index > shamirMaxShares || seen[p.Index] {
			return nil, fmt.Errorf("%w: bad or duplicate index %d", ErrInvalidParams, p.Index)
		}
		if len(p.Data) != size {
			return nil, fmt.Errorf("%w: inconsistent share sizes", ErrInvalidParams)
		}
		seen[p.Index] = true
	}

	secret := make([]byte, size)
	for byteIdx := range secret {
		var acc byte
		for i, pi := range points {
			// Lagrange basis L_i(0) = prod_{j!=i} x_j / (x_j - x_i);
			// subtraction is XOR in GF(2^8).
			num, den := byte(1), byte(1)
			for j, pj := range points {
				if i == j {
					continue
				}
				num = gfMul(num, byte(pj.Index))
				den = gfMul(den, byte(pj.Index)^byte(pi.Index))
			}
			acc ^= gfMul(pi.Data[byteIdx], gfMul(num, gfInv(den)))
		}
		secret[byteIdx] = acc
	}
	return secret, nil
}

func polyEval(coeffs []byte, x byte) byte {
	// Horner's rule, highest coefficient first.
	var y byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		y = gfMul(y, x) ^ coeffs[i]
	}
	return y
}

// gfMul multiplies in GF(2^8) with the AES polynomial 0x11b.
func gfMul(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

// gfInv computes the multiplicative inverse as a^254.
func gfInv(a byte) byte {
	if a == 0 {
		return 0
	}
	inv := byte(1)
	base := a
	for e := 254; e > 0; e >>= 1 {
		if e&1 == 1 {
			inv = gfMul(inv, base)
		}
		base = gfMul(base, base)
	}
	return inv
}
