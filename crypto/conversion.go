package crypto

import (
	"crypto/sha512"
	"errors"
	"math/big"
)

// curveP is the Curve25519 field prime 2^255 - 19.
var curveP = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// montgomeryFromEd converts an Ed25519 public key to its Curve25519
// Montgomery u-coordinate: u = (1 + y) / (1 - y) mod p. The Edwards sign
// bit is discarded; it does not participate in the X25519 exchange.
func montgomeryFromEd(edPub [32]byte) ([32]byte, error) {
	var out [32]byte

	// The y coordinate is encoded little-endian with the sign bit on top.
	yBytes := make([]byte, 32)
	for i := 0; i < 32; i++ {
		yBytes[i] = edPub[31-i]
	}
	yBytes[0] &= 0x7f

	y := new(big.Int).SetBytes(yBytes)
	if y.Cmp(curveP) >= 0 {
		return out, errors.New("invalid public key: y coordinate out of range")
	}

	one := big.NewInt(1)
	num := new(big.Int).Add(one, y)
	num.Mod(num, curveP)
	den := new(big.Int).Sub(one, y)
	den.Mod(den, curveP)
	if den.Sign() == 0 {
		return out, errors.New("invalid public key: no Montgomery equivalent")
	}
	den.ModInverse(den, curveP)

	u := num.Mul(num, den)
	u.Mod(u, curveP)

	uBytes := u.FillBytes(make([]byte, 32))
	for i := 0; i < 32; i++ {
		out[i] = uBytes[31-i]
	}
	return out, nil
}

// scalarFromSeed expands an Ed25519 seed into the matching Curve25519
// private scalar (RFC 8032 expansion with standard clamping), so one
// identity key serves both signing and key agreement.
func scalarFromSeed(seed [32]byte) [32]byte {
	h := sha512.Sum512(seed[:])

	var scalar [32]byte
	copy(scalar[:], h[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}
