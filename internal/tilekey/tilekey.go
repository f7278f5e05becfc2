// Package tilekey packs and unpacks the 64-bit tile keys used to address
// the tile-index database's features table.
package tilekey

import "fmt"

// Key is a packed 64-bit tile address: z:5 | y:21 | x:21 | n:17, high to low.
// Lexicographic order of Key values equals (z, y, x, n) order.
type Key uint64

const (
	zBits = 5
	yBits = 21
	xBits = 21
	nBits = 17

	zShift = yBits + xBits + nBits // 59
	yShift = xBits + nBits         // 38
	xShift = nBits                 // 17
	nShift = 0

	zMask = (uint64(1) << zBits) - 1
	yMask = (uint64(1) << yBits) - 1
	xMask = (uint64(1) << xBits) - 1
	nMask = (uint64(1) << nBits) - 1
)

// MaxZoom is the largest zoom level representable in a tile key.
const MaxZoom = 31

// MaxCoord is one past the largest x/y tile coordinate representable.
const MaxCoord = 1 << 21

// MaxN is one past the largest sub-record ordinal representable.
const MaxN = 1 << 17

// Pack combines (x, y, z, n) into a single ordered Key. It panics if any
// value overflows its declared bit width, matching the teacher's fail-fast
// style for invariant violations (spec §7).
func Pack(x, y uint32, z uint8, n uint32) Key {
	if uint64(x)&xMask != uint64(x) {
		panic(fmt.Sprintf("tilekey: x out of range: %d", x))
	}
	if uint64(y)&yMask != uint64(y) {
		panic(fmt.Sprintf("tilekey: y out of range: %d", y))
	}
	if uint64(z)&zMask != uint64(z) {
		panic(fmt.Sprintf("tilekey: z out of range: %d", z))
	}
	if uint64(n)&nMask != uint64(n) {
		panic(fmt.Sprintf("tilekey: n out of range: %d", n))
	}

	var key uint64
	key |= (uint64(z) & zMask) << zShift
	key |= (uint64(y) & yMask) << yShift
	key |= (uint64(x) & xMask) << xShift
	key |= (uint64(n) & nMask) << nShift
	return Key(key)
}

// Unpack reverses Pack.
func Unpack(k Key) (x, y uint32, z uint8, n uint32) {
	u := uint64(k)
	z = uint8((u >> zShift) & zMask)
	y = uint32((u >> yShift) & yMask)
	x = uint32((u >> xShift) & xMask)
	n = uint32((u >> nShift) & nMask)
	return
}

// WithN returns a copy of k with its n field replaced, keeping (x, y, z).
func (k Key) WithN(n uint32) Key {
	x, y, z, _ := Unpack(k)
	return Pack(x, y, z, n)
}

// N returns only the n (sub-record ordinal) field.
func (k Key) N() uint32 {
	return uint32((uint64(k) >> nShift) & nMask)
}

// Zoom returns only the z field.
func (k Key) Zoom() uint8 {
	return uint8((uint64(k) >> zShift) & zMask)
}
