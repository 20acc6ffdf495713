package models

// Bitfield is a bit-per-piece vector in wire order: piece 0 is the high bit of byte 0.
type Bitfield []byte

func NewBitfield(numPieces int) Bitfield {
	return make(Bitfield, (numPieces+7)/8)
}

func (b Bitfield) Has(index int) bool {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(b) {
		return false
	}
	return b[byteIndex]>>(7-uint(index%8))&1 == 1
}

func (b Bitfield) Set(index int) {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(b) {
		return
	}
	b[byteIndex] |= 1 << (7 - uint(index%8))
}

func (b Bitfield) Clear(index int) {
	byteIndex := index / 8
	if index < 0 || byteIndex >= len(b) {
		return
	}
	b[byteIndex] &^= 1 << (7 - uint(index%8))
}

// All reports whether the first n bits are set.
func (b Bitfield) All(n int) bool {
	for i := 0; i < n; i++ {
		if !b.Has(i) {
			return false
		}
	}
	return true
}

func (b Bitfield) Count(n int) int {
	count := 0
	for i := 0; i < n; i++ {
		if b.Has(i) {
			count++
		}
	}
	return count
}

func (b Bitfield) Clone() Bitfield {
	out := make(Bitfield, len(b))
	copy(out, b)
	return out
}
