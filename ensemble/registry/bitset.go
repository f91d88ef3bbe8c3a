package registry

import (
	"fmt"
	"math/bits"
)

// Bitset is a fixed-width set of bits backed by 32-bit words, the layout
// persisted in checkpoints.
type Bitset struct {
	n     int
	words []uint32
}

// NewBitset returns an all-clear set of n bits.
func NewBitset(n int) *Bitset {
	if n < 0 {
		panic(fmt.Sprintf("Bitset: size must be >= 0, got %d", n))
	}
	return &Bitset{n: n, words: make([]uint32, (n+31)/32)}
}

// BitsetFromWords rebuilds a set of n bits from its raw words.
func BitsetFromWords(n int, words []uint32) (*Bitset, error) {
	if len(words) != (n+31)/32 {
		return nil, fmt.Errorf("bitset of %d bits needs %d words, got %d", n, (n+31)/32, len(words))
	}
	b := &Bitset{n: n, words: append([]uint32(nil), words...)}
	if rem := n % 32; rem != 0 && b.words[len(b.words)-1]>>rem != 0 {
		return nil, fmt.Errorf("bitset of %d bits has bits set past the end", n)
	}
	return b, nil
}

// Len returns the number of bits.
func (b *Bitset) Len() int { return b.n }

// Words returns the backing words; callers must not modify them.
func (b *Bitset) Words() []uint32 { return b.words }

// Set sets bit i. Setting a set bit is a no-op.
func (b *Bitset) Set(i int) {
	b.check(i)
	b.words[i/32] |= 1 << (uint(i) % 32)
}

// Clear clears bit i.
func (b *Bitset) Clear(i int) {
	b.check(i)
	b.words[i/32] &^= 1 << (uint(i) % 32)
}

// Test reports whether bit i is set.
func (b *Bitset) Test(i int) bool {
	b.check(i)
	return b.words[i/32]&(1<<(uint(i)%32)) != 0
}

// Count returns the number of set bits.
func (b *Bitset) Count() int {
	c := 0
	for _, w := range b.words {
		c += bits.OnesCount32(w)
	}
	return c
}

// Full reports whether every bit is set.
func (b *Bitset) Full() bool {
	return b.Count() == b.n
}

func (b *Bitset) check(i int) {
	if i < 0 || i >= b.n {
		panic(fmt.Sprintf("Bitset: index %d out of range [0,%d)", i, b.n))
	}
}
