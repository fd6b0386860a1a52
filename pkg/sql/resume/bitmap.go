// Copyright 2024 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package resume

import (
	"math/bits"
	"strconv"
	"strings"
)

// Bitmap is a growable set of partition ids.
type Bitmap struct {
	words []uint64
}

// Set adds i to the set.
func (b *Bitmap) Set(i int32) {
	w := int(i) / 64
	for len(b.words) <= w {
		b.words = append(b.words, 0)
	}
	b.words[w] |= 1 << (uint(i) % 64)
}

// Contains returns true if i is in the set.
func (b *Bitmap) Contains(i int32) bool {
	w := int(i) / 64
	if i < 0 || w >= len(b.words) {
		return false
	}
	return b.words[w]&(1<<(uint(i)%64)) != 0
}

// Len returns the number of elements in the set.
func (b *Bitmap) Len() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// ContainsAll returns true if every id in [0, n) is in the set.
func (b *Bitmap) ContainsAll(n int) bool {
	for i := 0; i < n; i++ {
		if !b.Contains(int32(i)) {
			return false
		}
	}
	return true
}

// UnionWith adds the elements of o to b.
func (b *Bitmap) UnionWith(o Bitmap) {
	for len(b.words) < len(o.words) {
		b.words = append(b.words, 0)
	}
	for i, w := range o.words {
		b.words[i] |= w
	}
}

// Clear empties the set.
func (b *Bitmap) Clear() {
	b.words = b.words[:0]
}

// Copy returns a copy of the set.
func (b Bitmap) Copy() Bitmap {
	return Bitmap{words: append([]uint64(nil), b.words...)}
}

// Ordered returns the elements in increasing order.
func (b *Bitmap) Ordered() []int32 {
	var res []int32
	for wi, w := range b.words {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			res = append(res, int32(wi*64+tz))
			w &= w - 1
		}
	}
	return res
}

func (b Bitmap) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, id := range b.Ordered() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(id)))
	}
	sb.WriteByte('}')
	return sb.String()
}
