package alloc

import "math/bits"

const bitsPerByte = 8

// Bitmap is a view over an on-disk bitmap block. Bit i lives in byte i/8 at
// position i%8, least-significant bit first; a set bit means allocated.
type Bitmap []byte

func (bm Bitmap) Test(i uint64) bool {
	return bm[i/bitsPerByte]&(1<<(i%bitsPerByte)) != 0
}

func (bm Bitmap) Set(i uint64) {
	bm[i/bitsPerByte] |= 1 << (i % bitsPerByte)
}

func (bm Bitmap) Clear(i uint64) {
	bm[i/bitsPerByte] &^= 1 << (i % bitsPerByte)
}

// FirstClear returns the first clear bit in [from, limit).
func (bm Bitmap) FirstClear(from, limit uint64) (uint64, bool) {
	for i := from; i < limit; {
		// skip whole full bytes
		if i%bitsPerByte == 0 && i+bitsPerByte <= limit && bm[i/bitsPerByte] == 0xFF {
			i += bitsPerByte
			continue
		}
		if !bm.Test(i) {
			return i, true
		}
		i++
	}
	return 0, false
}

// FirstRun returns the start of the first run of at least `n` clear bits in
// [from, limit).
func (bm Bitmap) FirstRun(from, limit, n uint64) (uint64, bool) {
	start, length := from, uint64(0)
	for i := from; i < limit; i++ {
		if bm.Test(i) {
			start, length = i+1, 0
			continue
		}
		length++
		if length == n {
			return start, true
		}
	}
	return 0, false
}

// LongestRun returns the longest run of clear bits in [from, limit); the
// earliest one wins ties.
func (bm Bitmap) LongestRun(from, limit uint64) (start, length uint64) {
	runStart, runLength := from, uint64(0)
	for i := from; i < limit; i++ {
		if bm.Test(i) {
			runStart, runLength = i+1, 0
			continue
		}
		runLength++
		if runLength > length {
			start, length = runStart, runLength
		}
	}
	return start, length
}

// Count returns the number of set bits in [0, limit).
func (bm Bitmap) Count(limit uint64) uint64 {
	var n int
	full := limit / bitsPerByte
	for _, b := range bm[:full] {
		n += bits.OnesCount8(b)
	}
	for i := full * bitsPerByte; i < limit; i++ {
		if bm.Test(i) {
			n++
		}
	}
	return uint64(n)
}
