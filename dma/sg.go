package dma

import "io"

// SGEntry is one contiguous piece of a scatter-gather table.
type SGEntry struct {
	Addr uint64 // bus address
	Len  int
	Data []byte // host view, len(Data) == Len
}

// SGTable describes a mapped buffer as a list of contiguous pieces.
type SGTable struct {
	Entries []SGEntry
	Dir     Direction
}

// Size returns the total number of bytes described by the table.
func (t *SGTable) Size() int {
	var n int
	for _, e := range t.Entries {
		n += e.Len
	}
	return n
}

// ReadAt reads from the mapped memory as if the entries were concatenated.
func (t *SGTable) ReadAt(p []byte, off int64) (n int, err error) {
	for _, e := range t.Entries {
		if off >= int64(e.Len) {
			off -= int64(e.Len)
			continue
		}

		c := copy(p[n:], e.Data[off:])
		n += c
		off = 0

		if n == len(p) {
			return n, nil
		}
	}

	return n, io.EOF
}
