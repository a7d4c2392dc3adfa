// SPDX-License-Identifier: GPL-3.0-or-later

package pseudotcp

// byteFIFOInitialSize is the initial size of the storage of a [*ByteFIFO].
const byteFIFOInitialSize = 4096

// ByteFIFO is a circular byte buffer with independent read and write cursors.
//
// The storage is allocated lazily and grows up to the configured capacity, so
// a large receive window does not cost memory until data actually arrives.
//
// Besides plain reads and writes, the buffer supports reading at an offset
// from the read cursor without consuming (used to transmit and retransmit
// unacknowledged data) and writing at an offset from the write cursor without
// advancing it (used to place out-of-order segments).
//
// A [*ByteFIFO] is not safe for concurrent use.
//
// Construct using [NewByteFIFO].
type ByteFIFO struct {
	// buf is the backing storage, len(buf) <= capacity.
	buf []byte

	// buffered is the number of readable bytes.
	buffered int

	// capacity is the maximum number of bytes we can hold.
	capacity int

	// readPos is the index of the first readable byte.
	readPos int

	// rewindable is the number of consumed bytes before readPos that
	// have not been overwritten yet.
	rewindable int
}

// NewByteFIFO creates a new [*ByteFIFO] holding up to capacity bytes.
func NewByteFIFO(capacity int) *ByteFIFO {
	return &ByteFIFO{capacity: max(capacity, 0)}
}

// Cap returns the maximum number of bytes the buffer can hold.
func (f *ByteFIFO) Cap() int {
	return f.capacity
}

// Buffered returns the number of bytes available for reading.
func (f *ByteFIFO) Buffered() int {
	return f.buffered
}

// WriteRemaining returns the number of bytes that can still be written.
func (f *ByteFIFO) WriteRemaining() int {
	return f.capacity - f.buffered
}

// SetCapacity changes the buffer capacity. It returns false, leaving the
// buffer untouched, when more than capacity bytes are currently buffered.
func (f *ByteFIFO) SetCapacity(capacity int) bool {
	if capacity < f.buffered {
		return false
	}
	if len(f.buf) > capacity {
		f.relocate(capacity)
	}
	f.capacity = capacity
	return true
}

// Write appends p to the buffer and returns the number of bytes written,
// which is smaller than len(p) when the buffer is full.
func (f *ByteFIFO) Write(p []byte) int {
	count, _ := f.WriteOffset(p, 0)
	f.ConsumeWriteBuffer(count)
	return count
}

// WriteOffset copies p at offset bytes past the write cursor without
// advancing it. It returns false when offset lies outside the free space
// and otherwise the number of bytes that fit.
func (f *ByteFIFO) WriteOffset(p []byte, offset int) (int, bool) {
	// 1. reject writes starting outside of the free space
	remaining := f.WriteRemaining()
	if offset < 0 || offset >= remaining {
		return 0, len(p) == 0 && offset == 0
	}

	// 2. make sure the storage can hold the data
	count := min(len(p), remaining-offset)
	if count <= 0 {
		return 0, true
	}
	f.grow(f.buffered + offset + count)

	// 3. copy, possibly wrapping around the end of the storage
	start := (f.readPos + f.buffered + offset) % len(f.buf)
	copied := copy(f.buf[start:], p[:count])
	copy(f.buf, p[copied:count])

	// 4. overwritten bytes can no longer be rewound
	f.rewindable = min(f.rewindable, len(f.buf)-(f.buffered+offset+count))
	return count, true
}

// ConsumeWriteBuffer advances the write cursor by up to count bytes,
// making bytes previously placed with [*ByteFIFO.WriteOffset] readable.
func (f *ByteFIFO) ConsumeWriteBuffer(count int) {
	count = min(max(count, 0), f.WriteRemaining())
	f.grow(f.buffered + count)
	f.buffered += count
	if len(f.buf) > 0 {
		f.rewindable = min(f.rewindable, len(f.buf)-f.buffered)
	}
}

// Read consumes up to len(p) bytes into p and returns the count.
func (f *ByteFIFO) Read(p []byte) int {
	count := f.ReadOffset(p, 0)
	f.ConsumeReadData(count)
	return count
}

// ReadOffset copies up to len(p) bytes starting offset bytes past the
// read cursor without consuming them.
func (f *ByteFIFO) ReadOffset(p []byte, offset int) int {
	if offset < 0 || offset >= f.buffered {
		return 0
	}
	count := min(len(p), f.buffered-offset)
	start := (f.readPos + offset) % len(f.buf)
	copied := copy(p[:count], f.buf[start:])
	copy(p[copied:count], f.buf)
	return count
}

// ConsumeReadData discards up to count readable bytes.
func (f *ByteFIFO) ConsumeReadData(count int) {
	count = min(max(count, 0), f.buffered)
	if count <= 0 {
		return
	}
	f.readPos = (f.readPos + count) % len(f.buf)
	f.buffered -= count
	f.rewindable = min(f.rewindable+count, len(f.buf)-f.buffered)
}

// Rewind moves the read cursor back by up to count already consumed bytes
// that have not been overwritten since, and returns how many bytes became
// readable again.
func (f *ByteFIFO) Rewind(count int) int {
	count = min(max(count, 0), f.rewindable)
	if count <= 0 {
		return 0
	}
	f.readPos = (f.readPos - count + len(f.buf)) % len(f.buf)
	f.buffered += count
	f.rewindable -= count
	return count
}

// Reset discards all the buffered data.
func (f *ByteFIFO) Reset() {
	f.buffered = 0
	f.readPos = 0
	f.rewindable = 0
}

// grow makes sure the storage holds at least size bytes.
func (f *ByteFIFO) grow(size int) {
	if size <= len(f.buf) {
		return
	}
	newSize := max(len(f.buf)*2, byteFIFOInitialSize, size)
	f.relocate(min(newSize, f.capacity))
}

// relocate moves the storage into a new slice of the given size such that
// the read cursor is at index zero. Data beyond size is discarded.
func (f *ByteFIFO) relocate(size int) {
	storage := make([]byte, size)
	if len(f.buf) > 0 {
		copied := copy(storage, f.buf[f.readPos:])
		copy(storage[copied:], f.buf[:f.readPos])
	}
	f.buf = storage
	f.readPos = 0
	f.rewindable = 0
}
