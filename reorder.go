// SPDX-License-Identifier: GPL-3.0-or-later

package pseudotcp

import "github.com/google/btree"

// recvSegment is an out-of-order range already written into
// the receive buffer past the write cursor.
type recvSegment struct {
	seq    uint32
	length uint32
}

// end returns the sequence number following the segment.
func (s recvSegment) end() uint32 {
	return s.seq + s.length
}

// reorderList tracks out-of-order segments ordered by sequence number.
//
// Entries always lie within the receive window, so comparing them
// with serial number arithmetic yields a total order.
type reorderList struct {
	tree *btree.BTreeG[recvSegment]
}

// reorderListDegree is the degree of the underlying B-tree.
const reorderListDegree = 8

func newReorderList() *reorderList {
	less := func(a, b recvSegment) bool {
		return seqLT(a.seq, b.seq)
	}
	return &reorderList{tree: btree.NewG(reorderListDegree, less)}
}

// insert adds seg, keeping the longest entry when two share the same seq.
func (l *reorderList) insert(seg recvSegment) {
	if old, found := l.tree.Get(seg); found && old.length >= seg.length {
		return
	}
	l.tree.ReplaceOrInsert(seg)
}

// popCovered removes and returns the first segment when it starts at
// or before rcvNxt, that is, when it is contiguous with the stream.
func (l *reorderList) popCovered(rcvNxt uint32) (recvSegment, bool) {
	first, found := l.tree.Min()
	if !found || seqGT(first.seq, rcvNxt) {
		return recvSegment{}, false
	}
	l.tree.DeleteMin()
	return first, true
}

// len returns the number of segments.
func (l *reorderList) len() int {
	return l.tree.Len()
}
