// SPDX-License-Identifier: GPL-3.0-or-later

package pseudotcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTTEstimator(t *testing.T) {
	t.Run("first sample", func(t *testing.T) {
		r := newRTTEstimator(3*time.Second, 250*time.Millisecond, 60*time.Second)
		assert.Equal(t, 3*time.Second, r.rto)
		r.sample(100 * time.Millisecond)
		assert.Equal(t, 100*time.Millisecond, r.srtt)
		assert.Equal(t, 50*time.Millisecond, r.rttvar)
		assert.Equal(t, 300*time.Millisecond, r.rto)
	})

	t.Run("smoothing", func(t *testing.T) {
		r := newRTTEstimator(3*time.Second, 10*time.Millisecond, 60*time.Second)
		r.sample(100 * time.Millisecond)
		r.sample(200 * time.Millisecond)
		// rttvar = (3*50 + 100) / 4, srtt = (7*100 + 200) / 8
		assert.Equal(t, 62500*time.Microsecond, r.rttvar)
		assert.Equal(t, 112500*time.Microsecond, r.srtt)
		assert.Equal(t, 362500*time.Microsecond, r.rto)
	})

	t.Run("clamping", func(t *testing.T) {
		r := newRTTEstimator(time.Second, 250*time.Millisecond, 2*time.Second)
		r.sample(time.Millisecond)
		assert.Equal(t, 250*time.Millisecond, r.rto)
		r.sample(10 * time.Second)
		assert.Equal(t, 2*time.Second, r.rto)
	})

	t.Run("negative samples are ignored", func(t *testing.T) {
		r := newRTTEstimator(time.Second, 250*time.Millisecond, 2*time.Second)
		r.sample(-time.Millisecond)
		assert.Equal(t, time.Second, r.rto)
		assert.Zero(t, r.srtt)
	})

	t.Run("backoff", func(t *testing.T) {
		r := newRTTEstimator(time.Second, 250*time.Millisecond, 60*time.Second)
		r.backoff(3 * time.Second)
		assert.Equal(t, 2*time.Second, r.rto)
		r.backoff(3 * time.Second)
		assert.Equal(t, 3*time.Second, r.rto)
		r.backoff(3 * time.Second)
		assert.Equal(t, 3*time.Second, r.rto)
	})
}

func TestSegmentKindFlags(t *testing.T) {
	assert.Equal(t, Flags(0), kindData.flags())
	assert.Equal(t, FlagCtl, kindConnect.flags())
	assert.Equal(t, FlagFin, kindFin.flags())
}

func TestSendQueue(t *testing.T) {
	t.Run("enqueue merges unsent data", func(t *testing.T) {
		var q sendQueue
		assert.True(t, q.empty())
		q.enqueue(0, 4, kindConnect)
		q.enqueue(4, 100, kindData)
		q.enqueue(104, 50, kindData)
		require.Len(t, q.segs, 2)
		assert.Equal(t, sendSegment{seq: 4, length: 150, kind: kindData}, q.segs[1])

		q.segs[1].xmit = 1
		q.enqueue(154, 10, kindData)
		q.enqueue(164, 1, kindFin)
		q.enqueue(165, 10, kindData)
		require.Len(t, q.segs, 5)
		assert.Equal(t, kindFin, q.segs[3].kind)
	})

	t.Run("split", func(t *testing.T) {
		q := sendQueue{segs: []sendSegment{{seq: 0, length: 100, xmit: 2}, {seq: 100, length: 10}}}
		q.split(0, 40)
		require.Len(t, q.segs, 3)
		assert.Equal(t, sendSegment{seq: 0, length: 40, xmit: 2}, q.segs[0])
		assert.Equal(t, sendSegment{seq: 40, length: 60, xmit: 2}, q.segs[1])
		assert.Equal(t, sendSegment{seq: 100, length: 10}, q.segs[2])

		q.split(2, 10)
		q.split(2, 20)
		assert.Len(t, q.segs, 3)
	})

	t.Run("acknowledge", func(t *testing.T) {
		q := sendQueue{segs: []sendSegment{
			{seq: 0, length: 10, xmit: 1},
			{seq: 10, length: 30, xmit: 1},
			{seq: 40, length: 20, xmit: 1},
		}}
		assert.Equal(t, uint32(30), q.acknowledge(45))
		require.Len(t, q.segs, 1)
		assert.Equal(t, sendSegment{seq: 45, length: 15, xmit: 1}, q.segs[0])
		assert.Equal(t, uint32(0), q.acknowledge(5))
		assert.Equal(t, uint32(50), q.segs[0].seq)
		assert.Equal(t, uint32(10), q.acknowledge(10))
		assert.True(t, q.empty())
	})

	t.Run("firstUnsent", func(t *testing.T) {
		q := sendQueue{segs: []sendSegment{{seq: 0, length: 10, xmit: 1}, {seq: 10, length: 10}}}
		idx, found := q.firstUnsent()
		assert.True(t, found)
		assert.Equal(t, 1, idx)
		q.segs[1].xmit = 1
		_, found = q.firstUnsent()
		assert.False(t, found)
	})
}
