// SPDX-FileCopyrightText: 2026 The meshwire Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwire/meshwire/wire"
)

func TestTrackerAddTake(t *testing.T) {
	assert := assert.New(t)

	var tr tracker

	tr.add(wire.Request{ID: 1, Method: "a"}, nil)
	tr.add(wire.Request{ID: 2, Method: "b"}, nil)
	assert.Equal(2, tr.size())

	o, ok := tr.take(1)
	require.True(t, ok)
	assert.Equal("a", o.req.Method)
	assert.Equal(1, tr.size())

	// a second take of the same id finds nothing
	_, ok = tr.take(1)
	assert.False(ok)

	// unknown ids find nothing
	_, ok = tr.take(99)
	assert.False(ok)
}

func TestTrackerDrainOrder(t *testing.T) {
	assert := assert.New(t)

	var tr tracker

	// insertion order must survive the map
	for _, id := range []uint32{5, 1, 9, 3} {
		tr.add(wire.Request{ID: id}, nil)
	}

	drained := tr.drain()
	require.Len(t, drained, 4)
	assert.Equal(uint32(5), drained[0].id)
	assert.Equal(uint32(1), drained[1].id)
	assert.Equal(uint32(9), drained[2].id)
	assert.Equal(uint32(3), drained[3].id)

	assert.Zero(tr.size())
	assert.Empty(tr.drain())
}

func TestTrackerAttachTimer(t *testing.T) {
	assert := assert.New(t)

	var tr tracker

	tr.add(wire.Request{ID: 7}, nil)
	tr.attachTimer(7, nil)

	o, ok := tr.take(7)
	require.True(t, ok)
	assert.Nil(o.timer)

	// attaching to a missing entry is a no-op
	tr.attachTimer(8, nil)
}
