/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package stat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounterAccumulates(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Counter("tail good")
	c.Inc("web")
	c.Add("web", 4)
	c.Add("app", 2)
	c.Add("app", 0)

	assert.EqualValues(t, 5, c.Get("web"))
	assert.EqualValues(t, 2, c.Get("app"))
	assert.EqualValues(t, 0, c.Get("missing"))
}

func TestCounterReuseByName(t *testing.T) {
	m := NewManager(time.Minute)
	a := m.Counter("lost")
	b := m.Counter("lost")
	assert.Same(t, a, b)
}

func TestStatLineFormat(t *testing.T) {
	m := NewManager(time.Minute)
	c := m.Counter("retries")
	assert.Equal(t, "", c.statLine())

	c.Add("web", 3)
	c.Add("app", 1)
	assert.Equal(t, "retries app=1 web=3", c.statLine())
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "tail_good", sanitize("tail good"))
	assert.Equal(t, "denied_for_queue_size", sanitize("denied for queue size"))
}
