/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver()
	r.Put("logs", Endpoint{Host: "a", Port: 1463}, Endpoint{Host: "b", Port: 1464})

	endpoints, err := r.Resolve("logs", "")
	require.NoError(t, err)
	assert.Len(t, endpoints, 2)

	_, err = r.Resolve("unknown", "")
	assert.Error(t, err)
}

type countingResolver struct {
	inner *StaticResolver
	calls int
}

func (c *countingResolver) Resolve(service, options string) ([]Endpoint, error) {
	c.calls++
	return c.inner.Resolve(service, options)
}

func TestCachedResolver(t *testing.T) {
	inner := NewStaticResolver()
	inner.Put("logs", Endpoint{Host: "a", Port: 1})
	counting := &countingResolver{inner: inner}
	cached := NewCachedResolver(counting, time.Hour)

	for i := 0; i < 5; i++ {
		_, err := cached.Resolve("logs", "")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, counting.calls)

	// errors are not cached
	_, err := cached.Resolve("unknown", "")
	assert.Error(t, err)
	_, err = cached.Resolve("unknown", "")
	assert.Error(t, err)
	assert.Equal(t, 3, counting.calls)
}

func TestCoordinationPath(t *testing.T) {
	assert.True(t, IsCoordinationPath("zk://zk1:2181/services/logs"))
	assert.False(t, IsCoordinationPath("upstream.example.com"))

	ensemble, path, err := ParseCoordinationPath("zk://zk1:2181/services/logs")
	require.NoError(t, err)
	assert.Equal(t, "zk1:2181", ensemble)
	assert.Equal(t, "/services/logs", path)

	_, _, err = ParseCoordinationPath("zk://broken")
	assert.Error(t, err)
}
