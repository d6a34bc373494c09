/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package store

import (
	"testing"

	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func multiConfig(reportSuccess string) *conf.Config {
	cfg := conf.New().Set("report_success", reportSuccess)
	cfg.SetChild("store0", conf.New().Set("type", "mem").Set("name", "m0"))
	cfg.SetChild("store1", conf.New().Set("type", "mem").Set("name", "m1"))
	return cfg
}

func TestMultiFanOut(t *testing.T) {
	resetMemStores()
	s, err := newTestFactory().BuildStore("multi", "cat", false, multiConfig("all"))
	require.NoError(t, err)
	require.True(t, s.Open())

	batch := stringBatch("cat", "a", "b")
	require.True(t, s.HandleMessages(&batch))
	assert.Len(t, batch, 0)

	assert.Equal(t, []string{"a", "b"}, messageStrings(getMemStore("m0").entries()))
	assert.Equal(t, []string{"a", "b"}, messageStrings(getMemStore("m1").entries()))
}

// every child sees every batch even when an earlier child fails
func TestMultiDeliversDespiteFailure(t *testing.T) {
	resetMemStores()
	s, err := newTestFactory().BuildStore("multi", "cat", false, multiConfig("all"))
	require.NoError(t, err)
	require.True(t, s.Open())
	getMemStore("m0").setFailing(true)

	batch := stringBatch("cat", "a", "b")
	assert.False(t, s.HandleMessages(&batch))
	// the whole batch stays with the caller
	assert.Len(t, batch, 2)

	assert.Equal(t, []string{"a", "b"}, messageStrings(getMemStore("m1").entries()))
}

func TestMultiReportSuccessAny(t *testing.T) {
	resetMemStores()
	s, err := newTestFactory().BuildStore("multi", "cat", false, multiConfig("any"))
	require.NoError(t, err)
	require.True(t, s.Open())
	getMemStore("m0").setFailing(true)

	batch := stringBatch("cat", "a")
	assert.True(t, s.HandleMessages(&batch))
	assert.Len(t, batch, 0)

	getMemStore("m1").setFailing(true)
	batch = stringBatch("cat", "b")
	assert.False(t, s.HandleMessages(&batch))
	assert.Len(t, batch, 1)
}

func TestMultiRejectsUnknownReportSuccess(t *testing.T) {
	_, err := newTestFactory().BuildStore("multi", "cat", false, multiConfig("some"))
	assert.Error(t, err)
}

func TestMultiRequiresChildren(t *testing.T) {
	_, err := newTestFactory().BuildStore("multi", "cat", false, conf.New())
	assert.Error(t, err)
}
