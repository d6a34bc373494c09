/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package wire

import (
	"bytes"
	"testing"

	"github.com/riverlog-project/riverlog/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchRoundTrip(t *testing.T) {
	batch := model.LogBatch{
		model.NewStringLogEntry("web", "GET /index\n"),
		model.NewLogEntry("binary", []byte{0, 1, '\n', 2, 0xff}),
		model.NewStringLogEntry("empty", ""),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteBatch(&buf, batch))

	decoded, err := ReadBatch(&buf)
	require.NoError(t, err)
	require.Len(t, decoded, len(batch))
	for i := range batch {
		assert.Equal(t, batch[i].Category, decoded[i].Category)
		assert.Equal(t, batch[i].Message, decoded[i].Message)
	}
}

func TestEmptyBatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBatch(&buf, nil))
	decoded, err := ReadBatch(&buf)
	require.NoError(t, err)
	assert.Len(t, decoded, 0)
}

func TestAckRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteAck(&buf, 42, AckTryLater))
	seq, code, err := ReadAck(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, 42, seq)
	assert.Equal(t, AckTryLater, code)
}

func TestReadBatchRejectsGarbage(t *testing.T) {
	_, err := ReadBatch(bytes.NewReader([]byte("xx....")))
	assert.Error(t, err)
}

func TestReadBatchRejectsHugeWindow(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{Version, frameWindow, 0xff, 0xff, 0xff, 0xff})
	_, err := ReadBatch(&buf)
	assert.Error(t, err)
}
