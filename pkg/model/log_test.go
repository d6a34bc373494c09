/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchSize(t *testing.T) {
	batch := LogBatch{
		NewStringLogEntry("a", "12345"),
		NewStringLogEntry("b", ""),
		NewLogEntry("c", []byte{1, 2, 3}),
	}
	assert.EqualValues(t, 8, batch.Size())
}

func TestBatchCopySharesEntries(t *testing.T) {
	batch := LogBatch{NewStringLogEntry("a", "x")}
	cpy := batch.Copy()
	cpy = cpy[:0]
	assert.Len(t, batch, 1)
	assert.Len(t, cpy, 0)
}

func TestTrimHandled(t *testing.T) {
	batch := LogBatch{
		NewStringLogEntry("a", "0"),
		NewStringLogEntry("a", "1"),
		NewStringLogEntry("a", "2"),
	}
	batch.TrimHandled(2)
	assert.Len(t, batch, 1)
	assert.Equal(t, []byte("2"), batch[0].Message)

	batch.TrimHandled(5)
	assert.Len(t, batch, 0)

	batch.TrimHandled(-1)
	assert.Len(t, batch, 0)
}
