/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

// Package wire implements the framed batch protocol spoken between
// riverlog peers. A batch is a window frame announcing the entry count
// followed by one data frame per entry; the receiver answers with a
// single ack naming the last sequence it took responsibility for.
//
// All integers are big-endian. Frames are tagged with the protocol
// version byte and a frame type byte.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/riverlog-project/riverlog/pkg/model"
)

const (
	Version byte = '2'

	frameWindow byte = 'W'
	frameData   byte = 'D'
	frameAck    byte = 'A'

	// AckOK acknowledges the whole window. AckTryLater tells the
	// sender to keep the batch and retry later.
	AckOK       byte = 0
	AckTryLater byte = 1

	// MaxEntrySize bounds a single category or message field so a
	// corrupt length prefix cannot drive an allocation storm.
	MaxEntrySize = 16 * 1024 * 1024
	// MaxWindowSize bounds the entry count of one window.
	MaxWindowSize = 1 << 20
)

var ErrTryLater = errors.New("peer asked to retry later")

// WriteBatch writes a window frame plus one data frame per entry.
func WriteBatch(w io.Writer, batch model.LogBatch) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.Write([]byte{Version, frameWindow}); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.BigEndian, uint32(len(batch))); err != nil {
		return err
	}
	for i, entry := range batch {
		if _, err := bw.Write([]byte{Version, frameData}); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.BigEndian, uint32(i+1)); err != nil {
			return err
		}
		if err := writeField(bw, []byte(entry.Category)); err != nil {
			return err
		}
		if err := writeField(bw, entry.Message); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadBatch reads one window and its data frames.
func ReadBatch(r io.Reader) (model.LogBatch, error) {
	version, frame, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if version != Version || frame != frameWindow {
		return nil, errors.Errorf("unexpected frame %q %q, want window", version, frame)
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	if count > MaxWindowSize {
		return nil, errors.Errorf("window size %d exceeds limit", count)
	}

	batch := make(model.LogBatch, 0, count)
	for i := uint32(0); i < count; i++ {
		version, frame, err := readHeader(r)
		if err != nil {
			return nil, err
		}
		if version != Version || frame != frameData {
			return nil, errors.Errorf("unexpected frame %q %q, want data", version, frame)
		}
		var seq uint32
		if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
			return nil, err
		}
		category, err := readField(r)
		if err != nil {
			return nil, err
		}
		message, err := readField(r)
		if err != nil {
			return nil, err
		}
		batch = append(batch, model.NewLogEntry(string(category), message))
	}
	return batch, nil
}

// WriteAck acknowledges sequence seq with the given code.
func WriteAck(w io.Writer, seq uint32, code byte) error {
	buf := make([]byte, 0, 7)
	buf = append(buf, Version, frameAck)
	buf = binary.BigEndian.AppendUint32(buf, seq)
	buf = append(buf, code)
	_, err := w.Write(buf)
	return err
}

// ReadAck reads the ack frame for the window just written.
func ReadAck(r io.Reader) (uint32, byte, error) {
	version, frame, err := readHeader(r)
	if err != nil {
		return 0, 0, err
	}
	if version != Version || frame != frameAck {
		return 0, 0, errors.Errorf("unexpected frame %q %q, want ack", version, frame)
	}
	var seq uint32
	if err := binary.Read(r, binary.BigEndian, &seq); err != nil {
		return 0, 0, err
	}
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return 0, 0, err
	}
	return seq, code[0], nil
}

func readHeader(r io.Reader) (byte, byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, 0, err
	}
	return header[0], header[1], nil
}

func writeField(w io.Writer, field []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(field))); err != nil {
		return err
	}
	_, err := w.Write(field)
	return err
}

func readField(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxEntrySize {
		return nil, errors.Errorf("field size %d exceeds limit", length)
	}
	field := make([]byte, length)
	if _, err := io.ReadFull(r, field); err != nil {
		return nil, err
	}
	return field, nil
}
