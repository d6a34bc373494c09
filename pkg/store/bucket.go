/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package store

import (
	"bytes"
	"fmt"
	"math/rand"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/riverlog-project/riverlog/pkg/conf"
	"github.com/riverlog-project/riverlog/pkg/model"
)

type bucketizeMode uint8

const (
	bucketizeContextLog bucketizeMode = iota
	bucketizeRandom
	bucketizeKeyHash
	bucketizeKeyModulo
	bucketizeKeyRange
)

const contextLogDelimiter byte = 0x01

type (
	// BucketStore shards a batch across numBuckets+1 children by a key
	// parsed out of each message. Child 0 is the failure bucket for
	// messages that cannot be bucketized: no key, no delimiter, zero
	// id, unparsable id.
	BucketStore struct {
		baseStore
		cfg *conf.Config

		mode        bucketizeMode
		numBuckets  uint64
		delimiter   byte
		bucketRange uint64
		removeKey   bool

		children []Store
		rng      *rand.Rand
	}
)

func init() {
	register("bucket", func(f *Factory, category string, multiCategory bool) Store {
		return &BucketStore{baseStore: newBaseStore(f, "bucket", category, multiCategory)}
	})
}

func (s *BucketStore) Configure(cfg *conf.Config) {
	s.cfg = cfg

	num, ok := cfg.GetUnsigned("num_buckets")
	if !ok || num == 0 {
		s.setStatus("bucket store requires num_buckets")
		return
	}
	s.numBuckets = num

	switch mode := cfg.GetStringOr("bucket_type", "key_hash"); mode {
	case "context_log":
		s.mode = bucketizeContextLog
	case "random":
		s.mode = bucketizeRandom
	case "key_hash":
		s.mode = bucketizeKeyHash
	case "key_modulo":
		s.mode = bucketizeKeyModulo
	case "key_range":
		s.mode = bucketizeKeyRange
	default:
		s.setStatus(fmt.Sprintf("invalid bucket_type %q", mode))
		return
	}

	delimiter := cfg.GetStringOr("delimiter", ":")
	if len(delimiter) != 1 {
		s.setStatus("delimiter must be a single byte")
		return
	}
	s.delimiter = delimiter[0]
	if s.mode == bucketizeContextLog {
		s.delimiter = contextLogDelimiter
	}

	s.bucketRange = cfg.GetUnsignedOr("bucket_range", 0)
	if s.mode == bucketizeKeyRange && s.bucketRange == 0 {
		s.setStatus("key_range bucketizing requires bucket_range")
		return
	}

	s.removeKey = cfg.GetBoolOr("remove_key", false)
	if s.removeKey && s.mode == bucketizeContextLog {
		// the key is part of the payload in context logs
		s.setStatus("remove_key is not allowed with context_log bucketizing")
		return
	}

	s.rng = rand.New(rand.NewSource(int64(xxhash.Sum64String(s.category))))

	if err := s.buildChildren(cfg); err != nil {
		s.setStatus(err.Error())
	}
}

// buildChildren accepts either numBuckets+1 explicit <bucketN>
// sub-configs or one <bucket> template auto-numbered via bucket_subdir.
func (s *BucketStore) buildChildren(cfg *conf.Config) error {
	total := int(s.numBuckets) + 1

	if template, ok := cfg.GetStore("bucket"); ok {
		subdir, ok := cfg.GetString("bucket_subdir")
		if !ok {
			return fmt.Errorf("bucket template requires bucket_subdir")
		}
		offset := cfg.GetIntOr("bucket_offset", 0)
		failureName := cfg.GetStringOr("failure_bucket", "")
		for i := 0; i < total; i++ {
			sub := template.Copy()
			name := fmt.Sprintf("%s%03d", subdir, int64(i)+offset)
			if i == 0 && failureName != "" {
				name = failureName
			}
			if path, ok := sub.GetString("file_path"); ok {
				sub.Set("file_path", path+"/"+name)
			} else {
				sub.Set("sub_directory", name)
			}
			child, err := s.factory.buildChild(sub, s.category, s.multiCategory)
			if err != nil {
				return err
			}
			s.children = append(s.children, child)
		}
		return nil
	}

	for i := 0; i < total; i++ {
		sub, ok := cfg.GetStore(fmt.Sprintf("bucket%d", i))
		if !ok {
			return fmt.Errorf("bucket store requires bucket0..bucket%d or a bucket template", s.numBuckets)
		}
		child, err := s.factory.buildChild(sub, s.category, s.multiCategory)
		if err != nil {
			return err
		}
		s.children = append(s.children, child)
	}
	return nil
}

// bucketize picks the child index for a message. 0 means the failure
// bucket.
func (s *BucketStore) bucketize(message []byte) uint64 {
	switch s.mode {
	case bucketizeRandom:
		return uint64(s.rng.Int63())%s.numBuckets + 1

	case bucketizeContextLog:
		key, ok := contextLogKey(message)
		if !ok {
			return 0
		}
		// ids are 32-bit; hash them so neighboring ids spread across
		// buckets instead of landing modulo-adjacent
		id := uint32(key)
		if id == 0 {
			return 0
		}
		return hashContextLogID(id)%s.numBuckets + 1

	case bucketizeKeyHash:
		prefix, ok := keyPrefix(message, s.delimiter)
		if !ok || len(prefix) == 0 {
			return 0
		}
		return xxhash.Sum64(prefix)%s.numBuckets + 1

	case bucketizeKeyModulo:
		n, ok := numericKey(message, s.delimiter)
		if !ok || n == 0 {
			return 0
		}
		return n%s.numBuckets + 1

	case bucketizeKeyRange:
		n, ok := numericKey(message, s.delimiter)
		if !ok || n == 0 {
			return 0
		}
		return uint64(float64(n%s.bucketRange)/float64(s.bucketRange)*float64(s.numBuckets)) + 1
	}
	return 0
}

// hashContextLogID hashes a numeric context-log id. Plain modulo would
// make this key_modulo in disguise.
func hashContextLogID(id uint32) uint64 {
	return xxhash.Sum64String(strconv.FormatUint(uint64(id), 10))
}

// keyPrefix returns the bytes before the first delimiter.
func keyPrefix(message []byte, delimiter byte) ([]byte, bool) {
	idx := bytes.IndexByte(message, delimiter)
	if idx < 0 {
		return nil, false
	}
	return message[:idx], true
}

func numericKey(message []byte, delimiter byte) (uint64, bool) {
	prefix, ok := keyPrefix(message, delimiter)
	if !ok || len(prefix) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(string(prefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// contextLogKey parses the ASCII id found after the third delimiter
// byte of a context log line.
func contextLogKey(message []byte) (uint64, bool) {
	rest := message
	for i := 0; i < 3; i++ {
		idx := bytes.IndexByte(rest, contextLogDelimiter)
		if idx < 0 {
			return 0, false
		}
		rest = rest[idx+1:]
	}
	end := bytes.IndexByte(rest, contextLogDelimiter)
	if end >= 0 {
		rest = rest[:end]
	}
	if len(rest) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(string(rest), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// stripKey drops the prefix up to and including the first delimiter.
func stripKey(message []byte, delimiter byte) []byte {
	idx := bytes.IndexByte(message, delimiter)
	if idx < 0 {
		return message
	}
	return message[idx+1:]
}

func (s *BucketStore) Open() bool {
	ok := true
	for _, child := range s.children {
		ok = child.Open() && ok
	}
	return ok
}

func (s *BucketStore) Close() {
	for _, child := range s.children {
		child.Close()
	}
}

func (s *BucketStore) IsOpen() bool {
	for _, child := range s.children {
		if !child.IsOpen() {
			return false
		}
	}
	return len(s.children) > 0
}

func (s *BucketStore) Flush() {
	for _, child := range s.children {
		child.Flush()
	}
}

// HandleMessages partitions the batch by bucket, dispatches one
// sub-batch per child and collects residuals back into the input.
func (s *BucketStore) HandleMessages(batch *model.LogBatch) bool {
	if len(s.children) == 0 {
		s.setStatus("bucket store has no children")
		return false
	}

	partitions := make([]model.LogBatch, len(s.children))
	for _, entry := range *batch {
		bucket := s.bucketize(entry.Message)
		if s.removeKey && bucket != 0 {
			entry = model.NewLogEntry(entry.Category, stripKey(entry.Message, s.delimiter))
		}
		partitions[bucket] = append(partitions[bucket], entry)
	}

	var residual model.LogBatch
	ok := true
	for bucket, part := range partitions {
		if len(part) == 0 {
			continue
		}
		if !s.children[bucket].HandleMessages(&part) {
			ok = false
			residual = append(residual, part...)
		}
	}
	*batch = residual
	return ok
}

func (s *BucketStore) PeriodicCheck() {
	for _, child := range s.children {
		child.PeriodicCheck()
	}
}

func (s *BucketStore) Copy(category string) Store {
	return s.factory.copyStore("bucket", category, s.multiCategory, s.cfg)
}
