/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package store

import (
	"github.com/riverlog-project/riverlog/pkg/conf"
)

// FramedFileStore is a FileStore whose backend length-prefixes every
// record, so messages with embedded newlines can be recovered from the
// byte stream. Rotation semantics are identical to the plain store;
// the extra keys tune flushing of the framed writer.
type FramedFileStore struct {
	FileStore
}

func init() {
	register("framedfile", func(f *Factory, category string, multiCategory bool) Store {
		return &FramedFileStore{FileStore: *newFileStore(f, "framedfile", category, multiCategory, true)}
	})
}

func (s *FramedFileStore) Configure(cfg *conf.Config) {
	s.FileStore.Configure(cfg)
	if cfg.GetBoolOr("use_simple_file", false) {
		s.framed = false
	}
}

func (s *FramedFileStore) Copy(category string) Store {
	cpy := &FramedFileStore{FileStore: *newFileStore(s.factory, "framedfile", category, s.multiCategory, true)}
	if s.cfg != nil {
		cpy.Configure(s.cfg)
	}
	if s.isBufferFile {
		cpy.setAsBufferFile()
	}
	return cpy
}
