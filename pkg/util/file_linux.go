/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package util

import (
	"os"
	"syscall"
)

func GetInode(stat os.FileInfo) uint64 {
	if sys, ok := stat.Sys().(*syscall.Stat_t); ok {
		return sys.Ino
	}
	return 0
}
