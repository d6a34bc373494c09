/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

//go:build !linux && !darwin

package util

import "os"

func GetInode(stat os.FileInfo) uint64 {
	return 0
}
