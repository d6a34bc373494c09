/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package util

import (
	"os"
	"runtime"
)

var isLinux = runtime.GOOS == "linux"

func IsLinux() bool {
	return isLinux
}

func GetEnvOrDefault(name, defaultValue string) string {
	s := os.Getenv(name)
	if s == "" {
		s = defaultValue
	}
	return s
}

// Hostname is os.Hostname with a stable fallback for chroot-ed
// environments where uname is unavailable.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}
