/*
 * Copyright 2023 Riverlog Project Authors. Licensed under Apache-2.0.
 */

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/riverlog-project/riverlog/pkg/bootstrap"
)

// daemon entry
func main() {
	configPath := flag.String("config", "riverlogd.toml", "daemon config file")
	flag.Parse()

	if err := bootstrap.Bootstrap(*configPath); err != nil {
		fmt.Printf("bootstrap error %+v\n", err)
		os.Exit(1)
	}
}
