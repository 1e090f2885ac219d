// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// authnzctl checks provider configuration files and starts logins from the
// command line.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}
