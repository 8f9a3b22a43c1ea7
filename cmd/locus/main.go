// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command locus inspects locus configurations and the resources of
// the hosts they describe.
package main

import (
	"os"
)

var configFile = os.ExpandEnv("$HOME/.locus/config.yaml")

func main() {
	cmd := &Cmd{
		DefaultConfigFile: configFile,
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	}
	cmd.Main(os.Args[1:])
}
