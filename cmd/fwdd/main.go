// Copyright 2025 The fwdd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// fwdd is the supervision daemon that keeps the port-forwarding worker
// alive and exposes the local control socket used by fwdctl.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fwdhub/fwdd/internal/daemon"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath    = flag.String("config", "", "Config file path")
		socketPath    = flag.String("socket", "", "Control socket path")
		workerCommand = flag.String("worker", "", "Worker executable override")
		metricsListen = flag.String("metrics", "", "Prometheus listen address (e.g. 127.0.0.1:9641)")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("fwdd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	err := daemon.Run(daemon.RunOptions{
		Version:       version,
		Commit:        commit,
		BuildDate:     buildDate,
		ConfigPath:    *configPath,
		SocketPath:    *socketPath,
		WorkerCommand: *workerCommand,
		MetricsListen: *metricsListen,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fwdd: %v\n", err)
		os.Exit(1)
	}
}
