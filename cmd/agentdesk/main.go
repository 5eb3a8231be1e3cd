package main

import (
	"os"

	"github.com/oremus-labs/agentdesk/internal/agentcli"
)

var version = "dev"

func main() {
	agentcli.Version = version
	if err := agentcli.Execute(); err != nil {
		os.Exit(1)
	}
}
