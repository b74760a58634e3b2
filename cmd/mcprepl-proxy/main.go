// Command mcprepl-proxy is the MCP REPL proxy's CLI entry point.
package main

import (
	"os"

	"github.com/stacklok/mcprepl-proxy/cmd/mcprepl-proxy/app"
	"github.com/stacklok/mcprepl-proxy/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(app.ExitCodeFor(err))
	}
}
