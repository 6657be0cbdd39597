package main

import (
	"os"

	"github.com/happyfish020/MarketMonitor-sub001/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.GetExitCode(err))
	}
}
