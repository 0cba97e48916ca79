package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tphakala/sentinel-console/cmd"
	"github.com/tphakala/sentinel-console/internal/buildinfo"
	"github.com/tphakala/sentinel-console/internal/console"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=...".
var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	ctx := console.NewContext(buildinfo.New(version, buildDate))

	rootCmd := cmd.RootCommand(ctx)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "sentinel: %v\n", err)
		os.Exit(1)
	}
}
