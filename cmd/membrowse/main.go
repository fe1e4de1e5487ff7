package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/membrowse/membrowse-action/cmd/membrowse/cmds"
	"github.com/membrowse/membrowse-action/pkg/version"
)

func main() {
	if buildInfo, ok := debug.ReadBuildInfo(); ok && buildInfo.Main.Version != "" && buildInfo.Main.Version != "(devel)" {
		version.MembrowseVersion.Build = buildInfo.Main.Version
	}
	if err := cmds.New().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
