// Package main provides the entry point for the annexwatch CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/annexwatch/cmd/annexwatch/cmd"
	awerrors "github.com/Aman-CERP/annexwatch/internal/errors"
)

func main() {
	os.Exit(awerrors.ExitCode(cmd.Execute()))
}
