package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/projecteru2/burrow/cmd"
	cmdtaphelper "github.com/projecteru2/burrow/cmd/taphelper"
)

func main() {
	if filepath.Base(os.Args[0]) == cmdtaphelper.Name {
		os.Exit(cmdtaphelper.Execute())
	}
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, cmdtaphelper.ErrReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
