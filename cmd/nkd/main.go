package main

import (
	"os"

	"github.com/nucleo-dbg/nkd/cmd/nkd/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
