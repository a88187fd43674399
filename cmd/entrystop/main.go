package main

import (
	"os"

	"github.com/go-delve/entrystop/cmd/entrystop/cmds"
	"github.com/go-delve/entrystop/pkg/debugdetect"
	"github.com/go-delve/entrystop/pkg/proc/native"
)

// A child started by "entrystop launch" runs this binary again and
// never returns from here.
func init() {
	native.MaybeCooperate()
}

func main() {
	debugdetect.Init()
	if err := cmds.New(os.Args[1:]).Execute(); err != nil {
		os.Exit(1)
	}
}
