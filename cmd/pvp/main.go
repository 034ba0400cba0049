// cmd/pvp is the command-line interface to pvp, a monitor that hosts a
// 32-bit PowerPC guest atop a software hypervisor facade and emulates
// an IEEE-1275 Open Firmware client interface for its boot loader.
package main

import (
	"context"
	"os"

	"github.com/andreiw/pvp/internal/cli"
	"github.com/andreiw/pvp/internal/cli/cmd"
)

var (
	commands = []cli.Command{
		cmd.Run(),
	}
)

// Entry point.
func main() {
	result :=
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:])

	os.Exit(result)
}
