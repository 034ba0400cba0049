package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/andreiw/pvp/internal/bootstrap"
	"github.com/andreiw/pvp/internal/cli"
	"github.com/andreiw/pvp/internal/execloop"
	"github.com/andreiw/pvp/internal/log"
	"github.com/andreiw/pvp/internal/monerr"
	"github.com/andreiw/pvp/internal/pmem"
)

// run is the "pvp run" sub-command: it bootstraps a Monitor from a
// loader image and device tree, then drives it with the execution
// loop until the guest shuts down or the process is interrupted.
//
// Grounded on the teacher's internal/cli/cmd/exec.go, which starts a
// goroutine owning the simulated machine and cancels it from a
// context tied to the process's signal handling.
type run struct {
	fs *flag.FlagSet

	loader  string
	fdt     string
	ramMiB  uint
	little  bool
	console string
	debug   string
}

var _ cli.Command = (*run)(nil)

func (r *run) Description() string {
	return "boot and run a PowerPC guest under the monitor"
}

func (r *run) FlagSet() *cli.FlagSet {
	return r.fs
}

func (r *run) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `run [option]...

Boots a guest loader image against a flattened device tree and runs it
until it shuts down or the process receives an interrupt.`)

	return err
}

func (r *run) Run(ctx context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	cfg := bootstrap.Config{
		RAMSize:      pmem.Length(r.ramMiB << 20),
		LittleEndian: r.little,
		LoaderPath:   r.loader,
		FDTPath:      r.fdt,
		ConsoleAddr:  r.console,
		DebugAddr:    r.debug,
	}

	m, err := bootstrap.New(cfg, logger)
	if err != nil {
		logger.Error("bootstrap failed", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loop := execloop.New(m, logger)

	err = loop.Run(ctx)

	switch {
	case err == nil, err == monerr.ErrShutdown:
		fmt.Fprintln(out, "guest shut down")
		return 0
	case err == context.Canceled:
		fmt.Fprintln(out, "interrupted")
		return 0
	default:
		logger.Error("execution loop stopped", "err", err)
		return 1
	}
}

// Run creates the "run" command.
func Run() *run {
	r := &run{}

	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.StringVar(&r.loader, "loader", "loader.img", "path to the guest loader image")
	fs.StringVar(&r.fdt, "F", "pvp.dtb", "path to the flattened device tree blob")
	fs.UintVar(&r.ramMiB, "ram", 64, "guest RAM size, in MiB")
	fs.BoolVar(&r.little, "L", false, "run the guest little-endian")
	fs.StringVar(&r.console, "console", "", "guest console TCP listen address (empty disables it)")
	fs.StringVar(&r.debug, "debug", "", "monitor debugger TCP listen address (empty disables it)")
	r.fs = fs

	return r
}
