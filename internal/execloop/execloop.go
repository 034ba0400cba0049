// Package execloop drives the single-goroutine dispatch loop: run the
// hypervisor facade until it exits, then route the exit to the page
// fault handler, the instruction emulator, or the CIF, polling the
// debugger for run-control commands between iterations.
//
// Grounded on the teacher's internal/vm/exec.go (Run/Step shape) and
// spec.md §5.
package execloop

import (
	"context"

	"github.com/andreiw/pvp/internal/bootstrap"
	"github.com/andreiw/pvp/internal/emulator"
	"github.com/andreiw/pvp/internal/guest"
	"github.com/andreiw/pvp/internal/log"
	"github.com/andreiw/pvp/internal/monerr"
	"github.com/andreiw/pvp/internal/pmem"
	"github.com/andreiw/pvp/internal/vmm"
)

// Loop owns the single goroutine that steps the guest.
type Loop struct {
	m   *bootstrap.Monitor
	log *log.Logger
}

// New creates a Loop over an already-bootstrapped Monitor.
func New(m *bootstrap.Monitor, logger *log.Logger) *Loop {
	return &Loop{m: m, log: logger}
}

// Run steps the guest until ctx is canceled or a fatal condition (a
// facade error, or a CIF "exit"/"enter"/"boot"/"chain" request) ends
// it. An exit that cannot be handled is logged; with a debugger
// attached the loop then waits for it to resume, and without one Run
// returns that error. It returns the reason the loop stopped.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if l.m.Debugger != nil {
			switch err := l.m.Debugger.Poll(); err {
			case monerr.ErrPause:
				if err := l.waitForResume(ctx); err != nil {
					return err
				}
			case monerr.ErrShutdown:
				return monerr.ErrShutdown
			}
		}

		exit, err := l.m.VMM.Execute()
		if err != nil {
			return err
		}

		if err := l.handle(exit); err != nil {
			if err == monerr.ErrShutdown {
				return err
			}

			l.log.Error("exit handling failed", "reason", exit.Reason, "err", err)

			if l.m.Debugger == nil {
				return err
			}

			if err := l.waitForResume(ctx); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) waitForResume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		switch err := l.m.Debugger.Poll(); err {
		case monerr.ErrContinue:
			return nil
		case monerr.ErrShutdown:
			return monerr.ErrShutdown
		}
	}
}

func (l *Loop) handle(exit vmm.Exit) error {
	switch exit.Reason {
	case vmm.ExitNone:
		return nil

	case vmm.ExitPageFault:
		return l.handlePageFault(exit)

	case vmm.ExitProgramException:
		return l.handleProgramException(exit)

	case vmm.ExitSystemCall:
		return l.handleSystemCall()

	default:
		return monerr.Wrap(monerr.ErrInvalid, "execloop: unknown exit reason")
	}
}

// handlePageFault implements the Guest Core's lazy shadow-mapping
// path: translate the faulting EA through the MMU range map (which
// the CIF's "map" call-method has already registered), then install
// exactly one shadow mapping in the hypervisor facade for the
// containing page.
func (l *Loop) handlePageFault(exit vmm.Exit) error {
	ra, _, ok := l.m.MMU.Find(exit.FaultEA)
	if !ok {
		return monerr.Wrap(monerr.ErrBadAccess, "execloop: unmapped guest access")
	}

	page := pmem.GRA(uint32(ra) &^ (pmem.PageSize - 1))

	return l.m.VMM.Map(exit.FaultEA, l.m.PMem.HA(page))
}

// handleProgramException first checks whether the trapping PC is the
// instruction right after the CIF trampoline (in which case this is a
// firmware call returning through "sc 1", not a genuine
// privileged-instruction trap), then tries the locked-sequence table,
// then falls back to the instruction emulator. Mirrors rom_call's
// "not a ROM call" check and rom_fault's instruction-trap dispatch.
func (l *Loop) handleProgramException(exit vmm.Exit) error {
	g := l.m.Guest()

	if uint32(g.PC) == bootstrap.CIFTrampoline+4 {
		return l.romCall(g)
	}

	leftROMMode, err := emulator.Emulate(g, l.m.VMM, l.m.PMem, exit.Instr)
	if err != nil {
		return err
	}

	if leftROMMode {
		l.m.VMM.UnmapAll()
	}

	return nil
}

func (l *Loop) handleSystemCall() error {
	return l.romCall(l.m.Guest())
}

// romCall implements rom_call's calling convention around CIF.Call:
// GPR3 holds the CIA pointer; on return, GPR3 is set to 0 on success
// or -1 on failure and PC is restored from LR — except that a
// shutdown or pause request propagates immediately, leaving GPR3 and
// PC untouched so the monitor's own control flow (not the guest's)
// decides what happens next.
func (l *Loop) romCall(g *guest.Guest) error {
	ciaAddr := guest.GEA(g.GPR[3])

	err := l.m.CIF.Call(ciaAddr)
	if err == monerr.ErrShutdown || err == monerr.ErrPause {
		return err
	}

	if err != nil {
		g.GPR[3] = 0xFFFFFFFF
	} else {
		g.GPR[3] = 0
	}

	g.PC = guest.GEA(g.LR)

	return nil
}
