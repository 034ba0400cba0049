package debugger

import (
	"strings"
	"testing"

	"github.com/andreiw/pvp/internal/guest"
	"github.com/andreiw/pvp/internal/monerr"
	"github.com/andreiw/pvp/internal/pmem"
)

type fakeTarget struct {
	g   *guest.Guest
	mem *pmem.Memory
	ra  pmem.GRA
	ok  bool
}

func (f *fakeTarget) Guest() *guest.Guest { return f.g }
func (f *fakeTarget) Mem() *pmem.Memory   { return f.mem }
func (f *fakeTarget) Backmap(ea guest.GEA) (pmem.GRA, bool) {
	if !f.ok {
		return 0, false
	}

	return f.ra + pmem.GRA(ea), true
}

func newTestDebugger() (*Debugger, *fakeTarget) {
	g := guest.New(true)
	mem := pmem.New(pmem.PageSize, true)
	target := &fakeTarget{g: g, mem: mem}

	d := &Debugger{target: target, commands: make(chan string, 4)}

	return d, target
}

func TestExecuteRegReadWrite(t *testing.T) {
	d, target := newTestDebugger()
	target.g.GPR[3] = 0x42

	reply, quit := d.execute("reg r3")
	if quit {
		t.Errorf("execute(reg r3): want quit=false")
	}

	if !strings.Contains(reply, "0x42") {
		t.Errorf("execute(reg r3): want the current value in the reply, got %q", reply)
	}

	if _, quit := d.execute("reg r3 0x100"); quit {
		t.Errorf("execute(reg r3 0x100): want quit=false")
	}

	if target.g.GPR[3] != 0x100 {
		t.Errorf("GPR[3] after reg write: want %#x, got %#x", 0x100, target.g.GPR[3])
	}
}

func TestExecuteRegPC(t *testing.T) {
	d, target := newTestDebugger()

	if _, quit := d.execute("reg pc 0x4000"); quit {
		t.Errorf("execute(reg pc 0x4000): want quit=false")
	}

	if uint32(target.g.PC) != 0x4000 {
		t.Errorf("PC: want %#x, got %#x", 0x4000, uint32(target.g.PC))
	}
}

func TestExecuteUnknownRegister(t *testing.T) {
	d, _ := newTestDebugger()

	reply, _ := d.execute("reg bogus")

	if !strings.Contains(reply, "no such register") {
		t.Errorf("execute(reg bogus): want an error reply, got %q", reply)
	}
}

func TestExecuteGra(t *testing.T) {
	d, target := newTestDebugger()
	target.ok = true
	target.ra = 0x8000

	reply, _ := d.execute("gra 0x10")

	if !strings.Contains(reply, "0x8010") {
		t.Errorf("execute(gra 0x10): want the translated address in the reply, got %q", reply)
	}
}

func TestExecuteGraUnmapped(t *testing.T) {
	d, _ := newTestDebugger()

	reply, _ := d.execute("gra 0x10")

	if reply != "not mapped" {
		t.Errorf("execute(gra 0x10) with no translation: want \"not mapped\", got %q", reply)
	}
}

func TestExecuteQuitSignalsShutdown(t *testing.T) {
	d, _ := newTestDebugger()

	_, quit := d.execute("quit")
	if !quit {
		t.Errorf("execute(quit): want quit=true")
	}

	select {
	case cmd := <-d.commands:
		if cmd != "quit" {
			t.Errorf("queued command: want %q, got %q", "quit", cmd)
		}
	default:
		t.Errorf("execute(quit): want a command queued for Poll, got none")
	}
}

func TestPollTranslatesCommands(t *testing.T) {
	d, _ := newTestDebugger()

	d.commands <- "pause"

	if err := d.Poll(); err != monerr.ErrPause {
		t.Errorf("Poll() after queuing pause: want ErrPause, got %v", err)
	}

	if err := d.Poll(); err != nil {
		t.Errorf("Poll() with nothing queued: want nil, got %v", err)
	}
}

func TestExecuteSingleStepToggle(t *testing.T) {
	d, _ := newTestDebugger()

	if d.SingleStepping() {
		t.Fatalf("SingleStepping(): want false initially")
	}

	d.execute("ss")

	if !d.SingleStepping() {
		t.Errorf("SingleStepping() after \"ss\": want true, got false")
	}
}

func TestMemreadMr8(t *testing.T) {
	d, target := newTestDebugger()

	if err := target.mem.Write8(0, 7); err != nil {
		t.Fatalf("Write8: %v", err)
	}

	if err := target.mem.Write8(1, 9); err != nil {
		t.Fatalf("Write8: %v", err)
	}

	reply := d.memread("mr8", []string{"0", "2"})

	if reply != "7 9" {
		t.Errorf("memread(mr8, 0, 2): want %q, got %q", "7 9", reply)
	}
}
