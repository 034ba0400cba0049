package vmm

import (
	"testing"

	"github.com/andreiw/pvp/internal/guest"
	"github.com/andreiw/pvp/internal/pmem"
)

func newSim(t *testing.T) (*Sim, *guest.Guest) {
	t.Helper()

	mem := pmem.New(4*pmem.PageSize, false)
	g := guest.New(false)

	sim := NewSim(mem)
	if err := sim.Init(Context0, g); err != nil {
		t.Fatalf("Init: %v", err)
	}

	sim.SetActive(Context0)

	return sim, g
}

func TestExecuteUnmappedFetchIsPageFault(t *testing.T) {
	sim, g := newSim(t)
	g.PC = 0

	exit, err := sim.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if exit.Reason != ExitPageFault {
		t.Errorf("Reason: want ExitPageFault, got %v", exit.Reason)
	}

	if exit.FaultEA != 0 {
		t.Errorf("FaultEA: want 0, got %#x", exit.FaultEA)
	}
}

func TestMapThenExecuteSystemCall(t *testing.T) {
	sim, g := newSim(t)

	if err := sim.mem.Write32(0, scInstruction); err != nil {
		t.Fatalf("Write32: %v", err)
	}

	if err := sim.Map(0, 0); err != nil {
		t.Fatalf("Map: %v", err)
	}

	g.PC = 0

	exit, err := sim.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if exit.Reason != ExitSystemCall {
		t.Errorf("Reason: want ExitSystemCall, got %v", exit.Reason)
	}

	if uint32(g.PC) != 4 {
		t.Errorf("PC: want advanced past the sc, got %#x", uint32(g.PC))
	}
}

func TestExecuteAddiRetiresDirectly(t *testing.T) {
	sim, g := newSim(t)

	// addi r3,0,5
	word := uint32(14<<26) | (3 << 21) | (0 << 16) | 5

	if err := sim.mem.Write32(0, word); err != nil {
		t.Fatalf("Write32: %v", err)
	}

	if err := sim.Map(0, 0); err != nil {
		t.Fatalf("Map: %v", err)
	}

	g.PC = 0

	exit, err := sim.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if exit.Reason != ExitNone {
		t.Errorf("Reason: want ExitNone, got %v", exit.Reason)
	}

	if g.GPR[3] != 5 {
		t.Errorf("GPR[3]: want 5, got %d", g.GPR[3])
	}

	if uint32(g.PC) != 4 {
		t.Errorf("PC: want 4, got %#x", uint32(g.PC))
	}
}

func TestExecutePrivilegedFormIsProgramException(t *testing.T) {
	sim, g := newSim(t)

	// mfmsr r3 — opcode 31, outside the simple-form subset.
	word := uint32(31<<26) | (3 << 21) | (83 << 1)

	if err := sim.mem.Write32(0, word); err != nil {
		t.Fatalf("Write32: %v", err)
	}

	if err := sim.Map(0, 0); err != nil {
		t.Fatalf("Map: %v", err)
	}

	g.PC = 0

	exit, err := sim.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if exit.Reason != ExitProgramException {
		t.Errorf("Reason: want ExitProgramException, got %v", exit.Reason)
	}

	if exit.Instr != word {
		t.Errorf("Instr: want %#x, got %#x", word, exit.Instr)
	}
}

func TestMapUnmapBackmap(t *testing.T) {
	sim, _ := newSim(t)

	if err := sim.Map(0x1000, 0x2000); err != nil {
		t.Fatalf("Map: %v", err)
	}

	ha, ok := sim.Backmap(0x1008)
	if !ok || ha != 0x2008 {
		t.Errorf("Backmap(0x1008): want {0x2008,true}, got {%#x,%v}", ha, ok)
	}

	sim.UnmapAll()

	if _, ok := sim.Backmap(0x1008); ok {
		t.Errorf("Backmap after UnmapAll: want not found, got found")
	}
}

func TestSetActiveSwitchesContexts(t *testing.T) {
	sim, g0 := newSim(t)

	g1 := guest.New(false)
	if err := sim.Init(Context1, g1); err != nil {
		t.Fatalf("Init(Context1): %v", err)
	}

	if err := sim.Map(0x1000, 0xAAAA); err != nil {
		t.Fatalf("Map (context0): %v", err)
	}

	sim.SetActive(Context1)

	if sim.Active() != Context1 {
		t.Errorf("Active(): want Context1, got %v", sim.Active())
	}

	if _, ok := sim.Backmap(0x1000); ok {
		t.Errorf("Backmap(0x1000) under Context1: want not found (mapping was installed under Context0), got found")
	}

	sim.SetActive(Context0)

	if _, ok := sim.Backmap(0x1000); !ok {
		t.Errorf("Backmap(0x1000) back under Context0: want found, got not found")
	}

	_ = g0
}

func TestUnmapSinglePage(t *testing.T) {
	sim, _ := newSim(t)

	if err := sim.Map(0x1000, 0x2000); err != nil {
		t.Fatalf("Map: %v", err)
	}

	if err := sim.Map(0x3000, 0x4000); err != nil {
		t.Fatalf("Map: %v", err)
	}

	sim.Unmap(0x1000)

	if _, ok := sim.Backmap(0x1008); ok {
		t.Errorf("Backmap(0x1008) after Unmap(0x1000): want not found, got found")
	}

	if _, ok := sim.Backmap(0x3008); !ok {
		t.Errorf("Backmap(0x3008) after Unmap(0x1000): want still found, got not found")
	}
}

func TestSwitchContextSelectsContext1OnMMUOn(t *testing.T) {
	sim, g0 := newSim(t)

	if err := sim.Init(Context1, g0); err != nil {
		t.Fatalf("Init(Context1): %v", err)
	}

	sim.SwitchContext(true)

	if sim.Active() != Context1 {
		t.Errorf("Active() after SwitchContext(true): want Context1, got %v", sim.Active())
	}

	sim.SwitchContext(false)

	if sim.Active() != Context0 {
		t.Errorf("Active() after SwitchContext(false): want Context0, got %v", sim.Active())
	}
}

func TestExecuteLwzStwRoundTrip(t *testing.T) {
	sim, g := newSim(t)

	const textPage = 0
	const dataPage = pmem.PageSize

	if err := sim.Map(0, 0); err != nil {
		t.Fatalf("Map text: %v", err)
	}

	if err := sim.Map(guest.GEA(dataPage), pmem.HA(dataPage)); err != nil {
		t.Fatalf("Map data: %v", err)
	}

	// stw r4, 0(r6) ; lwz r5, 0(r6), with r6 = dataPage as the base.
	g.GPR[4] = 0xA5A5A5A5
	g.GPR[6] = dataPage

	stw := uint32(36<<26) | (4 << 21) | (6 << 16) | 0
	lwz := uint32(32<<26) | (5 << 21) | (6 << 16) | 0

	if err := sim.mem.Write32(0, stw); err != nil {
		t.Fatalf("Write32: %v", err)
	}

	if err := sim.mem.Write32(4, lwz); err != nil {
		t.Fatalf("Write32: %v", err)
	}

	g.PC = 0

	if _, err := sim.Execute(); err != nil {
		t.Fatalf("Execute(stw): %v", err)
	}

	if _, err := sim.Execute(); err != nil {
		t.Fatalf("Execute(lwz): %v", err)
	}

	if g.GPR[5] != 0xA5A5A5A5 {
		t.Errorf("GPR[5]: want %#x, got %#x", 0xA5A5A5A5, g.GPR[5])
	}
}
