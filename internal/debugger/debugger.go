// Package debugger implements the monitor's run-control console: a
// single-client TCP listener accepting line-oriented commands that
// inspect and control the guest.
//
// Grounded on original_source/mon.c's command surface, reimplemented
// as a Go command table rather than the original's embedded TCL-like
// interpreter (picol), which is out of this module's dependency pack.
package debugger

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/andreiw/pvp/internal/guest"
	"github.com/andreiw/pvp/internal/log"
	"github.com/andreiw/pvp/internal/monerr"
	"github.com/andreiw/pvp/internal/pmem"
)

const connectBanner = "This is the PVP monitor console\r\n-------------------------------\r\n\n"
const disconnectBanner = "\r\n\nMonitor console closing...\r\n"

// Target is what the debugger inspects and controls.
type Target interface {
	Guest() *guest.Guest
	Mem() *pmem.Memory
	Backmap(ea guest.GEA) (pmem.GRA, bool)
}

// Debugger is the single-client command console.
type Debugger struct {
	log      *log.Logger
	listener net.Listener
	target   Target

	mu       sync.Mutex
	conn     net.Conn
	singleStep bool
	commands chan string
}

// Listen starts the debugger listener on addr.
func Listen(addr string, target Target, logger *log.Logger) (*Debugger, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	d := &Debugger{log: logger, listener: ln, target: target, commands: make(chan string, 16)}

	go d.acceptLoop()

	return d, nil
}

func (d *Debugger) acceptLoop() {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			return
		}

		d.mu.Lock()
		if d.conn != nil {
			d.conn.Close()
		}
		d.conn = conn
		d.mu.Unlock()

		go d.serve(conn)
	}
}

func (d *Debugger) serve(conn net.Conn) {
	conn.Write([]byte(connectBanner))

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reply, quit := d.execute(line)
		conn.Write([]byte(reply + "\r\n"))

		if quit {
			break
		}
	}

	conn.Write([]byte(disconnectBanner))
	conn.Close()
}

// Poll is called by the execution loop between instructions; it
// drains any run-control command queued by a connected client and
// returns the corresponding sentinel error (ErrContinue/ErrPause/
// ErrShutdown), or nil if nothing is pending.
func (d *Debugger) Poll() error {
	select {
	case cmd := <-d.commands:
		switch cmd {
		case "cont":
			return monerr.ErrContinue
		case "pause":
			return monerr.ErrPause
		case "quit":
			return monerr.ErrShutdown
		}
	default:
	}

	return nil
}

// SingleStepping reports whether "ss" has toggled single-step mode on.
func (d *Debugger) SingleStepping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.singleStep
}

func (d *Debugger) execute(line string) (reply string, quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}

	g := d.target.Guest()

	switch fields[0] {
	case "quit":
		d.commands <- "quit"
		return "bye", true

	case "cont":
		d.commands <- "cont"
		return "continuing", false

	case "pause":
		d.commands <- "pause"
		return "paused", false

	case "ss":
		d.mu.Lock()
		d.singleStep = !d.singleStep
		d.mu.Unlock()

		return fmt.Sprintf("single-step: %v", d.singleStep), false

	case "reg":
		return d.reg(g, fields[1:]), false

	case "cpu":
		return d.cpu(g), false

	case "gra":
		return d.gra(fields[1:]), false

	case "d8", "d16", "d32":
		return d.dump(fields[0], fields[1:]), false

	case "mr8", "mr16", "mr32", "mrs":
		return d.memread(fields[0], fields[1:]), false

	default:
		return "unknown command: " + fields[0], false
	}
}

func (d *Debugger) reg(g *guest.Guest, args []string) string {
	if len(args) == 0 {
		return "usage: reg <name> [value]"
	}

	name := args[0]

	var ptr *uint32

	switch {
	case name == "pc":
		if len(args) > 1 {
			v, _ := strconv.ParseUint(args[1], 0, 32)
			g.PC = guest.GEA(v)
		}

		return fmt.Sprintf("pc = %#x", uint32(g.PC))

	case name == "msr":
		if len(args) > 1 {
			v, _ := strconv.ParseUint(args[1], 0, 32)
			g.SetMSR(uint32(v))
		}

		return fmt.Sprintf("msr = %#x", g.MSR())

	case name == "lr":
		ptr = &g.LR
	case name == "ctr":
		ptr = &g.CTR
	case name == "xer":
		ptr = &g.XER
	case name == "cr":
		ptr = &g.CR
	case strings.HasPrefix(name, "r"):
		n, err := strconv.Atoi(name[1:])
		if err != nil || n < 0 || n > 31 {
			return "no such register: " + name
		}

		ptr = &g.GPR[n]
	default:
		return "no such register: " + name
	}

	if len(args) > 1 {
		v, _ := strconv.ParseUint(args[1], 0, 32)
		*ptr = uint32(v)
	}

	return fmt.Sprintf("%s = %#x", name, *ptr)
}

func (d *Debugger) cpu(g *guest.Guest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "pc=%#x cr=%#x lr=%#x msr=%#x\r\n", uint32(g.PC), g.CR, g.LR, g.MSR())

	for i := 0; i < 32; i += 4 {
		fmt.Fprintf(&b, "r%-2d=%#010x r%-2d=%#010x r%-2d=%#010x r%-2d=%#010x\r\n",
			i, g.GPR[i], i+1, g.GPR[i+1], i+2, g.GPR[i+2], i+3, g.GPR[i+3])
	}

	return b.String()
}

func (d *Debugger) gra(args []string) string {
	if len(args) == 0 {
		return "usage: gra <ea>"
	}

	ea, _ := strconv.ParseUint(args[0], 0, 32)

	ra, ok := d.target.Backmap(guest.GEA(ea))
	if !ok {
		return "not mapped"
	}

	return fmt.Sprintf("gra = %#x", uint32(ra))
}

func (d *Debugger) dump(cmd string, args []string) string {
	if len(args) == 0 {
		return "usage: " + cmd + " <ea> [count]"
	}

	ea, _ := strconv.ParseUint(args[0], 0, 32)

	count := 16
	if len(args) > 1 {
		if n, err := strconv.Atoi(args[1]); err == nil {
			count = n
		}
	}

	mem := d.target.Mem()

	var b strings.Builder

	for i := 0; i < count; i++ {
		v, err := mem.Read8(pmem.GRA(ea) + pmem.GRA(i))
		if err != nil {
			break
		}

		fmt.Fprintf(&b, "%02x ", v)
	}

	return b.String()
}

func (d *Debugger) memread(cmd string, args []string) string {
	if len(args) < 2 {
		return "usage: " + cmd + " <ea> <count>"
	}

	ea, _ := strconv.ParseUint(args[0], 0, 32)
	count, _ := strconv.Atoi(args[1])

	mem := d.target.Mem()

	var values []string

	switch cmd {
	case "mr8":
		for i := 0; i < count; i++ {
			v, err := mem.Read8(pmem.GRA(ea) + pmem.GRA(i))
			if err != nil {
				break
			}

			values = append(values, strconv.Itoa(int(v)))
		}
	case "mr16":
		for i := 0; i < count; i++ {
			v, err := mem.Read16(pmem.GRA(ea) + pmem.GRA(i*2))
			if err != nil {
				break
			}

			values = append(values, strconv.Itoa(int(v)))
		}
	case "mr32":
		for i := 0; i < count; i++ {
			v, err := mem.Read32(pmem.GRA(ea) + pmem.GRA(i*4))
			if err != nil {
				break
			}

			values = append(values, strconv.Itoa(int(v)))
		}
	case "mrs":
		var sb strings.Builder

		for i := 0; i < count; i++ {
			v, err := mem.Read8(pmem.GRA(ea) + pmem.GRA(i))
			if err != nil || v == 0 {
				break
			}

			sb.WriteByte(v)
		}

		return sb.String()
	}

	return strings.Join(values, " ")
}

// Close shuts down the listener and any active connection.
func (d *Debugger) Close() error {
	d.mu.Lock()
	if d.conn != nil {
		d.conn.Close()
	}
	d.mu.Unlock()

	return d.listener.Close()
}
