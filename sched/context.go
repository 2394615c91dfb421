package sched

import (
	"fmt"
	"log/slog"
	"runtime"
)

// Registers is the emulated i386 register file.
type Registers struct {
	EAX, EBX, ECX, EDX uint32
	ESI, EDI, EBP, ESP uint32
	EFLAGS             uint32
	CR3                uint32
	EIP                uint32
}

const (
	// ResumeAddr is the instruction following the context switch. A process
	// switched out by Yield resumes here.
	ResumeAddr uint32 = 0x000FFFF0

	textBase  uint32 = 0x00100000
	textAlign uint32 = 16

	defaultEFLAGS uint32 = 0x202 // IF set, reserved bit 1.
)

// link places entry in the text table and returns its address.
func (k *Kernel) link(entry func()) uint32 {
	k.text = append(k.text, entry)
	return textBase + uint32(len(k.text)-1)*textAlign
}

// entryAt returns the entry point linked at addr.
func (k *Kernel) entryAt(addr uint32) (func(), bool) {
	if addr < textBase || (addr-textBase)%textAlign != 0 {
		return nil, false
	}
	idx := int((addr - textBase) / textAlign)
	if idx >= len(k.text) {
		return nil, false
	}
	return k.text[idx], true
}

// switchContext saves the live registers into the running process, installs
// k.next as the running process, loads its registers and jumps to its EIP.
// The calling goroutine then parks until its process is resumed, or ends if
// its process terminated.
func (k *Kernel) switchContext() {
	if k.switching {
		panic("sched: context switch re-entered")
	}
	k.switching = true
	prev, next := k.running, k.next
	k.next = nil

	prev.Context = k.cpu
	prev.Context.EIP = ResumeAddr

	k.running = next
	next.Status = StatusRunning

	k.cpu = next.Context
	terminated := prev.Status == StatusTerminated
	k.debug("switch", slog.Int("from", prev.PID), slog.Int("to", next.PID), slog.String("eip", hex32(k.cpu.EIP)))
	k.switching = false

	// Nothing below may touch kernel state: next owns the CPU once jump returns.
	k.jump(next, k.cpu.EIP)
	if terminated {
		runtime.Goexit()
	}
	k.park(prev)
}

// jump transfers control to addr on behalf of p.
func (k *Kernel) jump(p *Process, addr uint32) {
	if addr == ResumeAddr {
		p.wake <- struct{}{}
		return
	}
	entry, ok := k.entryAt(addr)
	if !ok {
		panic(fmt.Sprintf("sched: pid %d jumped to unmapped address %#08x", p.PID, addr))
	}
	go k.trampoline(entry)
}

// trampoline runs a process entry point. Returning from an entry point is an
// implicit Exit.
func (k *Kernel) trampoline(entry func()) {
	entry()
	k.Exit()
}

// park blocks until p is resumed. Parked processes are released when the
// kernel entry point returns.
func (k *Kernel) park(p *Process) {
	select {
	case <-p.wake:
	case <-k.done:
		runtime.Goexit()
	}
}
