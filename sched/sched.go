// Package sched implements a cooperative round-robin process table with an
// emulated register file. Every process owns a goroutine that only runs while
// the process holds the CPU; control moves between them exclusively through
// the context switch performed by Yield and Exit.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
)

// Process classification.
type Type uint8

const (
	TypeKernel Type = iota
	TypeUser
)

func (t Type) String() string {
	switch t {
	case TypeKernel:
		return "kernel"
	case TypeUser:
		return "user"
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// Status is the scheduling state of a process.
type Status uint8

const (
	StatusReady Status = iota
	StatusRunning
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusTerminated:
		return "terminated"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Stack is a process's private stack region. Stacks grow down from Top.
type Stack struct {
	Base uint32
	Top  uint32
}

// Process is a process control record.
type Process struct {
	PID    int
	Type   Type
	Status Status
	// Context is the register snapshot taken when the process last lost the CPU.
	// It is stale while the process is running.
	Context Registers
	Stack   Stack

	wake chan struct{}
}

// Config configures a Kernel.
type Config struct {
	// MaxProcs is the process table capacity, kernel record included. Defaults to 16.
	MaxProcs int
	// PageDirectory is loaded into CR3 of every process.
	PageDirectory uint32
	Logger        *slog.Logger
}

// DefaultMaxProcs is the table capacity used when Config.MaxProcs is zero.
const DefaultMaxProcs = 16

var (
	ErrCapacityExceeded = errors.New("sched: process table full")
	ErrInvalidStack     = errors.New("sched: invalid stack region")
	ErrInvalidEntry     = errors.New("sched: nil entry point")
	ErrKernelStarted    = errors.New("sched: kernel process already started")
	ErrNotStarted       = errors.New("sched: kernel process not started")
	ErrKernelExit       = errors.New("sched: kernel process cannot exit")
	ErrNoReadyProcess   = errors.New("sched: no ready process, kernel halted")
)

// Kernel owns the process table and the CPU. Its methods must only be called
// by the code currently holding the CPU: the kernel entry point or a running
// process's entry point.
type Kernel struct {
	procs   []*Process
	max     int
	running *Process
	kernel  *Process
	next    *Process

	cpu  Registers
	text []func() // Entry points, indexed by address.
	// done is closed when the kernel entry point returns and releases parked processes.
	done chan struct{}

	pageDir   uint32
	switching bool
	halted    bool
	log       *slog.Logger
}

// New returns an empty process table.
func New(cfg Config) *Kernel {
	if cfg.MaxProcs <= 0 {
		cfg.MaxProcs = DefaultMaxProcs
	}
	return &Kernel{
		procs:   make([]*Process, 0, cfg.MaxProcs),
		max:     cfg.MaxProcs,
		pageDir: cfg.PageDirectory,
		log:     cfg.Logger,
		done:    make(chan struct{}),
		cpu:     Registers{EFLAGS: defaultEFLAGS, CR3: cfg.PageDirectory},
	}
}

// CreateProcess adds a READY user process that starts at entry with the given
// stack. It does not run it.
func (k *Kernel) CreateProcess(entry func(), stack Stack) (int, error) {
	if entry == nil {
		return -1, ErrInvalidEntry
	} else if stack.Base >= stack.Top {
		return -1, ErrInvalidStack
	} else if len(k.procs) >= k.max {
		return -1, ErrCapacityExceeded
	}
	p := k.alloc(TypeUser)
	p.Stack = stack
	p.Context = Registers{
		ESP:    stack.Top,
		EBP:    stack.Top,
		EFLAGS: defaultEFLAGS,
		CR3:    k.pageDir,
		EIP:    k.link(entry),
	}
	k.debug("create", slog.Int("pid", p.PID), slog.String("eip", hex32(p.Context.EIP)))
	return p.PID, nil
}

// StartKernel allocates the kernel process, gives it the CPU and runs entry on
// the calling goroutine. When entry returns every parked process is released.
func (k *Kernel) StartKernel(entry func()) error {
	if entry == nil {
		return ErrInvalidEntry
	} else if k.kernel != nil {
		return ErrKernelStarted
	} else if len(k.procs) >= k.max {
		return ErrCapacityExceeded
	}
	p := k.alloc(TypeKernel)
	p.Status = StatusRunning
	k.kernel = p
	k.running = p
	k.info("kernel:start", slog.Int("pid", p.PID), slog.Int("procs", len(k.procs)))
	defer close(k.done)
	entry()
	k.info("kernel:return", slog.Bool("halted", k.halted))
	return nil
}

func (k *Kernel) alloc(typ Type) *Process {
	p := &Process{
		PID:  len(k.procs),
		Type: typ,
		wake: make(chan struct{}, 1),
	}
	k.procs = append(k.procs, p)
	return p
}

// Schedule returns the first READY user process after the running one in
// table order, wrapping around once, or nil if there is none.
func (k *Kernel) Schedule() *Process {
	n := len(k.procs)
	start := 0
	if k.running != nil {
		start = k.running.PID + 1
	}
	for i := 0; i < n; i++ {
		p := k.procs[(start+i)%n]
		if p.Type == TypeUser && p.Status == StatusReady {
			return p
		}
	}
	return nil
}

// Yield gives up the CPU. The kernel process hands it to the next scheduled
// user process and returns once it gets it back; if no user process is ready
// the kernel halts and ErrNoReadyProcess is returned. A user process always
// yields to the kernel and returns nil once it is resumed.
func (k *Kernel) Yield() error {
	cur := k.running
	if cur == nil {
		return ErrNotStarted
	}
	if cur.Type == TypeKernel {
		next := k.Schedule()
		if next == nil {
			k.halted = true
			k.warn("kernel:halt", slog.Int("procs", len(k.procs)))
			return ErrNoReadyProcess
		}
		k.halted = false
		k.next = next
	} else {
		cur.Status = StatusReady
		k.next = k.kernel
	}
	k.switchContext()
	return nil
}

// Exit terminates the calling user process and switches to the kernel. It
// does not return to a user caller. The kernel process cannot exit.
func (k *Kernel) Exit() error {
	cur := k.running
	if cur == nil {
		return ErrNotStarted
	} else if cur.Type == TypeKernel {
		return ErrKernelExit
	}
	cur.Status = StatusTerminated
	k.next = k.kernel
	k.debug("exit", slog.Int("pid", cur.PID))
	k.switchContext()
	panic("sched: terminated process resumed")
}

// Running returns the process holding the CPU, nil before StartKernel.
func (k *Kernel) Running() *Process { return k.running }

// KernelProcess returns the kernel process record, nil before StartKernel.
func (k *Kernel) KernelProcess() *Process { return k.kernel }

// Process returns the record with the given pid or nil.
func (k *Kernel) Process(pid int) *Process {
	if pid < 0 || pid >= len(k.procs) {
		return nil
	}
	return k.procs[pid]
}

// Len returns the number of allocated records, terminated ones included.
func (k *Kernel) Len() int { return len(k.procs) }

// Cap returns the table capacity.
func (k *Kernel) Cap() int { return k.max }

// CPU returns the live register file. Only the running process may use it.
func (k *Kernel) CPU() *Registers { return &k.cpu }

// Halted reports whether the kernel found no ready process on its last yield.
func (k *Kernel) Halted() bool { return k.halted }

func (k *Kernel) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if k.log != nil {
		k.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func (k *Kernel) debug(msg string, attrs ...slog.Attr) {
	k.logattrs(slog.LevelDebug, msg, attrs...)
}
func (k *Kernel) info(msg string, attrs ...slog.Attr) {
	k.logattrs(slog.LevelInfo, msg, attrs...)
}
func (k *Kernel) warn(msg string, attrs ...slog.Attr) {
	k.logattrs(slog.LevelWarn, msg, attrs...)
}

func hex32(v uint32) string {
	return "0x" + strconv.FormatUint(uint64(v), 16)
}
