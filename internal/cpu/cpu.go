// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cpu implements the RV32IMC interpreter (component C7): fetch,
// decode and execute over the memory manager's address space, the ECALL
// trap bridge out to the session layer, and the ExecState machine a V-App
// run moves through.
package cpu

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/vanadium-project/vanadium/internal/memmgr"
	"github.com/vanadium-project/vanadium/internal/vmerr"
)

// ExecState is the state a running V-App occupies, mirroring the lifecycle
// a session drives it through.
type ExecState int

const (
	Idle ExecState = iota
	Loaded
	Running
	Exited
	Faulted
)

func (s ExecState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Loaded:
		return "LOADED"
	case Running:
		return "RUNNING"
	case Exited:
		return "EXITED"
	case Faulted:
		return "FAULTED"
	default:
		return "UNKNOWN"
	}
}

// ECALLHandler services an environment call, given the raw register file so
// it can read arguments and write a return value. Returning true from
// `exit` stops the interpreter loop with ExitCode set from its argument.
type ECALLHandler func(c *CPU) (exit bool, exitCode int32, err error)

// CPU holds the RV32IMC integer register file, program counter and
// interpreter state; it fetches and writes memory exclusively through mem.
type CPU struct {
	x     [32]uint32
	pc    uint32
	state ExecState

	mem *memmgr.Manager

	// ecall is invoked on every ECALL trap; nil means ECALL always faults.
	ecall ECALLHandler

	// Metrics. InstRetired counts every instruction Run retires whether or
	// not MetricsEnabled is set; the interpreter itself never reads
	// MetricsEnabled.
	MetricsEnabled bool
	InstRetired    uint64

	ExitCode int32
	Fault    error
}

// New builds a CPU over mem with its program counter at entry. The state
// starts Loaded; call Run to transition to Running.
func New(mem *memmgr.Manager, entry uint32, ecall ECALLHandler) *CPU {
	return &CPU{mem: mem, pc: entry, state: Loaded, ecall: ecall}
}

// State reports the interpreter's current lifecycle state.
func (c *CPU) State() ExecState { return c.state }

// PC returns the current program counter, mostly for tests and tracing.
func (c *CPU) PC() uint32 { return c.pc }

func (c *CPU) reg(i int) uint32 {
	if i == 0 {
		return 0
	}
	return c.x[i]
}

func (c *CPU) setReg(i int, v uint32) {
	if i == 0 {
		return
	}
	c.x[i] = v
}

// Reg returns integer register i (x0 always reads zero), for an
// ECALLHandler to read its call-convention arguments.
func (c *CPU) Reg(i int) uint32 { return c.reg(i) }

// SetReg writes integer register i (writes to x0 are discarded), for an
// ECALLHandler to place its return value.
func (c *CPU) SetReg(i int, v uint32) { c.setReg(i, v) }

// Run executes instructions until the V-App exits, faults, or maxSteps
// instructions have retired (0 means unbounded); maxSteps guards against a
// runaway or looping guest during interactive use and tests.
func (c *CPU) Run(maxSteps uint64) error {
	if c.state != Loaded && c.state != Running {
		return vmerr.New(vmerr.Protocol, fmt.Sprintf("cpu: Run called in state %s", c.state))
	}
	c.state = Running

	for maxSteps == 0 || c.InstRetired < maxSteps {
		exit, err := c.step()
		if err != nil {
			c.state = Faulted
			c.Fault = err
			return err
		}
		if exit {
			c.state = Exited
			return nil
		}
	}
	klog.V(2).Infof("cpu: Run stopped after %d instructions (budget exhausted)", c.InstRetired)
	return nil
}

// step fetches, decodes and executes a single instruction, returning
// exit=true once the guest has asked to stop.
func (c *CPU) step() (exit bool, err error) {
	insn, width, err := c.fetch()
	if err != nil {
		return false, err
	}

	d, err := decode(insn, width)
	if err != nil {
		return false, vmerr.Wrap(vmerr.VmFault, fmt.Sprintf("cpu: decode failed at pc=0x%08x", c.pc), err)
	}

	nextPC := c.pc + uint32(width)
	branched, err := c.execute(d, &nextPC)
	if err != nil {
		return false, err
	}

	if d.Mnemonic == "ECALL" {
		if c.ecall == nil {
			return false, vmerr.New(vmerr.VmFault, "cpu: ECALL trapped with no handler installed")
		}
		stop, code, err := c.ecall(c)
		if err != nil {
			return false, err
		}
		if stop {
			c.ExitCode = code
			c.pc = nextPC
			c.InstRetired++
			return true, nil
		}
	}

	_ = branched
	c.pc = nextPC
	c.InstRetired++
	return false, nil
}

// fetch reads one instruction at pc, returning its raw bits (in the low
// 16 or 32 bits) and its width in bytes (2 for RVC, 4 otherwise).
func (c *CPU) fetch() (insn uint32, width int, err error) {
	lo, err := c.mem.FetchInstruction(c.pc)
	if err != nil {
		return 0, 0, err
	}
	if lo&0x3 != 0x3 {
		// Compressed instruction: quadrant 0-2 in bits [1:0].
		return uint32(lo), 2, nil
	}

	hi, err := c.mem.FetchInstruction(c.pc + 2)
	if err != nil {
		return 0, 0, err
	}
	return uint32(lo) | uint32(hi)<<16, 4, nil
}
