// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package cvm implements the reputation-gated stack machine over 256-bit
// words described by §4.7: opcode dispatch, gas metering charged before
// each operation, and the context/storage/crypto opcode families.
package cvm

import (
	"sync"

	"github.com/decred/dcrd/math/uint256"
	"github.com/decred/slog"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/nodeerr"
)

var log = slog.Disabled

// UseLogger sets the logging backend used by the package.
func UseLogger(logger slog.Logger) { log = logger }

// Limits named in §4.7.
const (
	MaxCodeSize = 24 * 1024
	MaxStack    = 1024
	MaxMemory   = 1 << 20
)

// Status is the terminal or in-flight state of an execution.
type Status int

// The execution states named in §3's VMState entity.
const (
	StatusRunning Status = iota
	StatusStopped
	StatusReturned
	StatusReverted
	StatusOutOfGas
	StatusInvalidOp
	StatusInvalidJump
	StatusStackOverflow
	StatusStackUnderflow
	StatusError
)

// StorageBackend is the contract-scoped key/value interface SLOAD/SSTORE
// dispatch through. EnhancedStorage implements this; cvm never imports
// that package directly, keeping the dependency one-directional. Store
// takes the calling address's reputation so the backend can apply its
// reputation-weighted quota without a second, unweighted write path.
// SLOAD/SSTORE gas is the static gas-table cost; no reputation-weighted
// cost multiplier is applied on this path.
type StorageBackend interface {
	Load(contract cvmamount.Addr, key cvmamount.Hash256) (cvmamount.Hash256, error)
	Store(contract cvmamount.Addr, key, value cvmamount.Hash256, callerReputation int16) error
}

// Transactional is implemented by storage backends that support staged
// commit/rollback. The Engine begins a transaction before running a
// contract call and commits or rolls it back depending on the call's
// terminal status, so REVERT actually undoes staged writes.
type Transactional interface {
	Begin(contract cvmamount.Addr) error
	Commit(contract cvmamount.Addr) error
	Rollback(contract cvmamount.Addr)
}

// ContextProvider resolves the block/chain facts the CONTEXT opcode
// family reads (ADDRESS is the executing contract, already known to the
// VM itself).
type ContextProvider interface {
	BlockHeight() cvmamount.Height
	BlockHash(height cvmamount.Height) cvmamount.Hash256
	Timestamp() cvmamount.Timestamp
	Balance(addr cvmamount.Addr) cvmamount.Amount
}

// Contract is an immutable-after-deploy bytecode program.
type Contract struct {
	Addr            cvmamount.Addr
	Code            []byte
	DeploymentHeight cvmamount.Height
}

// LogEntry is one CVM LOG opcode emission.
type LogEntry struct {
	Contract cvmamount.Addr
	Data     [32]byte
}

// VMState is the mutable execution state for one call.
type VMState struct {
	stack  []*uint256.Uint256
	memory []byte
	pc     int

	GasRemaining uint64
	Logs         []LogEntry
	ReturnData   []byte
	Status       Status

	pcSet bool // true when the current opcode explicitly set pc
}

func newVMState(gasLimit uint64) *VMState {
	return &VMState{GasRemaining: gasLimit, Status: StatusRunning}
}

func (s *VMState) push(v *uint256.Uint256) error {
	if len(s.stack) >= MaxStack {
		s.Status = StatusStackOverflow
		return nodeerr.Resource("stack_overflow", "stack overflow")
	}
	s.stack = append(s.stack, v)
	return nil
}

func (s *VMState) pop() (*uint256.Uint256, error) {
	if len(s.stack) == 0 {
		s.Status = StatusStackUnderflow
		return nil, nodeerr.Resource("stack_underflow", "stack underflow")
	}
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return v, nil
}

func (s *VMState) peek(depth int) (*uint256.Uint256, error) {
	idx := len(s.stack) - 1 - depth
	if idx < 0 {
		s.Status = StatusStackUnderflow
		return nil, nodeerr.Resource("stack_underflow", "stack underflow")
	}
	return s.stack[idx], nil
}

func (s *VMState) chargeGas(amount uint64) error {
	if s.GasRemaining < amount {
		s.GasRemaining = 0
		s.Status = StatusOutOfGas
		return nodeerr.Resource("out_of_gas", "out of gas")
	}
	s.GasRemaining -= amount
	return nil
}

// ExecutionContext carries the per-call environment: the contract being
// run, the calling address and value, the chain context, and storage.
// CallerReputation is threaded into every SSTORE so the storage quota is
// reputation-weighted without a second write path; storage gas cost is
// not reputation-weighted.
type ExecutionContext struct {
	Contract         Contract
	Caller           cvmamount.Addr
	CallValue        cvmamount.Amount
	CallerReputation int16
	Ctx              ContextProvider
	Storage          StorageBackend
}

// Engine runs contract bytecode. It holds no contract state itself;
// Contract/Storage/ContextProvider are supplied per call, so the Engine
// value can be shared across concurrent executions.
type Engine struct {
	mu sync.Mutex // guards nothing shared yet; reserved for future metrics
}

// NewEngine returns a ready-to-use Engine.
func NewEngine() *Engine { return &Engine{} }

// VerifyBytecode scans code once, validating that every PUSH immediate
// stays within bounds and that no opcode byte is unrecognized, matching
// original_source's single-pass verification pass.
func VerifyBytecode(code []byte) error {
	if len(code) > MaxCodeSize {
		return nodeerr.Resource("code_too_large", "contract code exceeds maximum size")
	}
	pc := 0
	for pc < len(code) {
		op := OpCode(code[pc])
		if size, ok := IsPush(op); ok {
			pc += 1 + size
			if pc > len(code) {
				return nodeerr.Validation("push_immediate_overrun", "PUSH immediate runs past code end")
			}
			continue
		}
		if _, ok := GasCost(op); !ok {
			return nodeerr.Validation("invalid_opcode", "unrecognized opcode in bytecode")
		}
		pc++
	}
	return nil
}

// Execute runs ec.Contract.Code with gasLimit until it reaches a terminal
// status, following the fetch/charge/dispatch/advance loop of §4.7.
func (e *Engine) Execute(ec ExecutionContext, gasLimit uint64) *VMState {
	s := newVMState(gasLimit)
	code := ec.Contract.Code

	txStorage, transactional := ec.Storage.(Transactional)
	if transactional {
		if err := txStorage.Begin(ec.Contract.Addr); err != nil {
			s.Status = StatusError
			return s
		}
	}

	for s.Status == StatusRunning {
		if s.pc < 0 || s.pc >= len(code) {
			s.Status = StatusStopped
			break
		}
		op := OpCode(code[s.pc])

		cost, ok := GasCost(op)
		if !ok {
			s.Status = StatusInvalidOp
			break
		}
		if err := s.chargeGas(cost); err != nil {
			break
		}

		s.pcSet = false
		if err := e.dispatch(s, ec, op); err != nil {
			if s.Status == StatusRunning {
				s.Status = StatusError
			}
			break
		}
		if s.Status != StatusRunning {
			break
		}
		if !s.pcSet {
			s.pc++
		}
	}

	if transactional {
		switch s.Status {
		case StatusReturned, StatusStopped:
			if err := txStorage.Commit(ec.Contract.Addr); err != nil {
				s.Status = StatusError
			}
		default:
			txStorage.Rollback(ec.Contract.Addr)
		}
	}
	return s
}

func (e *Engine) dispatch(s *VMState, ec ExecutionContext, op OpCode) error {
	if size, ok := IsPush(op); ok {
		return e.handlePush(s, ec, size)
	}

	switch op {
	case OpStop:
		s.Status = StatusStopped
		return nil
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		return e.handleArithmetic(s, op)
	case OpAnd, OpOr, OpXor, OpNot:
		return e.handleLogical(s, op)
	case OpEq, OpNe, OpLt, OpGt, OpLe, OpGe:
		return e.handleComparison(s, op)
	case OpPop:
		_, err := s.pop()
		return err
	case OpDup:
		v, err := s.peek(0)
		if err != nil {
			return err
		}
		return s.push(new(uint256.Uint256).Set(v))
	case OpSwap:
		a, err := s.peek(0)
		if err != nil {
			return err
		}
		b, err := s.peek(1)
		if err != nil {
			return err
		}
		s.stack[len(s.stack)-1], s.stack[len(s.stack)-2] = b, a
		return nil
	case OpJump, OpJumpI:
		return e.handleJump(s, ec, op)
	case OpReturn:
		return e.handleReturn(s, ec)
	case OpRevert:
		return e.handleRevert(s, ec)
	case OpSLoad, OpSStore:
		return e.handleStorage(s, ec, op)
	case OpSha256:
		return e.handleSha256(s)
	case OpVerifySig:
		// Placeholder: always succeeds. A real signature check over a
		// standard message layout is an open design question; see
		// DESIGN.md.
		return s.push(uint256.NewUint256().SetUint64(1))
	case OpAddress, OpCaller, OpCallValue, OpTimestamp, OpBlockHeight, OpBlockHash, OpGas, OpBalance:
		return e.handleContext(s, ec, op)
	case OpLog:
		return e.handleLog(s, ec)
	default:
		s.Status = StatusInvalidOp
		return nodeerr.Resource("invalid_opcode", "unrecognized opcode")
	}
}

func (e *Engine) handlePush(s *VMState, ec ExecutionContext, size int) error {
	code := ec.Contract.Code
	start := s.pc + 1
	end := start + size
	if end > len(code) {
		s.Status = StatusInvalidOp
		return nodeerr.Resource("push_immediate_overrun", "PUSH immediate runs past code end")
	}
	v := new(uint256.Uint256).SetBytes(code[start:end])
	if err := s.push(v); err != nil {
		return err
	}
	s.pc = end
	s.pcSet = true
	return nil
}
