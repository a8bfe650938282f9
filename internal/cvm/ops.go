// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cvm

import (
	"crypto/sha256"

	"github.com/decred/dcrd/math/uint256"

	"github.com/cascoin/cvmnode/internal/cvmamount"
	"github.com/cascoin/cvmnode/internal/nodeerr"
)

func (e *Engine) handleArithmetic(s *VMState, op OpCode) error {
	b, err := s.pop()
	if err != nil {
		return err
	}
	a, err := s.pop()
	if err != nil {
		return err
	}
	result := new(uint256.Uint256)
	switch op {
	case OpAdd:
		result.Add(a, b)
	case OpSub:
		result.Sub(a, b)
	case OpMul:
		result.Mul(a, b)
	case OpDiv:
		if b.IsZero() {
			result.SetUint64(0)
		} else {
			result.Div(a, b)
		}
	case OpMod:
		if b.IsZero() {
			result.SetUint64(0)
		} else {
			result.Mod(a, b)
		}
	}
	return s.push(result)
}

func (e *Engine) handleLogical(s *VMState, op OpCode) error {
	if op == OpNot {
		a, err := s.pop()
		if err != nil {
			return err
		}
		result := new(uint256.Uint256).Not(a)
		return s.push(result)
	}
	b, err := s.pop()
	if err != nil {
		return err
	}
	a, err := s.pop()
	if err != nil {
		return err
	}
	result := new(uint256.Uint256)
	switch op {
	case OpAnd:
		result.And(a, b)
	case OpOr:
		result.Or(a, b)
	case OpXor:
		result.Xor(a, b)
	}
	return s.push(result)
}

func boolWord(v bool) *uint256.Uint256 {
	if v {
		return new(uint256.Uint256).SetUint64(1)
	}
	return new(uint256.Uint256).SetUint64(0)
}

func (e *Engine) handleComparison(s *VMState, op OpCode) error {
	b, err := s.pop()
	if err != nil {
		return err
	}
	a, err := s.pop()
	if err != nil {
		return err
	}
	var result *uint256.Uint256
	switch op {
	case OpEq:
		result = boolWord(a.Eq(b))
	case OpNe:
		result = boolWord(!a.Eq(b))
	case OpLt:
		result = boolWord(a.Lt(b))
	case OpGt:
		result = boolWord(a.Gt(b))
	case OpLe:
		result = boolWord(a.Lt(b) || a.Eq(b))
	case OpGe:
		result = boolWord(a.Gt(b) || a.Eq(b))
	}
	return s.push(result)
}

// handleJump implements JUMP/JUMPI: pop the target (low 64 bits are
// used as the program counter), validate it points at a recognized
// opcode offset, and for JUMPI only take the jump if the popped
// condition word is non-zero.
func (e *Engine) handleJump(s *VMState, ec ExecutionContext, op OpCode) error {
	target, err := s.pop()
	if err != nil {
		return err
	}
	take := true
	if op == OpJumpI {
		cond, err := s.pop()
		if err != nil {
			return err
		}
		take = !cond.IsZero()
	}
	if !take {
		return nil
	}

	targetPC := int(target.Uint64())
	if targetPC < 0 || targetPC >= len(ec.Contract.Code) {
		s.Status = StatusInvalidJump
		return nodeerr.Resource("invalid_jump", "jump target out of bounds")
	}
	if _, ok := GasCost(OpCode(ec.Contract.Code[targetPC])); !ok {
		s.Status = StatusInvalidJump
		return nodeerr.Resource("invalid_jump", "jump target is not a valid opcode")
	}
	s.pc = targetPC
	s.pcSet = true
	return nil
}

func (e *Engine) handleReturn(s *VMState, ec ExecutionContext) error {
	if len(s.stack) > 0 {
		top, err := s.pop()
		if err != nil {
			return err
		}
		b := top.Bytes()
		s.ReturnData = b[:]
	}
	s.Status = StatusReturned
	return nil
}

func (e *Engine) handleRevert(s *VMState, ec ExecutionContext) error {
	s.Status = StatusReverted
	return nil
}

func (e *Engine) handleStorage(s *VMState, ec ExecutionContext, op OpCode) error {
	keyWord, err := s.pop()
	if err != nil {
		return err
	}
	var key cvmamount.Hash256
	kb := keyWord.Bytes()
	copy(key[:], kb[len(kb)-32:])

	if op == OpSLoad {
		val, err := ec.Storage.Load(ec.Contract.Addr, key)
		if err != nil {
			return err
		}
		return s.push(new(uint256.Uint256).SetBytes(val[:]))
	}

	valWord, err := s.pop()
	if err != nil {
		return err
	}
	var val cvmamount.Hash256
	vb := valWord.Bytes()
	copy(val[:], vb[len(vb)-32:])
	return ec.Storage.Store(ec.Contract.Addr, key, val, ec.CallerReputation)
}

func (e *Engine) handleSha256(s *VMState) error {
	v, err := s.pop()
	if err != nil {
		return err
	}
	b := v.Bytes()
	digest := sha256.Sum256(b[:])
	return s.push(new(uint256.Uint256).SetBytes(digest[:]))
}

func (e *Engine) handleContext(s *VMState, ec ExecutionContext, op OpCode) error {
	switch op {
	case OpAddress:
		var b [32]byte
		copy(b[32-cvmamount.AddrSize:], ec.Contract.Addr[:])
		return s.push(new(uint256.Uint256).SetBytes(b[:]))
	case OpCaller:
		var b [32]byte
		copy(b[32-cvmamount.AddrSize:], ec.Caller[:])
		return s.push(new(uint256.Uint256).SetBytes(b[:]))
	case OpCallValue:
		return s.push(new(uint256.Uint256).SetUint64(uint64(ec.CallValue)))
	case OpTimestamp:
		return s.push(new(uint256.Uint256).SetUint64(uint64(ec.Ctx.Timestamp())))
	case OpBlockHeight:
		return s.push(new(uint256.Uint256).SetUint64(uint64(ec.Ctx.BlockHeight())))
	case OpBlockHash:
		heightWord, err := s.pop()
		if err != nil {
			return err
		}
		h := ec.Ctx.BlockHash(cvmamount.Height(heightWord.Uint64()))
		return s.push(new(uint256.Uint256).SetBytes(h[:]))
	case OpGas:
		return s.push(new(uint256.Uint256).SetUint64(s.GasRemaining))
	case OpBalance:
		addrWord, err := s.pop()
		if err != nil {
			return err
		}
		ab := addrWord.Bytes()
		var a cvmamount.Addr
		copy(a[:], ab[len(ab)-cvmamount.AddrSize:])
		return s.push(new(uint256.Uint256).SetUint64(uint64(ec.Ctx.Balance(a))))
	}
	return nil
}

func (e *Engine) handleLog(s *VMState, ec ExecutionContext) error {
	v, err := s.pop()
	if err != nil {
		return err
	}
	entry := LogEntry{Contract: ec.Contract.Addr}
	b := v.Bytes()
	copy(entry.Data[:], b[:])
	s.Logs = append(s.Logs, entry)
	return nil
}
