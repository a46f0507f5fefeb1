// Package vm implements the puzzle VM (C1): a small register machine that a
// worker runs locally, at no on-chain cost, to derive the second half of a
// signal's decryption key (§4.1, §8.3, §8.4).
package vm

import (
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"nomad/pkg/constants"
)

// VM holds the register file, memory, and remaining cycle budget of a single
// puzzle run. It is not safe for concurrent use; each worker constructs its
// own.
type VM struct {
	registers [numRegisters]*uint256.Int
	mem       *ram
	budget    uint64
	limit     uint64
	pc        uint64
	program   []byte
}

// New constructs a VM for the given program with the default cycle budget.
func New(program []byte) *VM {
	return NewWithBudget(program, constants.DefaultCycleBudget)
}

// NewWithBudget lets callers (mainly tests) override the cycle budget.
func NewWithBudget(program []byte, budget uint64) *VM {
	v := &VM{
		mem:     newRAM(),
		budget:  budget,
		limit:   budget,
		program: program,
	}
	for i := range v.registers {
		v.registers[i] = uint256.NewInt(0)
	}
	return v
}

// Run executes the program from pc 0 until HALT, an invalid instruction, or
// cycle exhaustion (§4.1). On HALT it derives k2 = keccak256(R0‖R1‖…‖R7),
// each register serialized as 32 big-endian bytes (§8.4).
func (v *VM) Run() Result {
	for {
		if v.budget == 0 {
			return resultCycleExhausted
		}

		instr, ok := v.fetch()
		if !ok {
			return resultInvalidProgram
		}

		v.budget--

		halted, ok := v.step(instr)
		if !ok {
			return resultInvalidProgram
		}
		if halted {
			return Result{Kind: ExitHalted, K2: v.k2(), Steps: v.limit - v.budget}
		}
	}
}

func (v *VM) fetch() (instr []byte, ok bool) {
	if v.pc >= uint64(len(v.program)) {
		return nil, false
	}
	op := v.program[v.pc]
	if !isValidOpcode(op) {
		return nil, false
	}
	n := instrLen[op]
	end := v.pc + uint64(n)
	if end > uint64(len(v.program)) {
		return nil, false
	}
	return v.program[v.pc:end], true
}

// step decodes and executes one instruction, returning (halted, ok). ok is
// false on any malformed operand (bad register index, out-of-range memory
// access), which the caller surfaces as FaultInvalidProgram.
func (v *VM) step(instr []byte) (halted bool, ok bool) {
	op := Opcode(instr[0])
	next := v.pc + uint64(len(instr))

	switch op {
	case OpHalt:
		return true, true

	case OpMovI:
		ri := instr[1]
		if !validRegister(ri) {
			return false, false
		}
		v.registers[ri].SetBytes(instr[2:34])
		v.pc = next

	case OpMovR:
		ri, rj := instr[1], instr[2]
		if !validRegister(ri) || !validRegister(rj) {
			return false, false
		}
		v.registers[ri].Set(v.registers[rj])
		v.pc = next

	case OpAdd, OpSub, OpXor, OpAnd, OpOr:
		ri, rj, rk := instr[1], instr[2], instr[3]
		if !validRegister(ri) || !validRegister(rj) || !validRegister(rk) {
			return false, false
		}
		dst := v.registers[ri]
		a, b := v.registers[rj], v.registers[rk]
		switch op {
		case OpAdd:
			dst.Add(a, b)
		case OpSub:
			dst.Sub(a, b)
		case OpXor:
			dst.Xor(a, b)
		case OpAnd:
			dst.And(a, b)
		case OpOr:
			dst.Or(a, b)
		}
		v.pc = next

	case OpShl, OpShr:
		ri, rj, imm := instr[1], instr[2], instr[3]
		if !validRegister(ri) || !validRegister(rj) {
			return false, false
		}
		dst := v.registers[ri]
		src := v.registers[rj]
		if op == OpShl {
			dst.Lsh(src, uint(imm))
		} else {
			dst.Rsh(src, uint(imm))
		}
		v.pc = next

	case OpLoad:
		ri, rj := instr[1], instr[2]
		if !validRegister(ri) || !validRegister(rj) {
			return false, false
		}
		offset := be32(instr[3:7])
		addr := v.registers[rj].Uint64() + uint64(offset)
		data, ok := v.mem.load(addr, 32)
		if !ok {
			return false, false
		}
		v.registers[ri].SetBytes(data)
		v.pc = next

	case OpStore:
		rj, ri := instr[1], instr[6]
		if !validRegister(ri) || !validRegister(rj) {
			return false, false
		}
		offset := be32(instr[2:6])
		addr := v.registers[rj].Uint64() + uint64(offset)
		regBytes := v.registers[ri].Bytes32()
		if !v.mem.store(addr, regBytes[:]) {
			return false, false
		}
		v.pc = next

	case OpJmp:
		target := uint64(be32(instr[1:5]))
		v.pc = target

	case OpJmpEq, OpJmpNe:
		ri, rj := instr[1], instr[2]
		if !validRegister(ri) || !validRegister(rj) {
			return false, false
		}
		target := uint64(be32(instr[3:7]))
		eq := v.registers[ri].Eq(v.registers[rj])
		if (op == OpJmpEq && eq) || (op == OpJmpNe && !eq) {
			v.pc = target
		} else {
			v.pc = next
		}

	case OpHash:
		ri, rj := instr[1], instr[2]
		if !validRegister(ri) || !validRegister(rj) {
			return false, false
		}
		length := be32(instr[3:7])
		addr := v.registers[rj].Uint64()
		data, ok := v.mem.load(addr, int(length))
		if !ok {
			return false, false
		}
		digest := crypto.Keccak256(data)
		v.registers[ri].SetBytes(digest)
		v.pc = next

	default:
		return false, false
	}

	return false, true
}

// k2 is the puzzle output: keccak256(R0‖R1‖…‖R7), each register as 32
// big-endian bytes (§8.4, a fixed design decision rather than an open one).
func (v *VM) k2() [32]byte {
	buf := make([]byte, 0, numRegisters*32)
	for _, r := range v.registers {
		b := r.Bytes32()
		buf = append(buf, b[:]...)
	}
	return [32]byte(crypto.Keccak256(buf))
}
