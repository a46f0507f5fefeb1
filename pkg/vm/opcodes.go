package vm

// Opcode identifies a puzzle VM instruction (§4.1).
type Opcode byte

const (
	OpHalt Opcode = 0x00
	OpMovI Opcode = 0x01 // MOV ri, imm256
	OpMovR Opcode = 0x02 // MOV ri, rj
	OpAdd  Opcode = 0x03 // ADD ri, rj, rk  (ri = rj + rk, mod 2^256)
	OpSub  Opcode = 0x04 // SUB ri, rj, rk  (ri = rj - rk, mod 2^256)
	OpXor  Opcode = 0x05
	OpAnd  Opcode = 0x06
	OpOr   Opcode = 0x07
	OpShl  Opcode = 0x08 // SHL ri, rj, imm8
	OpShr  Opcode = 0x09 // SHR ri, rj, imm8
	OpLoad Opcode = 0x0A // LOAD ri, [rj + imm32]
	OpStore Opcode = 0x0B // STORE [rj + imm32], ri
	OpJmp  Opcode = 0x0C // JMP imm32
	OpJmpEq Opcode = 0x0D // JMPEQ ri, rj, imm32
	OpJmpNe Opcode = 0x0E // JMPNE ri, rj, imm32
	OpHash Opcode = 0x0F // HASH ri, rj, imm32 (keccak256 of rj..rj+imm32 bytes of RAM into register ri, low bytes)
)

// instrLen is the total byte length of each instruction, opcode byte
// included. A zero entry marks an opcode as invalid.
var instrLen = [256]int{
	OpHalt:  1,
	OpMovI:  34,
	OpMovR:  3,
	OpAdd:   4,
	OpSub:   4,
	OpXor:   4,
	OpAnd:   4,
	OpOr:    4,
	OpShl:   4,
	OpShr:   4,
	OpLoad:  7,
	OpStore: 7,
	OpJmp:   5,
	OpJmpEq: 7,
	OpJmpNe: 7,
	OpHash:  7,
}

func isValidOpcode(op byte) bool {
	return instrLen[op] != 0
}

const numRegisters = 8

func validRegister(r byte) bool {
	return r < numRegisters
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
