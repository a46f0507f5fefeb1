package vm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func movImm(reg byte, val byte) []byte {
	instr := make([]byte, 34)
	instr[0] = byte(OpMovI)
	instr[1] = reg
	instr[33] = val
	return instr
}

// happyPathProgram encodes a trivial "move constants 1..8 into registers
// R0..R7, then HALT" puzzle.
func happyPathProgram() []byte {
	var prog []byte
	for r := byte(0); r < numRegisters; r++ {
		prog = append(prog, movImm(r, r+1)...)
	}
	prog = append(prog, byte(OpHalt))
	return prog
}

func TestRunHaltsAndDerivesK2(t *testing.T) {
	v := New(happyPathProgram())
	res := v.Run()

	require.Equal(t, ExitHalted, res.Kind)
	require.NotEqual(t, [32]byte{}, res.K2)
}

func TestRunIsDeterministic(t *testing.T) {
	prog := happyPathProgram()

	res1 := New(prog).Run()
	res2 := New(prog).Run()

	require.Equal(t, res1.K2, res2.K2)
}

// TestRunExhaustsCycleBudget covers scenario (d): a program whose only
// instruction jumps to itself must fault with FaultCycleExhausted rather
// than run forever.
func TestRunExhaustsCycleBudget(t *testing.T) {
	prog := []byte{byte(OpJmp), 0x00, 0x00, 0x00, 0x00}
	v := NewWithBudget(prog, 1000)

	res := v.Run()

	require.Equal(t, ExitFaulted, res.Kind)
	require.Equal(t, FaultCycleExhausted, res.Fault)
}

func TestRunFaultsOnUnknownOpcode(t *testing.T) {
	v := New([]byte{0xFF})

	res := v.Run()

	require.Equal(t, ExitFaulted, res.Kind)
	require.Equal(t, FaultInvalidProgram, res.Fault)
}

func TestRunFaultsOnTruncatedInstruction(t *testing.T) {
	v := New([]byte{byte(OpMovI), 0x00}) // missing the 32-byte immediate

	res := v.Run()

	require.Equal(t, ExitFaulted, res.Kind)
	require.Equal(t, FaultInvalidProgram, res.Fault)
}

func TestRunFaultsOnOutOfRangeRegister(t *testing.T) {
	instr := movImm(0x09, 1) // only registers 0-7 exist
	v := New(append(instr, byte(OpHalt)))

	res := v.Run()

	require.Equal(t, ExitFaulted, res.Kind)
	require.Equal(t, FaultInvalidProgram, res.Fault)
}

// TestStoreThenLoadRoundTrips exercises byte-addressable, unaligned
// LOAD/STORE against the sparse page map (§8.3).
func TestStoreThenLoadRoundTrips(t *testing.T) {
	var prog []byte
	prog = append(prog, movImm(0, 0)...)            // r0 = base address 0
	prog = append(prog, movImm(1, 0x42)...)         // r1 = value to store
	prog = append(prog, byte(OpStore), 0, 0x00, 0x00, 0x10, 0x07, 1) // STORE [r0+0x1007], r1
	prog = append(prog, byte(OpLoad), 2, 0, 0x00, 0x00, 0x10, 0x07)  // LOAD r2, [r0+0x1007]
	prog = append(prog, byte(OpHalt))

	v := New(prog)
	res := v.Run()

	require.Equal(t, ExitHalted, res.Kind)
	require.True(t, v.registers[2].Eq(v.registers[1]))
}

func TestHashInstructionReadsFromMemory(t *testing.T) {
	var prog []byte
	prog = append(prog, movImm(0, 0)...) // r0 = 0, base address
	prog = append(prog, byte(OpHash), 1, 0, 0x00, 0x00, 0x00, 0x20) // HASH r1, [r0], len=32
	prog = append(prog, byte(OpHalt))

	v := New(prog)
	res := v.Run()

	require.Equal(t, ExitHalted, res.Kind)
	require.False(t, v.registers[1].IsZero())
}
