//go:build linux && amd64

// Package trap implements the write-fault interception of spec.md
// §4.4 (see Trap) plus a minimal x86-64 instruction-length decoder
// that reports an instruction's length and store operand width. Trap
// does not patch instructions and sizes SYNC_INFO from the caller's
// byte slice; the decoder is used only by describeFault, to describe
// the fault site when a write panics.
//
// Grounded on dsm_sync.c's getInstLength (_examples/original_source),
// which used Intel XED's instruction-length decode for the same
// purpose; XED itself is not a Go dependency available in this corpus,
// so the decoder here covers the legacy-prefix/REX/ModRM/SIB/
// displacement/immediate shape of x86-64 instructions without a full
// opcode table — sufficient for the store forms a compiler emits for a
// plain shared-memory assignment (MOV family, the only forms this
// runtime needs to decode since only a store can raise the protection
// fault this package exists to intercept).
package trap

import "fmt"

// Decoded describes one decoded instruction: its total length and its
// store operand width in bytes.
type Decoded struct {
	Length int
	Width  int
}

// legacyPrefixes lists the one-byte legacy prefixes that may precede
// REX and the opcode.
func isLegacyPrefix(b byte) bool {
	switch b {
	case 0x66, 0x67, 0xF0, 0xF2, 0xF3, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
		return true
	}
	return false
}

func isREX(b byte) bool {
	return b&0xF0 == 0x40
}

// modrmLen returns the number of bytes occupied by the ModRM byte plus
// any SIB and displacement bytes that follow it, for a ModRM byte at
// p[0]. The 0x67 address-size override is not taken into account.
func modrmLen(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, fmt.Errorf("trap: truncated modrm")
	}

	modrm := p[0]
	mod := modrm >> 6
	rm := modrm & 0x7

	n := 1
	hasSIB := false

	if mod != 3 && rm == 4 {
		hasSIB = true
		n++
	}

	switch {
	case mod == 0 && rm == 5:
		// RIP-relative or, with SIB base=101, disp32.
		n += 4
	case mod == 1:
		n += 1
	case mod == 2:
		n += 4
	}

	if hasSIB && mod == 0 {
		if len(p) < 2 {
			return 0, fmt.Errorf("trap: truncated sib")
		}
		sib := p[1]
		base := sib & 0x7
		if base == 5 {
			n += 4
		}
	}

	if n > len(p) {
		return 0, fmt.Errorf("trap: truncated modrm/sib/disp")
	}

	return n, nil
}

// Decode decodes the single x86-64 instruction at the start of code,
// returning its length and, for the MOV-family store forms this
// runtime expects at a write-fault site, its operand width in bytes.
//
// Decode only needs to handle store instructions: the fault that
// drives this package can only be raised by a write, so any opcode it
// is asked to decode is, by construction, a store to the faulting
// address.
func Decode(code []byte) (Decoded, error) {
	i := 0
	operandSize16 := false
	rexW := false
	rexPresent := false

	for i < len(code) && isLegacyPrefix(code[i]) {
		if code[i] == 0x66 {
			operandSize16 = true
		}
		i++
	}

	if i < len(code) && isREX(code[i]) {
		rexPresent = true
		rexW = code[i]&0x08 != 0
		i++
	}
	_ = rexPresent

	if i >= len(code) {
		return Decoded{}, fmt.Errorf("trap: truncated instruction, no opcode")
	}

	opcode := code[i]
	i++

	var width int
	var hasModRM bool

	switch opcode {
	case 0x88: // MOV r/m8, r8
		width = 1
		hasModRM = true
	case 0x89: // MOV r/m(16|32|64), r(16|32|64)
		hasModRM = true
		width = operandWidth(operandSize16, rexW)
	case 0xC6: // MOV r/m8, imm8
		width = 1
		hasModRM = true
	case 0xC7: // MOV r/m(16|32|64), imm(16|32)
		hasModRM = true
		width = operandWidth(operandSize16, rexW)
	default:
		// Outside the MOV-store forms this runtime targets: fall
		// back to treating it as a single ModRM-bearing instruction
		// with machine-word width, matching the original source's
		// fixed window for anything beyond its common case.
		hasModRM = true
		width = operandWidth(operandSize16, rexW)
	}

	if hasModRM {
		rest := code[i:]
		n, err := modrmLen(rest)
		if err != nil {
			return Decoded{}, err
		}
		i += n
	}

	switch opcode {
	case 0xC6:
		i += 1
	case 0xC7:
		if operandSize16 {
			i += 2
		} else {
			i += 4
		}
	}

	if i > len(code) {
		return Decoded{}, fmt.Errorf("trap: decoded length exceeds available bytes")
	}

	return Decoded{Length: i, Width: width}, nil
}

func operandWidth(operandSize16, rexW bool) int {
	switch {
	case rexW:
		return 8
	case operandSize16:
		return 2
	default:
		return 4
	}
}
