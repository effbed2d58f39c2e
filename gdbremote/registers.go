package gdbremote

import (
	"fmt"

	"github.com/jnesss/xpc-recorder/platform"
)

// debugserver's general purpose register numbering.
var registerNumbers = map[string]map[string]int{
	"arm64": arm64Registers(),
	"amd64": {
		"rax": 0, "rbx": 1, "rcx": 2, "rdx": 3,
		"rdi": 4, "rsi": 5, "rbp": 6, "rsp": 7,
		"r8": 8, "r9": 9, "r10": 10, "r11": 11,
		"r12": 12, "r13": 13, "r14": 14, "r15": 15,
		"rip": 16, "rflags": 17,
	},
}

func arm64Registers() map[string]int {
	m := map[string]int{"fp": 29, "lr": 30, "sp": 31, "pc": 32, "cpsr": 33}
	for i := 0; i <= 28; i++ {
		m[fmt.Sprintf("x%d", i)] = i
	}
	m["x29"], m["x30"] = 29, 30
	return m
}

// breakpointKind is the Z0 kind field: the size of the trap instruction.
func breakpointKind(arch platform.Arch) int {
	if arch.Name == "amd64" {
		return 1
	}
	return 4
}

func registerNumber(arch platform.Arch, name string) (int, error) {
	regs, ok := registerNumbers[arch.Name]
	if !ok {
		return 0, fmt.Errorf("no register table for %s", arch.Name)
	}
	n, ok := regs[name]
	if !ok {
		return 0, fmt.Errorf("unknown %s register %q", arch.Name, name)
	}
	return n, nil
}
