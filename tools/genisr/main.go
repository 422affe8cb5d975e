// Command genisr generates the amd64 interrupt entry stubs used by the gate
// package.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"text/template"
)

// errorCodeVectors lists the vectors for which the CPU pushes an error code.
// It must agree with gate.HasErrorCode.
var errorCodeVectors = map[int]bool{
	8:  true,
	10: true,
	11: true,
	12: true,
	13: true,
	14: true,
	17: true,
}

// savedRegs lists the registers saved by the common entry path in push
// order.
var savedRegs = []string{
	"AX", "CX", "DX", "BX", "SI", "DI", "BP",
	"R8", "R9", "R10", "R11", "R12", "R13", "R14", "R15",
}

type stub struct {
	Vector       int
	HasErrorCode bool
}

var asmTemplate = template.Must(template.New("entry").Funcs(template.FuncMap{
	"reverse": func(in []string) []string {
		out := make([]string, len(in))
		for i, v := range in {
			out[len(in)-1-i] = v
		}
		return out
	},
	"mul8": func(v int) int { return v * 8 },
}).Parse(`// Code generated by genisr; DO NOT EDIT.

#include "textflag.h"

// Each stub masks interrupts, pushes a zero error code if the CPU does not
// push one for its vector, pushes the vector number and jumps to the common
// entry path.
{{- range .Stubs}}

TEXT isr{{.Vector}}<>(SB),NOSPLIT,$0
	CLI
{{- if not .HasErrorCode}}
	PUSHQ $0
{{- end}}
	PUSHQ ${{.Vector}}
	JMP ·isrCommon(SB)
{{- end}}

// isrCommon saves the general purpose registers so that the stack matches
// the layout of gate.Registers and passes a pointer to the saved block to
// dispatchInterrupt.
TEXT ·isrCommon(SB),NOSPLIT,$0
{{- range .Regs}}
	PUSHQ {{.}}
{{- end}}
	CLD
	MOVQ SP, AX
	PUSHQ AX
	CALL ·dispatchInterrupt(SB)
	ADDQ $8, SP
{{- range reverse .Regs}}
	POPQ {{.}}
{{- end}}
	// Discard the vector number and error code
	ADDQ $16, SP
	IRETQ

// loadEntryAddrs(addrs *[256]uintptr)
TEXT ·loadEntryAddrs(SB),NOSPLIT,$0-8
	MOVQ addrs+0(FP), DI
{{- range .Stubs}}
	LEAQ isr{{.Vector}}<>(SB), AX
	MOVQ AX, {{mul8 .Vector}}(DI)
{{- end}}
	RET
`))

func generate() ([]byte, error) {
	stubs := make([]stub, 256)
	for vector := range stubs {
		stubs[vector] = stub{Vector: vector, HasErrorCode: errorCodeVectors[vector]}
	}

	var buf bytes.Buffer
	err := asmTemplate.Execute(&buf, struct {
		Stubs []stub
		Regs  []string
	}{stubs, savedRegs})

	return buf.Bytes(), err
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[genisr] error: %s\n", err.Error())
	os.Exit(1)
}

func main() {
	out := flag.String("out", "entry_amd64.s", "the file to write the generated stubs to")
	flag.Parse()

	data, err := generate()
	if err != nil {
		exit(err)
	}

	if err = os.WriteFile(*out, data, 0644); err != nil {
		exit(err)
	}
}
