package main

import "github.com/npequeux/rinux-sub001/kernel/kmain"

var (
	multibootInfo          []byte
	kernelStart, kernelEnd uintptr
)

// main makes a call to the actual kernel main entrypoint function. It is
// intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code.
//
// Global variables are passed as arguments to Kmain to prevent the compiler
// from inlining the actual call and removing Kmain from the generated .o file.
func main() {
	kmain.Kmain(multibootInfo, kernelStart, kernelEnd)
}
