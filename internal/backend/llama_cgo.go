//go:build llama

package backend

// Link directives for the in-process runtime: rpath $ORIGIN so libllama.so is found
// next to the binary, and -L to the repo's bin/ at link time.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"
