// Package debugdetect reports whether the current process is running
// under a debugger.
//
// Init records the answer once, Present returns the recorded answer
// without doing any I/O. A debugger attaching after Init is not seen by
// Present, IsDebuggerAttached always checks again.
//
//	func main() {
//		debugdetect.Init()
//		...
//		if debugdetect.Present() {
//			// skip timeouts
//		}
//	}
//
// Supported platforms: linux
package debugdetect
