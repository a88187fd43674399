// Package proc is a low-level package that stops a freshly executed
// child at the first instruction of its entry point.
//
// proc implements:
// * the attach sequence, driven one state at a time
// * resolution of the entry point from the child's mappings and ELF header
// * planting and removing the one-shot entry trap
// * releasing a stopped child, optionally after a delay
//
// The operating system specific parts live in proc/native. proc uses
// unix signal numbers and file metadata and builds on unix systems only.
package proc
