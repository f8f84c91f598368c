// Package tools provides host helpers shared by the execution backends.
//
// Ownership boundary:
// - external command execution (xl, jailhouse, gdbsx, xenstore-read)
// - a recording runner for backend tests
package tools
