// Package provision defines the execution-context capability behind a
// client and the two-phase termination protocol shared by every backend.
//
// Ownership boundary:
// - Provisioner and Handle contracts
// - Terminate: graceful signal, bounded polling, forced kill, unconditional wait
// - the shell backend: a child process on a pseudo-terminal
//
// Pedestal-managed guests live in internal/pedestal and satisfy the same
// contracts.
package provision
