// Package protocol owns the mica socket wire contract.
//
// Ownership boundary:
// - fixed-layout create message (two layout generations)
// - text create/status commands on the creation endpoint
// - short text control commands on per-client endpoints
// - reply tokens and the status line format
package protocol
