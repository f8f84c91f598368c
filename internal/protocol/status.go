package protocol

import (
	"fmt"
	"strings"
)

const (
	displayNameWidth = 30
	// DefaultGdbPort is where the debug bridge listens unless configured.
	DefaultGdbPort = 5678
)

// StatusHeader is the first line of the creation endpoint's status table.
var StatusHeader = FormatStatusLine("Name", "CPU", "State", "Service")

// DisplayName shortens long names to fit the name column.
func DisplayName(name string) string {
	if len(name) < displayNameWidth {
		return name
	}
	return name[:12] + "..." + name[len(name)-1:]
}

// FormatStatusLine renders one status row.
func FormatStatusLine(name, cpus, state, services string) string {
	return fmt.Sprintf("%-30s%-20s%-20s%s", DisplayName(name), cpus, state, services)
}

// GdbCommand is the ready-to-run debugger invocation for a debug client.
func GdbCommand(image string, port int) string {
	if port <= 0 {
		port = DefaultGdbPort
	}
	return strings.Join([]string{
		"gdb " + image,
		"-ex 'set remotetimeout unlimited'",
		fmt.Sprintf("-ex 'target extended-remote :%d'", port),
		"-ex 'set remote run-packet off'",
	}, " ")
}
