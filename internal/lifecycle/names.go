package lifecycle

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/danmuck/micad/internal/faults"
)

// CreationSentinel names the creation endpoint. No client may take it.
const CreationSentinel = "mica-create"

// AliasPrefix starts every console alias file name.
const AliasPrefix = "ttyRPMSG_"

// ValidateName checks a client name against the wire field capacity and
// the filesystem names derived from it.
func ValidateName(name string, maxLen int) error {
	switch {
	case name == "":
		return fmt.Errorf("empty client name: %w", faults.ErrInvalidConfig)
	case maxLen > 0 && len(name) > maxLen:
		return fmt.Errorf("client name %q longer than %d bytes: %w", name, maxLen, faults.ErrInvalidConfig)
	case name == "." || name == "..":
		return fmt.Errorf("client name %q: %w", name, faults.ErrInvalidConfig)
	case name == CreationSentinel:
		return fmt.Errorf("client name %q is reserved: %w", name, faults.ErrInvalidConfig)
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("client name %q contains '/': %w", name, faults.ErrInvalidConfig)
	case strings.IndexFunc(name, func(r rune) bool { return unicode.IsSpace(r) || r == 0 }) >= 0:
		return fmt.Errorf("client name %q contains whitespace: %w", name, faults.ErrInvalidConfig)
	}
	return nil
}

// AliasName is the console alias file name for a client.
func AliasName(name string) string {
	var b strings.Builder
	b.WriteString(AliasPrefix)
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
