package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

// ControlMsgSize bounds a control command, terminator included.
const ControlMsgSize = 32

type Verb string

const (
	VerbStart  Verb = "start"
	VerbStop   Verb = "stop"
	VerbRemove Verb = "rm"
	VerbStatus Verb = "status"
	VerbSet    Verb = "set"
	VerbGdb    Verb = "gdb"
)

var verbs = map[string]Verb{
	"start":  VerbStart,
	"stop":   VerbStop,
	"rm":     VerbRemove,
	"status": VerbStatus,
	"set":    VerbSet,
	"gdb":    VerbGdb,
}

// Command is a parsed control request. Args keep their original case; only
// the verb is case-folded.
type Command struct {
	Verb Verb
	Args []string
	Raw  string
}

// ParseControl decodes at most ControlMsgSize bytes of a control request.
func ParseControl(raw []byte) (Command, error) {
	if len(raw) > ControlMsgSize {
		raw = raw[:ControlMsgSize]
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	text := strings.TrimSpace(string(raw))
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}
	verb, ok := verbs[strings.ToLower(fields[0])]
	if !ok {
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
	if verb != VerbSet && len(fields) > 1 {
		return Command{}, fmt.Errorf("%w: %s takes no arguments", ErrUnknownCommand, verb)
	}
	return Command{Verb: verb, Args: fields[1:], Raw: text}, nil
}

// KeyValue returns the key and value of a set command.
func (c Command) KeyValue() (string, string, error) {
	if c.Verb != VerbSet || len(c.Args) != 2 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSet, c.Raw)
	}
	return c.Args[0], c.Args[1], nil
}

// EncodeControl renders a control command for the wire.
func EncodeControl(verb Verb, args ...string) ([]byte, error) {
	parts := append([]string{string(verb)}, args...)
	line := strings.Join(parts, " ")
	if len(line) >= ControlMsgSize {
		return nil, fmt.Errorf("%w: %q", ErrCommandTooLong, line)
	}
	return []byte(line), nil
}
