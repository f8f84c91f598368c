package protocol

import (
	"bytes"
	"fmt"
	"strings"
)

// RequestKind classifies what arrived on the creation endpoint.
type RequestKind int

const (
	RequestCreate RequestKind = iota + 1
	RequestStatus
)

func (k RequestKind) String() string {
	switch k {
	case RequestCreate:
		return "create"
	case RequestStatus:
		return "status"
	default:
		return "unknown"
	}
}

// CreateRequest is one decoded creation-endpoint request. Binary is true when
// the payload used the fixed layout rather than the text form; only binary
// requests carry an image path.
type CreateRequest struct {
	Kind    RequestKind
	Binary  bool
	Message CreateMessage
}

// ParseCreateRequest applies the dual-mode rule: payloads covering the layout
// prefix through the debug flag are binary; anything shorter is a text line.
func (l Layout) ParseCreateRequest(raw []byte) (CreateRequest, error) {
	if len(raw) >= l.MinBinarySize() {
		msg, err := l.Decode(raw)
		if err != nil {
			return CreateRequest{}, err
		}
		if msg.Name == "" {
			return CreateRequest{}, ErrMissingName
		}
		return CreateRequest{Kind: RequestCreate, Binary: true, Message: msg}, nil
	}
	return l.parseTextRequest(raw)
}

func (l Layout) parseTextRequest(raw []byte) (CreateRequest, error) {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return CreateRequest{}, fmt.Errorf("%w: empty request", ErrUnknownCommand)
	}

	switch strings.ToLower(fields[0]) {
	case "status":
		if len(fields) != 1 {
			return CreateRequest{}, fmt.Errorf("%w: status takes no arguments", ErrUnknownCommand)
		}
		return CreateRequest{Kind: RequestStatus}, nil
	case "create":
		if len(fields) < 2 {
			return CreateRequest{}, ErrMissingName
		}
		if len(fields) > 2 {
			return CreateRequest{}, fmt.Errorf("%w: create takes one name", ErrUnknownCommand)
		}
		name := fields[1]
		if len(name) >= l.NameLen {
			return CreateRequest{}, fmt.Errorf("%w: name is %d bytes, limit %d", ErrFieldTooLong, len(name), l.NameLen-1)
		}
		return CreateRequest{Kind: RequestCreate, Message: CreateMessage{Name: name}}, nil
	default:
		return CreateRequest{}, fmt.Errorf("%w: %q", ErrUnknownCommand, fields[0])
	}
}
