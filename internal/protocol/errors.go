package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/micad/internal/faults"
)

var (
	ErrTruncated      = errors.New("protocol: truncated create message")
	ErrFieldTooLong   = fmt.Errorf("protocol: field exceeds capacity: %w", faults.ErrInvalidConfig)
	ErrUnknownLayout  = fmt.Errorf("protocol: unknown wire layout: %w", faults.ErrInvalidConfig)
	ErrUnknownCommand = fmt.Errorf("protocol: unknown command: %w", faults.ErrInvalidFormat)
	ErrMissingName    = fmt.Errorf("protocol: missing client name: %w", faults.ErrInvalidFormat)
	ErrInvalidSet     = fmt.Errorf("protocol: set takes exactly one key and one value: %w", faults.ErrInvalidFormat)
	ErrCommandTooLong = fmt.Errorf("protocol: control command exceeds %d bytes: %w", ControlMsgSize, faults.ErrInvalidFormat)
	ErrNoReplyToken   = errors.New("protocol: reply ended without a status token")
)
