package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const (
	ReplySuccess = "MICA-SUCCESS"
	ReplyFailed  = "MICA-FAILED"
)

// Reply is what a caller sees: pass/fail plus any text sent before the token.
type Reply struct {
	OK     bool
	Detail string
}

// WriteReply sends optional detail followed by exactly one status token.
func WriteReply(w io.Writer, ok bool, detail string) error {
	var b strings.Builder
	if detail != "" {
		b.WriteString(detail)
		if !strings.HasSuffix(detail, "\n") {
			b.WriteByte('\n')
		}
	}
	if ok {
		b.WriteString(ReplySuccess)
	} else {
		b.WriteString(ReplyFailed)
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// ReadReply reads lines until a status token appears.
func ReadReply(r io.Reader) (Reply, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	var detail []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, ReplySuccess):
			detail = appendPrefix(detail, line, ReplySuccess)
			return Reply{OK: true, Detail: strings.Join(detail, "\n")}, nil
		case strings.Contains(line, ReplyFailed):
			detail = appendPrefix(detail, line, ReplyFailed)
			return Reply{OK: false, Detail: strings.Join(detail, "\n")}, nil
		default:
			detail = append(detail, line)
		}
	}
	if err := sc.Err(); err != nil {
		return Reply{Detail: strings.Join(detail, "\n")}, fmt.Errorf("protocol: read reply: %w", err)
	}
	return Reply{Detail: strings.Join(detail, "\n")}, ErrNoReplyToken
}

func appendPrefix(detail []string, line, token string) []string {
	if prefix := strings.TrimSpace(line[:strings.Index(line, token)]); prefix != "" {
		return append(detail, prefix)
	}
	return detail
}
