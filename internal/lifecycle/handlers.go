package lifecycle

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/danmuck/micad/internal/faults"
	logs "github.com/danmuck/micad/internal/logging"
	"github.com/danmuck/micad/internal/protocol"
)

// followupWait bounds how long a partially received binary create message
// may take to complete.
const followupWait = 100 * time.Millisecond

// CreationHandler serves the creation endpoint.
type CreationHandler struct {
	c *Controller
}

func NewCreationHandler(c *Controller) *CreationHandler {
	return &CreationHandler{c: c}
}

func (h *CreationHandler) ServeConn(conn net.Conn) {
	layout := h.c.Layout()
	raw, err := readCreate(conn, layout)
	if err != nil {
		logs.Warnf("lifecycle.CreationHandler read err=%v", err)
		reply(conn, "create", false, "")
		return
	}

	req, err := layout.ParseCreateRequest(raw)
	if err != nil {
		logs.Warnf("lifecycle.CreationHandler parse bytes=%d kind=%s err=%v", len(raw), faults.KindOf(err), err)
		reply(conn, "create", false, "")
		return
	}

	switch req.Kind {
	case protocol.RequestStatus:
		reply(conn, "status", true, h.c.StatusAll())
	default:
		err := h.c.Create(context.Background(), req.Message, req.Binary)
		if err != nil {
			logs.Warnf("lifecycle.CreationHandler create name=%q binary=%t kind=%s err=%v", req.Message.Name, req.Binary, faults.KindOf(err), err)
		}
		reply(conn, "create", err == nil, "")
	}
}

// readCreate reads one request. A first read shorter than the binary prefix
// is a text command; otherwise the rest of the struct is collected until it
// is complete, the peer half-closes, or the follow-up window passes.
func readCreate(conn net.Conn, layout protocol.Layout) ([]byte, error) {
	buf := make([]byte, layout.Size())
	n, err := conn.Read(buf)
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		return nil, err
	}
	if n < layout.MinBinarySize() {
		return buf[:n], nil
	}

	for n < len(buf) {
		_ = conn.SetReadDeadline(time.Now().Add(followupWait))
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
				break
			}
			return nil, err
		}
	}
	return buf[:n], nil
}

// ControlHandler serves one client's control endpoint.
type ControlHandler struct {
	c    *Controller
	name string
}

func (h *ControlHandler) ServeConn(conn net.Conn) {
	buf := make([]byte, protocol.ControlMsgSize)
	n, err := conn.Read(buf)
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		logs.Warnf("lifecycle.ControlHandler name=%q read err=%v", h.name, err)
		reply(conn, "control", false, "")
		return
	}

	cmd, err := protocol.ParseControl(buf[:n])
	if err != nil {
		logs.Warnf("lifecycle.ControlHandler name=%q parse kind=%s err=%v", h.name, faults.KindOf(err), err)
		reply(conn, "control", false, "")
		return
	}

	ctx := context.Background()
	var detail string
	switch cmd.Verb {
	case protocol.VerbStart:
		err = h.c.Start(ctx, h.name)
	case protocol.VerbStop:
		err = h.c.Stop(ctx, h.name)
	case protocol.VerbRemove:
		err = h.c.Remove(ctx, h.name)
	case protocol.VerbSet:
		err = h.c.Set(ctx, h.name, cmd)
	case protocol.VerbStatus:
		detail, err = h.c.Status(h.name)
	case protocol.VerbGdb:
		detail, err = h.c.Gdb(h.name)
	}
	if err != nil {
		logs.Warnf("lifecycle.ControlHandler name=%q cmd=%q kind=%s err=%v", h.name, cmd.Raw, faults.KindOf(err), err)
		reply(conn, string(cmd.Verb), false, "")
		return
	}
	logs.Debugf("lifecycle.ControlHandler name=%q cmd=%q ok", h.name, cmd.Raw)
	reply(conn, string(cmd.Verb), true, detail)
}

func reply(conn net.Conn, op string, ok bool, detail string) {
	if err := protocol.WriteReply(conn, ok, detail); err != nil {
		logs.Warnf("lifecycle.reply op=%s ok=%t err=%v", op, ok, err)
	}
}
