package kernelmock

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"pkt.systems/kernelq/internal/jupyter"
	"pkt.systems/pslog"
)

// pixelPNG is a 1x1 PNG, base64 encoded as Jupyter sends it.
const pixelPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

var builtins = map[string]string{
	"print":  "Signature: print TEXT\nDocstring: Write TEXT to stdout.",
	"eprint": "Signature: eprint TEXT\nDocstring: Write TEXT to stderr.",
	"sleep":  "Signature: sleep SECONDS\nDocstring: Block for SECONDS.",
	"raise":  "Signature: raise NAME: MESSAGE\nDocstring: Raise an error.",
	"image":  "Signature: image\nDocstring: Display a 1x1 PNG.",
}

type execRequest struct {
	conn *websocket.Conn
	msg  jupyter.Message
}

type kernel struct {
	id     string
	name   string
	logger pslog.Logger

	work chan execRequest
	stop chan struct{}
	once sync.Once

	mu        sync.Mutex
	conns     map[*websocket.Conn]struct{}
	vars      map[string]string
	count     int
	state     string
	cancelRun context.CancelFunc
}

func newKernel(id, name string, logger pslog.Logger) *kernel {
	k := &kernel{
		id:     id,
		name:   name,
		logger: logger.With("kernel_id", id),
		work:   make(chan execRequest, 64),
		stop:   make(chan struct{}),
		conns:  make(map[*websocket.Conn]struct{}),
		vars:   make(map[string]string),
		state:  "idle",
	}
	go k.run()
	return k
}

func (k *kernel) model() jupyter.KernelModel {
	k.mu.Lock()
	defer k.mu.Unlock()
	return jupyter.KernelModel{ID: k.id, Name: k.name, ExecutionState: k.state, Connections: len(k.conns)}
}

func (k *kernel) serveChannels(w http.ResponseWriter, r *http.Request, session string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		k.logger.Warn("kernel mock websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(4 * 1024 * 1024)

	k.mu.Lock()
	k.conns[conn] = struct{}{}
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.conns, conn)
		k.mu.Unlock()
	}()
	k.logger.Debug("kernel mock channels connected", "session_id", session)

	ctx := r.Context()
	for {
		var msg jupyter.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		switch msg.Header.MsgType {
		case jupyter.MsgExecuteRequest:
			select {
			case k.work <- execRequest{conn: conn, msg: msg}:
			case <-k.stop:
				return
			}
		case jupyter.MsgInspectRequest:
			k.inspect(ctx, conn, msg)
		case "kernel_info_request":
			k.reply(ctx, conn, msg, "kernel_info_reply", map[string]any{
				"status":           "ok",
				"protocol_version": jupyter.ProtocolVersion,
				"implementation":   "kernelmock",
			})
		}
	}
}

func (k *kernel) run() {
	for {
		select {
		case <-k.stop:
			return
		case req := <-k.work:
			k.execute(req)
		}
	}
}

func (k *kernel) execute(req execRequest) {
	var content jupyter.ExecuteRequest
	_ = json.Unmarshal(req.msg.Content, &content)

	ctx, cancel := context.WithCancel(context.Background())
	k.mu.Lock()
	k.count++
	count := k.count
	k.cancelRun = cancel
	k.state = "busy"
	k.mu.Unlock()
	defer func() {
		cancel()
		k.mu.Lock()
		k.cancelRun = nil
		k.state = "idle"
		k.mu.Unlock()
	}()

	parent := req.msg
	k.publish(parent, "status", jupyter.StatusContent{ExecutionState: "busy"})
	k.publish(parent, "execute_input", jupyter.ExecuteInputContent{Code: content.Code, ExecutionCount: count})
	failure := k.runCell(ctx, parent, content.Code, count)
	reply := map[string]any{"status": "ok", "execution_count": count}
	if failure != nil {
		reply = map[string]any{
			"status":          "error",
			"execution_count": count,
			"ename":           failure.EName,
			"evalue":          failure.EValue,
			"traceback":       failure.Traceback,
		}
	}
	k.reply(context.Background(), req.conn, parent, jupyter.MsgExecuteReply, reply)
	k.publish(parent, "status", jupyter.StatusContent{ExecutionState: "idle"})
}

func (k *kernel) runCell(ctx context.Context, parent jupyter.Message, code string, count int) *jupyter.ErrorContent {
	var last string
	for _, raw := range strings.Split(code, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		last = ""
		switch cmd {
		case "print":
			k.publish(parent, "stream", jupyter.StreamContent{Name: "stdout", Text: arg + "\n"})
		case "eprint":
			k.publish(parent, "stream", jupyter.StreamContent{Name: "stderr", Text: arg + "\n"})
		case "sleep":
			seconds, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return k.raise(parent, "ValueError", "could not convert string to float: '"+arg+"'")
			}
			select {
			case <-time.After(time.Duration(seconds * float64(time.Second))):
			case <-ctx.Done():
				return k.raise(parent, "KeyboardInterrupt", "")
			}
		case "raise":
			name, msg, _ := strings.Cut(arg, ":")
			return k.raise(parent, strings.TrimSpace(name), strings.TrimSpace(msg))
		case "image":
			k.publish(parent, "display_data", map[string]any{
				"data": map[string]string{
					"image/png":  pixelPNG,
					"text/plain": "<Figure size 1x1 with 0 Axes>",
				},
				"metadata": map[string]any{},
			})
		default:
			if name, value, ok := parseAssign(line); ok {
				k.mu.Lock()
				k.vars[name] = value
				k.mu.Unlock()
				continue
			}
			k.mu.Lock()
			value, ok := k.vars[line]
			k.mu.Unlock()
			if ok {
				last = value
			} else {
				last = line
			}
		}
	}
	if last != "" {
		k.publish(parent, "execute_result", map[string]any{
			"execution_count": count,
			"data":            map[string]string{"text/plain": last},
			"metadata":        map[string]any{},
		})
	}
	return nil
}

// parseAssign recognizes NAME = VALUE where NAME is an identifier.
func parseAssign(line string) (string, string, bool) {
	name, value, ok := strings.Cut(line, "=")
	if !ok || strings.HasPrefix(value, "=") {
		return "", "", false
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "", false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return "", "", false
		}
	}
	return name, strings.TrimSpace(value), true
}

func (k *kernel) raise(parent jupyter.Message, name, value string) *jupyter.ErrorContent {
	failure := &jupyter.ErrorContent{
		EName:  name,
		EValue: value,
		Traceback: []string{
			"\x1b[0;31m---------------------------------------------------------------------------\x1b[0m",
			"\x1b[0;31m" + name + "\x1b[0m: " + value,
		},
	}
	k.publish(parent, "error", failure)
	return failure
}

func (k *kernel) inspect(ctx context.Context, conn *websocket.Conn, msg jupyter.Message) {
	var req jupyter.InspectRequest
	_ = json.Unmarshal(msg.Content, &req)
	word := strings.TrimSpace(req.Code)
	k.mu.Lock()
	value, isVar := k.vars[word]
	k.mu.Unlock()
	doc, isBuiltin := builtins[word]
	reply := map[string]any{"status": "ok", "found": false, "data": map[string]string{}, "metadata": map[string]any{}}
	switch {
	case isVar:
		reply["found"] = true
		reply["data"] = map[string]string{"text/plain": "\x1b[0;31mType:\x1b[0m str\n\x1b[0;31mValue:\x1b[0m " + value}
	case isBuiltin:
		reply["found"] = true
		reply["data"] = map[string]string{"text/plain": doc}
	}
	k.reply(ctx, conn, msg, jupyter.MsgInspectReply, reply)
}

func (k *kernel) reply(ctx context.Context, conn *websocket.Conn, parent jupyter.Message, msgType string, content any) {
	msg, err := jupyter.Reply(parent, jupyter.ChannelShell, msgType, content)
	if err != nil {
		k.logger.Warn("kernel mock reply encode failed", "err", err)
		return
	}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		k.logger.Debug("kernel mock reply dropped", "err", err)
	}
}

// publish broadcasts an iopub message to every connected client.
func (k *kernel) publish(parent jupyter.Message, msgType string, content any) {
	msg, err := jupyter.Reply(parent, jupyter.ChannelIOPub, msgType, content)
	if err != nil {
		k.logger.Warn("kernel mock publish encode failed", "err", err)
		return
	}
	k.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(k.conns))
	for conn := range k.conns {
		conns = append(conns, conn)
	}
	k.mu.Unlock()
	for _, conn := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := wsjson.Write(ctx, conn, msg); err != nil {
			k.logger.Debug("kernel mock publish dropped", "err", err)
		}
		cancel()
	}
}

func (k *kernel) interrupt() {
	k.mu.Lock()
	cancel := k.cancelRun
	k.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (k *kernel) restart() {
	k.interrupt()
drain:
	for {
		select {
		case <-k.work:
		default:
			break drain
		}
	}
	k.mu.Lock()
	k.vars = make(map[string]string)
	k.count = 0
	k.mu.Unlock()
	k.publish(jupyter.Message{}, "status", jupyter.StatusContent{ExecutionState: "restarting"})
	k.publish(jupyter.Message{}, "status", jupyter.StatusContent{ExecutionState: "idle"})
}

func (k *kernel) shutdown() {
	k.once.Do(func() {
		k.interrupt()
		close(k.stop)
		k.mu.Lock()
		conns := make([]*websocket.Conn, 0, len(k.conns))
		for conn := range k.conns {
			conns = append(conns, conn)
		}
		k.mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "kernel shut down")
		}
	})
}
