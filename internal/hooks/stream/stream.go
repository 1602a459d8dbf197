// Package stream adapts a VM Hook to a remote websocket transport, so a
// debugger or profiler can attach out-of-process instead of linking
// against the VM directly (domain stack #2).
package stream

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kunitoki/etch/internal/bytecode"
	"github.com/kunitoki/etch/internal/diag"
	"github.com/kunitoki/etch/internal/vm"
)

// Event is the portable (JSON-encodable) form of a dispatch-loop
// callback, since a Frame/Instruction cannot cross a websocket boundary
// by reference. Session tags every event with the Hook's connection id,
// so a debugger juggling log output from several runs can tell them
// apart.
type Event struct {
	Session  string `json:"session"`
	Kind     string `json:"kind"` // "instruction" | "call" | "return" | "error"
	PC       int    `json:"pc,omitempty"`
	Opcode   string `json:"opcode,omitempty"`
	FuncName string `json:"func_name,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Command is what a remote debugger sends back to request the dispatch
// loop stop at the next suspension point.
type Command struct {
	Stop bool `json:"stop"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hook streams dispatch-loop events to a single connected websocket
// client and honors Command.Stop replies as the hook's HookResult.
type Hook struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	log     *diag.Logger
	session string
}

// Upgrade upgrades an HTTP request to a websocket connection and returns
// a Hook bound to it — one client per Hook, matching the single-VM,
// single-debugger-session model the spec's hook interface assumes.
func Upgrade(w http.ResponseWriter, r *http.Request, log *diag.Logger) (*Hook, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = diag.NewDiscard()
	}
	return &Hook{conn: conn, log: log, session: uuid.NewString()}, nil
}

func (h *Hook) send(ev Event) vm.HookResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return vm.HookResult{}
	}
	ev.Session = h.session
	if err := h.conn.WriteJSON(ev); err != nil {
		h.log.Errorf("hooks/stream: write failed: %v", err)
		return vm.HookResult{}
	}
	var cmd Command
	if err := h.conn.ReadJSON(&cmd); err != nil {
		h.log.Errorf("hooks/stream: read failed: %v", err)
		return vm.HookResult{}
	}
	return vm.HookResult{Stop: cmd.Stop}
}

func (h *Hook) OnInstruction(f *vm.Frame, pc int, ins bytecode.Instruction) vm.HookResult {
	return h.send(Event{Kind: "instruction", PC: pc, Opcode: ins.Op.String()})
}

func (h *Hook) OnCall(f *vm.Frame, funcName string) vm.HookResult {
	return h.send(Event{Kind: "call", FuncName: funcName})
}

func (h *Hook) OnReturn(f *vm.Frame, result interface{}) vm.HookResult {
	b, _ := json.Marshal(result)
	return h.send(Event{Kind: "return", Message: string(b)})
}

func (h *Hook) OnError(f *vm.Frame, err error) vm.HookResult {
	return h.send(Event{Kind: "error", Message: err.Error()})
}

// Close closes the underlying websocket connection.
func (h *Hook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}
