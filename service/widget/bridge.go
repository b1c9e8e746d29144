package widget

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"formdesk-server/service/form"

	"github.com/bytedance/sonic"
	"github.com/duke-git/lancet/v2/eventbus"
	"github.com/google/uuid"
)

const (
	FrameAttach  = "attach"
	FrameRelease = "release"
	FrameNotify  = "notify"
	FrameChange  = "change"
	FrameSubmit  = "submit"
)

// Transport delivers frames to the page hosting the widgets.
type Transport interface {
	Send(msg []byte) error
}

// Frame is one websocket message between the server and the widget page.
type Frame struct {
	Type       string          `json:"type"`
	Handle     string          `json:"handle"`
	Kind       Kind            `json:"kind,omitempty"`
	Container  string          `json:"container,omitempty"`
	Definition form.Schema     `json:"definition,omitempty"`
	Palette    Palette         `json:"palette,omitempty"`
	Message    string          `json:"message,omitempty"`
	Schema     form.Schema     `json:"schema,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type Event struct {
	Type   string
	Handle string
	Data   []byte
}

// Bridge implements Widgets by driving browser-side widget instances over a
// Transport. Page events are routed to handle callbacks through an event bus
// keyed by handle id.
type Bridge struct {
	mu        sync.Mutex
	transport Transport
	bus       *eventbus.EventBus[Event]
	live      map[string]*bridgeHandle
	seq       uint64
}

var _ Widgets = (*Bridge)(nil)

func NewBridge(transport Transport) *Bridge {
	return &Bridge{
		transport: transport,
		bus:       eventbus.NewEventBus[Event](),
		live:      make(map[string]*bridgeHandle),
	}
}

func (b *Bridge) AttachBuilder(container string, initial form.Schema, palette Palette) (Handle, error) {
	return b.attach(Frame{
		Kind:       KindBuilder,
		Container:  container,
		Definition: initial,
		Palette:    palette,
	})
}

func (b *Bridge) AttachRenderer(container string, schema form.Schema) (Handle, error) {
	if schema.IsZero() {
		return nil, errors.New("renderer requires a schema")
	}
	return b.attach(Frame{
		Kind:       KindRenderer,
		Container:  container,
		Definition: schema,
	})
}

func (b *Bridge) attach(f Frame) (Handle, error) {
	f.Type = FrameAttach
	f.Handle = uuid.NewString()
	msg, err := sonic.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attach frame: %w", err)
	}

	h := &bridgeHandle{
		id:        f.Handle,
		kind:      f.Kind,
		container: f.Container,
		attach:    msg,
		bridge:    b,
	}
	b.bus.Subscribe(h.id, h.dispatch, false, 0, nil)

	b.mu.Lock()
	b.seq++
	h.seq = b.seq
	b.live[h.id] = h
	b.mu.Unlock()

	if err := b.transport.Send(msg); err != nil {
		b.forget(h.id)
		return nil, fmt.Errorf("failed to attach %s widget: %w", f.Kind, err)
	}
	slog.Debug("widget attached", "handle", h.id, "kind", h.kind, "container", h.container)
	return h, nil
}

func (b *Bridge) Release(h Handle) error {
	if h == nil {
		return nil
	}
	if !b.forget(h.ID()) {
		return ErrReleased
	}
	msg, err := sonic.Marshal(Frame{Type: FrameRelease, Handle: h.ID()})
	if err != nil {
		return fmt.Errorf("failed to encode release frame: %w", err)
	}
	slog.Debug("widget released", "handle", h.ID(), "kind", h.Kind())
	return b.transport.Send(msg)
}

func (b *Bridge) forget(id string) bool {
	b.mu.Lock()
	h, ok := b.live[id]
	delete(b.live, id)
	b.mu.Unlock()
	if !ok {
		return false
	}
	h.markReleased()
	b.bus.ClearListenersByTopic(id)
	return true
}

// Dispatch routes one frame received from the page. Frames for handles that
// are no longer live are dropped.
func (b *Bridge) Dispatch(raw []byte) error {
	var f Frame
	if err := sonic.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("failed to decode widget frame: %w", err)
	}
	var data []byte
	switch f.Type {
	case FrameChange:
		data = f.Schema
	case FrameSubmit:
		data = f.Data
	default:
		return fmt.Errorf("unsupported widget frame type: %q", f.Type)
	}

	b.mu.Lock()
	_, ok := b.live[f.Handle]
	b.mu.Unlock()
	if !ok {
		slog.Debug("dropping event for released widget", "handle", f.Handle, "type", f.Type)
		return nil
	}
	b.bus.Publish(eventbus.Event[Event]{
		Topic:   f.Handle,
		Payload: Event{Type: f.Type, Handle: f.Handle, Data: data},
	})
	return nil
}

// Replay sends the attach frame of every live handle, oldest first. Used when
// a page connects after widgets were mounted.
func (b *Bridge) Replay(send func(msg []byte) error) error {
	b.mu.Lock()
	handles := make([]*bridgeHandle, 0, len(b.live))
	for _, h := range b.live {
		handles = append(handles, h)
	}
	b.mu.Unlock()
	sort.Slice(handles, func(i, j int) bool { return handles[i].seq < handles[j].seq })

	for _, h := range handles {
		if err := send(h.attach); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

type bridgeHandle struct {
	id        string
	kind      Kind
	container string
	attach    []byte
	seq       uint64
	bridge    *Bridge

	mu       sync.Mutex
	released bool
	onChange []ChangeFunc
	onSubmit []SubmitFunc
}

func (h *bridgeHandle) ID() string        { return h.id }
func (h *bridgeHandle) Kind() Kind        { return h.kind }
func (h *bridgeHandle) Container() string { return h.container }

func (h *bridgeHandle) OnChange(fn ChangeFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

func (h *bridgeHandle) OnSubmit(fn SubmitFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSubmit = append(h.onSubmit, fn)
}

func (h *bridgeHandle) Notify(message string) error {
	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if released {
		return ErrReleased
	}
	msg, err := sonic.Marshal(Frame{Type: FrameNotify, Handle: h.id, Message: message})
	if err != nil {
		return fmt.Errorf("failed to encode notify frame: %w", err)
	}
	return h.bridge.transport.Send(msg)
}

func (h *bridgeHandle) markReleased() {
	h.mu.Lock()
	h.released = true
	h.onChange = nil
	h.onSubmit = nil
	h.mu.Unlock()
}

func (h *bridgeHandle) dispatch(e Event) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	changes := append([]ChangeFunc(nil), h.onChange...)
	submits := append([]SubmitFunc(nil), h.onSubmit...)
	h.mu.Unlock()

	switch e.Type {
	case FrameChange:
		schema := form.Schema(e.Data).Clone()
		for _, fn := range changes {
			fn(schema)
		}
	case FrameSubmit:
		for _, fn := range submits {
			fn(e.Data)
		}
	}
}
