package formsession

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"formdesk-server/service/form"
	"formdesk-server/service/widget"
)

type fakeHandle struct {
	id        string
	kind      widget.Kind
	container string
	schema    form.Schema

	mu       sync.Mutex
	onChange []widget.ChangeFunc
	onSubmit []widget.SubmitFunc
	notices  []string
}

func (h *fakeHandle) ID() string        { return h.id }
func (h *fakeHandle) Kind() widget.Kind { return h.kind }
func (h *fakeHandle) Container() string { return h.container }

func (h *fakeHandle) OnChange(fn widget.ChangeFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = append(h.onChange, fn)
}

func (h *fakeHandle) OnSubmit(fn widget.SubmitFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSubmit = append(h.onSubmit, fn)
}

func (h *fakeHandle) noticeList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.notices...)
}

func (h *fakeHandle) Notify(message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notices = append(h.notices, message)
	return nil
}

func (h *fakeHandle) change(s string) {
	h.mu.Lock()
	fns := append([]widget.ChangeFunc(nil), h.onChange...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn(form.Schema(s))
	}
}

func (h *fakeHandle) submit(data string) {
	h.mu.Lock()
	fns := append([]widget.SubmitFunc(nil), h.onSubmit...)
	h.mu.Unlock()
	for _, fn := range fns {
		fn([]byte(data))
	}
}

type fakeWidgets struct {
	mu       sync.Mutex
	seq      int
	live     map[string]*fakeHandle
	attached []*fakeHandle
	released []string
	failNext error
}

func newFakeWidgets() *fakeWidgets {
	return &fakeWidgets{live: make(map[string]*fakeHandle)}
}

func (w *fakeWidgets) attach(kind widget.Kind, container string, schema form.Schema) (widget.Handle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.failNext; err != nil {
		w.failNext = nil
		return nil, err
	}
	for _, h := range w.live {
		if h.container == container {
			return nil, errors.New("container already has a live widget: " + container)
		}
	}
	w.seq++
	h := &fakeHandle{
		id:        fmt.Sprintf("%s-%d", kind, w.seq),
		kind:      kind,
		container: container,
		schema:    schema.Clone(),
	}
	w.live[h.id] = h
	w.attached = append(w.attached, h)
	return h, nil
}

func (w *fakeWidgets) AttachBuilder(container string, initial form.Schema, palette widget.Palette) (widget.Handle, error) {
	return w.attach(widget.KindBuilder, container, initial)
}

func (w *fakeWidgets) AttachRenderer(container string, schema form.Schema) (widget.Handle, error) {
	return w.attach(widget.KindRenderer, container, schema)
}

func (w *fakeWidgets) Release(h widget.Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.live[h.ID()]; !ok {
		return widget.ErrReleased
	}
	delete(w.live, h.ID())
	w.released = append(w.released, h.ID())
	return nil
}

func (w *fakeWidgets) liveIn(container string) *fakeHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range w.live {
		if h.container == container {
			return h
		}
	}
	return nil
}

func (w *fakeWidgets) liveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.live)
}

type fakeSink struct {
	mu      sync.Mutex
	calls   []form.Payload
	body    []byte
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (s *fakeSink) Submit(ctx context.Context, p form.Payload) ([]byte, error) {
	s.mu.Lock()
	s.calls = append(s.calls, p)
	block, entered := s.block, s.entered
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.body, nil
}

func (s *fakeSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
