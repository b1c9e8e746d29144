// Package widget models the embedded builder/renderer widgets as two attach
// capabilities plus an explicit Release. A Slot keeps at most one live handle
// per container.
package widget

import (
	"errors"
	"sync"

	"formdesk-server/service/form"
)

type Kind string

const (
	KindBuilder  Kind = "builder"
	KindRenderer Kind = "renderer"
)

var ErrReleased = errors.New("widget handle already released")

type ChangeFunc func(schema form.Schema)

// SubmitFunc receives the filled-in values of a rendered form.
type SubmitFunc func(data []byte)

type Handle interface {
	ID() string
	Kind() Kind
	Container() string
	OnChange(fn ChangeFunc)
	OnSubmit(fn SubmitFunc)
	// Notify shows a message to the user next to the widget.
	Notify(message string) error
}

type Builder interface {
	AttachBuilder(container string, initial form.Schema, palette Palette) (Handle, error)
}

type Renderer interface {
	AttachRenderer(container string, schema form.Schema) (Handle, error)
}

type Releaser interface {
	Release(h Handle) error
}

type Widgets interface {
	Builder
	Renderer
	Releaser
}

// Slot is a single container region. Mount releases whatever is mounted
// before attaching again.
type Slot struct {
	mu        sync.Mutex
	container string
	releaser  Releaser
	current   Handle
}

func NewSlot(container string, releaser Releaser) *Slot {
	return &Slot{container: container, releaser: releaser}
}

func (s *Slot) Container() string {
	return s.container
}

// Mount releases the current handle, then calls attach. When attach fails the
// slot stays empty.
func (s *Slot) Mount(attach func(container string) (Handle, error)) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.releaseLocked(); err != nil {
		return nil, err
	}
	h, err := attach(s.container)
	if err != nil {
		return nil, err
	}
	s.current = h
	return h, nil
}

func (s *Slot) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseLocked()
}

func (s *Slot) releaseLocked() error {
	if s.current == nil {
		return nil
	}
	h := s.current
	s.current = nil
	if err := s.releaser.Release(h); err != nil && !errors.Is(err, ErrReleased) {
		return err
	}
	return nil
}

func (s *Slot) Current() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
