// Package formsession owns one user's form session: the metadata and schema
// being built, the current mode, and the widgets mounted for that mode.
package formsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"formdesk-server/config"
	"formdesk-server/service/form"
	"formdesk-server/service/sink"
	"formdesk-server/service/stors/formstor"
	"formdesk-server/service/widget"

	"go.uber.org/multierr"
)

var (
	ErrNoSchema    = errors.New("no form schema to show")
	ErrUnknownMode = errors.New("unknown mode")
	ErrClosed      = errors.New("session closed")
	ErrNotBuilding = errors.New("schema can only change in build mode")
)

const (
	msgNoSubmitData  = "No form schema or metadata to submit"
	msgNoSaveData    = "No form schema or metadata to save"
	msgSubmitFailed  = "Failed to submit form"
	msgSaved         = "Form saved to console!"
	msgCopied        = "Full form JSON copied to clipboard!"
	msgViewSubmitted = "Form submitted successfully!"
	msgRenderFailed  = "Error rendering form. Please check the 'schema' property within your JSON."
)

type Options struct {
	Widgets widget.Widgets
	Sink    sink.Submitter
	Store   formstor.FormStorage

	// SuppressStaleResults drops a submit result when the user navigated
	// while the request was in flight.
	SuppressStaleResults bool
	// ExportNoticeTTL clears the export notice after this long; zero keeps it.
	ExportNoticeTTL time.Duration
	Now             func() time.Time
}

func DefaultOptions(widgets widget.Widgets, submitter sink.Submitter) Options {
	return Options{
		Widgets:              widgets,
		Sink:                 submitter,
		Store:                formstor.Default(),
		SuppressStaleResults: true,
		ExportNoticeTTL:      config.ExportNoticeTTL,
		Now:                  time.Now,
	}
}

// Rendered is the display-only form shown in render-existing mode. It never
// feeds back into the builder session.
type Rendered struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Schema      form.Schema `json:"schema"`
}

type State struct {
	ID          string            `json:"sessionid"`
	Mode        Mode              `json:"mode"`
	Meta        *form.Meta        `json:"meta"`
	Schema      form.Schema       `json:"schema"`
	Result      *form.Result      `json:"result"`
	Submitting  bool              `json:"submitting"`
	CanSubmit   bool              `json:"can_submit"`
	CanView     bool              `json:"can_view"`
	Rendered    *Rendered         `json:"rendered,omitempty"`
	RenderError string            `json:"render_error,omitempty"`
	Widgets     map[string]string `json:"widgets,omitempty"`
}

type Controller struct {
	id   string
	opts Options

	// opMu serializes transitions that attach or release widgets. mu guards
	// the fields below and is never held across a widget or sink call, so
	// widget callbacks can always take it.
	opMu sync.Mutex
	mu   sync.RWMutex

	mode       Mode
	prev       Mode
	meta       *form.Meta
	schema     form.Schema
	result     *form.Result
	submitting int
	epoch      uint64
	rendered   *Rendered
	renderErr  string
	closed     bool

	builder  *widget.Slot
	viewer   *widget.Slot
	renderer *widget.Slot
}

func New(id string, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = formstor.Default()
	}
	return &Controller{
		id:       id,
		opts:     opts,
		mode:     ModeHome,
		prev:     ModeHome,
		builder:  widget.NewSlot(ContainerBuilder, opts.Widgets),
		viewer:   widget.NewSlot(ContainerViewer, opts.Widgets),
		renderer: widget.NewSlot(ContainerRender, opts.Widgets),
	}
}

func (c *Controller) ID() string {
	return c.id
}

// CreateForm stores meta, drops any schema and opens a fresh builder.
func (c *Controller) CreateForm(meta form.Meta) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.meta = &meta
	c.schema = nil
	c.mu.Unlock()

	slog.Info("form created", "session", c.id, "name", meta.Name)
	return c.enter(ModeBuild)
}

// OnBuilderChange replaces the schema. Last write wins. Only build mode
// produces a schema; anywhere else the change is refused with ErrNotBuilding.
func (c *Controller) OnBuilderChange(schema form.Schema) error {
	if schema.IsZero() {
		schema = nil
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.mode != ModeBuild {
		mode := c.mode
		c.mu.Unlock()
		return fmt.Errorf("%w: session is in %s mode", ErrNotBuilding, mode)
	}
	same := c.schema.Equal(schema)
	c.schema = schema.Clone()
	c.mu.Unlock()
	if !same {
		slog.Debug("form schema autosaved", "session", c.id, "bytes", len(schema))
	}
	return nil
}

func (c *Controller) Navigate(to Mode) error {
	if _, err := ParseMode(string(to)); err != nil {
		return err
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	from, closed := c.mode, c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if from == to {
		return nil
	}
	return c.enter(to)
}

// Back returns to the mode that was active before the last transition.
func (c *Controller) Back() error {
	c.mu.RLock()
	prev := c.prev
	c.mu.RUnlock()
	return c.Navigate(prev)
}

// ViewCurrent previews the current schema in the renderer.
func (c *Controller) ViewCurrent() error {
	return c.Navigate(ModeView)
}

// enter must be called with opMu held.
func (c *Controller) enter(to Mode) error {
	c.mu.Lock()
	if to == ModeView && c.schema.IsZero() {
		c.mu.Unlock()
		return ErrNoSchema
	}
	from := c.mode
	c.mu.Unlock()

	if slot := c.slotFor(from); slot != nil {
		if err := slot.Release(); err != nil {
			slog.Warn("failed to release widget", "session", c.id, "mode", from, "err", err)
		}
	}

	c.mu.Lock()
	c.prev = from
	c.mode = to
	c.epoch++
	if to == ModeRenderExisting {
		c.rendered = nil
		c.renderErr = ""
	}
	schema := c.schema.Clone()
	c.mu.Unlock()
	slog.Debug("mode changed", "session", c.id, "from", from, "to", to)

	switch to {
	case ModeBuild:
		c.mountBuilder(schema)
	case ModeView:
		c.mountViewer(schema)
	}
	return nil
}

func (c *Controller) slotFor(m Mode) *widget.Slot {
	switch m {
	case ModeBuild:
		return c.builder
	case ModeView:
		return c.viewer
	case ModeRenderExisting:
		return c.renderer
	}
	return nil
}

// mountBuilder opens the builder on the held schema, or on an empty
// definition for a new form.
func (c *Controller) mountBuilder(schema form.Schema) {
	initial := schema
	if initial.IsZero() {
		initial = widget.InitialDefinition
	}
	h, err := c.builder.Mount(func(container string) (widget.Handle, error) {
		return c.opts.Widgets.AttachBuilder(container, initial, widget.DefaultPalette())
	})
	if err != nil {
		slog.Error("builder initialization error", "session", c.id, "err", err)
		return
	}
	h.OnChange(func(s form.Schema) {
		if err := c.OnBuilderChange(s); err != nil {
			slog.Debug("dropped builder change", "session", c.id, "err", err)
		}
	})
}

func (c *Controller) mountViewer(schema form.Schema) {
	h, err := c.viewer.Mount(func(container string) (widget.Handle, error) {
		return c.opts.Widgets.AttachRenderer(container, schema)
	})
	if err != nil {
		slog.Error("failed to render current form", "session", c.id, "err", err)
		return
	}
	// terminal: a preview submission never reaches the session state
	h.OnSubmit(func(data []byte) {
		slog.Info("Form submitted", "session", c.id, "submission", string(data))
		if err := h.Notify(msgViewSubmitted); err != nil {
			slog.Warn("failed to notify preview submit", "session", c.id, "err", err)
		}
	})
}

// SubmitRemote posts the merged form to the sink. Each call is one request;
// the lock is not held while it runs.
func (c *Controller) SubmitRemote(ctx context.Context) *form.Result {
	c.mu.Lock()
	if c.schema.IsZero() || c.meta == nil {
		c.result = form.Failure(msgNoSubmitData)
		r := c.result
		c.mu.Unlock()
		return r
	}
	payload := form.NewPayload(*c.meta, c.schema, c.opts.Now())
	epoch := c.epoch
	c.submitting++
	c.result = nil
	c.mu.Unlock()

	body, err := c.opts.Sink.Submit(ctx, payload)
	var r *form.Result
	switch {
	case errors.Is(err, sink.ErrRejected):
		r = form.Failure(sink.ErrRejected.Error())
	case err != nil:
		msg := err.Error()
		if msg == "" {
			msg = msgSubmitFailed
		}
		r = form.Failure(msg)
	default:
		r = form.SuccessValue(body)
	}
	if r.Failed() {
		slog.Warn("form submission failed", "session", c.id, "err", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitting--
	if c.opts.SuppressStaleResults && epoch != c.epoch {
		slog.Info("discarding stale submission result", "session", c.id, "failed", r.Failed())
		return r
	}
	c.result = r
	return r
}

// SaveLocally keeps the merged form in local storage and logs it.
func (c *Controller) SaveLocally(ctx context.Context) *form.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.schema.IsZero() || c.meta == nil {
		c.result = form.Failure(msgNoSaveData)
		return c.result
	}
	payload := form.NewPayload(*c.meta, c.schema, c.opts.Now())
	if err := c.opts.Store.Save(ctx, c.id, payload); err != nil {
		c.result = form.Failure(fmt.Sprintf("failed to save form: %v", err))
		return c.result
	}
	slog.Info("Form saved", "session", c.id, "form", payload)
	c.result = form.SuccessText(msgSaved)
	return c.result
}

func (c *Controller) SavedForms(ctx context.Context) []form.Payload {
	return c.opts.Store.List(ctx, c.id)
}

// ExportJSON returns the full form object for copying. The notice it sets
// clears itself after ExportNoticeTTL unless something replaced it.
func (c *Controller) ExportJSON() (form.FullForm, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.schema.IsZero() {
		return form.FullForm{}, ErrNoSchema
	}
	ff := form.Export(c.meta, c.schema)
	notice := form.SuccessText(msgCopied)
	c.result = notice
	if ttl := c.opts.ExportNoticeTTL; ttl > 0 {
		time.AfterFunc(ttl, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.result == notice {
				c.result = nil
			}
		})
	}
	return ff, nil
}

func (c *Controller) DismissResult() {
	c.mu.Lock()
	c.result = nil
	c.mu.Unlock()
}

// RenderFromJSON switches to render-existing mode and renders the schema
// found in text. On failure the previously rendered form stays in place and
// the returned *form.ParseError carries the user message.
func (c *Controller) RenderFromJSON(text string) (Rendered, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.RLock()
	mode, closed := c.mode, c.closed
	c.mu.RUnlock()
	if closed {
		return Rendered{}, ErrClosed
	}
	if mode != ModeRenderExisting {
		if err := c.enter(ModeRenderExisting); err != nil {
			return Rendered{}, err
		}
	}

	ff, err := form.ParseFullForm(text)
	if err != nil {
		var perr *form.ParseError
		if errors.As(err, &perr) {
			c.setRenderError(perr.Message)
		}
		slog.Debug("rejected pasted form", "session", c.id, "err", err)
		return Rendered{}, err
	}

	_, err = c.renderer.Mount(func(container string) (widget.Handle, error) {
		return c.opts.Widgets.AttachRenderer(container, ff.Schema)
	})
	if err != nil {
		slog.Error("error rendering form", "session", c.id, "err", err)
		c.mu.Lock()
		c.rendered = nil
		c.renderErr = msgRenderFailed
		c.mu.Unlock()
		return Rendered{}, &form.ParseError{Message: msgRenderFailed, Err: err}
	}

	r := Rendered{Name: ff.Name, Description: ff.Description, Schema: ff.Schema}
	c.mu.Lock()
	c.rendered = &r
	c.renderErr = ""
	c.mu.Unlock()
	return r, nil
}

func (c *Controller) setRenderError(msg string) {
	c.mu.Lock()
	c.renderErr = msg
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.RLock()
	st := State{
		ID:          c.id,
		Mode:        c.mode,
		Schema:      c.schema.Clone(),
		Submitting:  c.submitting > 0,
		CanSubmit:   !c.schema.IsZero() && c.meta != nil,
		CanView:     !c.schema.IsZero(),
		RenderError: c.renderErr,
	}
	if c.meta != nil {
		m := *c.meta
		st.Meta = &m
	}
	if c.result != nil {
		r := *c.result
		st.Result = &r
	}
	if c.rendered != nil {
		r := *c.rendered
		st.Rendered = &r
	}
	c.mu.RUnlock()

	for _, slot := range []*widget.Slot{c.builder, c.viewer, c.renderer} {
		if h := slot.Current(); h != nil {
			if st.Widgets == nil {
				st.Widgets = make(map[string]string)
			}
			st.Widgets[slot.Container()] = h.ID()
		}
	}
	return st
}

// Close releases every mounted widget and drops locally saved forms.
func (c *Controller) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var err error
	for _, slot := range []*widget.Slot{c.builder, c.viewer, c.renderer} {
		err = multierr.Append(err, slot.Release())
	}
	err = multierr.Append(err, c.opts.Store.Delete(context.Background(), c.id))
	return err
}
