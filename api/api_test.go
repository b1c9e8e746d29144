package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"formdesk-server/config"
	"formdesk-server/service/form"
	"formdesk-server/service/formsession"
	"formdesk-server/service/sink"
	"formdesk-server/service/stors/formstor"
	"formdesk-server/service/widget"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSink struct {
	calls atomic.Int32
	err   error
}

func (s *stubSink) Submit(ctx context.Context, p form.Payload) ([]byte, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return []byte(`{"id":101}`), nil
}

type testEnv struct {
	srv  *Server
	app  *fiber.App
	sink *stubSink
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{APIRPM: 10000, SuppressStaleResults: true}
	}
	sk := &stubSink{}
	srv := NewServer(cfg, sk, formstor.NewFormMemoryStorage())
	t.Cleanup(func() { _ = srv.Close() })
	return &testEnv{srv: srv, app: srv.App(), sink: sk}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (e *testEnv) newSession(t *testing.T) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusCreated, status)
	var resp SessionResponse
	require.NoError(t, sonic.Unmarshal(body, &resp))
	require.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "/api/session/"+resp.SessionID+"/ws", resp.WSURL)
	return resp.SessionID
}

func decodeState(t *testing.T, body []byte) formsession.State {
	t.Helper()
	var st formsession.State
	require.NoError(t, sonic.Unmarshal(body, &st))
	return st
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.newSession(t)

	status, body := env.do(t, http.MethodGet, "/api/session/"+id, "")
	require.Equal(t, http.StatusOK, status)
	st := decodeState(t, body)
	assert.Equal(t, formsession.ModeHome, st.Mode)
	assert.Equal(t, id, st.ID)

	status, _ = env.do(t, http.MethodDelete, "/api/session/"+id, "")
	assert.Equal(t, http.StatusNoContent, status)
	assert.False(t, env.srv.hubs.ExistsHub(id))

	status, _ = env.do(t, http.MethodGet, "/api/session/"+id, "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSessionMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)

	status, body := env.do(t, http.MethodGet, "/api/session/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "invalid sessionid format")

	status, _ = env.do(t, http.MethodGet, "/api/session/6f1c1a4e-6c1e-4c59-9d6b-2d7b0c0f8e11", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBuildAndSubmitFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.newSession(t)
	base := "/api/session/" + id

	status, body := env.do(t, http.MethodPost, base+"/form", `{"name":""}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), form.ErrNameRequired.Error())

	status, body = env.do(t, http.MethodPost, base+"/submit", "")
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, string(body), "No form schema or metadata to submit")
	assert.Equal(t, int32(0), env.sink.calls.Load())

	status, body = env.do(t, http.MethodPost, base+"/form", `{"name":"Signup","description":"new users"}`)
	require.Equal(t, http.StatusCreated, status)
	st := decodeState(t, body)
	assert.Equal(t, formsession.ModeBuild, st.Mode)
	require.Contains(t, st.Widgets, formsession.ContainerBuilder)

	// the page reports an edit over the widget socket
	sess, ok := env.srv.sessions.Get(id)
	require.True(t, ok)
	frame, err := sonic.Marshal(widget.Frame{
		Type:   widget.FrameChange,
		Handle: st.Widgets[formsession.ContainerBuilder],
		Schema: form.Schema(`{"components":[{"type":"email","key":"email"}]}`),
	})
	require.NoError(t, err)
	require.NoError(t, sess.Bridge.Dispatch(frame))

	status, body = env.do(t, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, status)
	st = decodeState(t, body)
	assert.JSONEq(t, `{"components":[{"type":"email","key":"email"}]}`, string(st.Schema))
	assert.True(t, st.CanSubmit)

	status, body = env.do(t, http.MethodPost, base+"/submit", "")
	require.Equal(t, http.StatusOK, status)
	var rr ResultResponse
	require.NoError(t, sonic.Unmarshal(body, &rr))
	assert.JSONEq(t, `{"id":101}`, string(rr.Result.Success))
	assert.Equal(t, int32(1), env.sink.calls.Load())

	status, body = env.do(t, http.MethodPost, base+"/save", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "Form saved to console!")

	status, body = env.do(t, http.MethodGet, base+"/saved", "")
	require.Equal(t, http.StatusOK, status)
	var saved []form.Payload
	require.NoError(t, sonic.Unmarshal(body, &saved))
	require.Len(t, saved, 1)
	assert.Equal(t, "Signup", saved[0].Name)

	status, _ = env.do(t, http.MethodDelete, base+"/result", "")
	assert.Equal(t, http.StatusNoContent, status)
	_, body = env.do(t, http.MethodGet, base, "")
	assert.Nil(t, decodeState(t, body).Result)
}

func TestSubmitSinkFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sink.err = sink.ErrRejected
	id := env.newSession(t)
	base := "/api/session/" + id

	status, _ := env.do(t, http.MethodPost, base+"/form", `{"name":"Signup"}`)
	require.Equal(t, http.StatusCreated, status)
	status, _ = env.do(t, http.MethodPut, base+"/schema", `{"components":[]}`)
	require.Equal(t, http.StatusNoContent, status)

	status, body := env.do(t, http.MethodPost, base+"/submit", "")
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	var rr ResultResponse
	require.NoError(t, sonic.Unmarshal(body, &rr))
	assert.Equal(t, "Server responded with error", rr.Result.Error)
	assert.JSONEq(t, `{"components":[]}`, string(rr.State.Schema))
	assert.Equal(t, "Signup", rr.State.Meta.Name)
}

func TestPutSchemaRejectsInvalidJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.newSession(t)

	status, _ := env.do(t, http.MethodPut, "/api/session/"+id+"/schema", `{"components":`)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = env.do(t, http.MethodPut, "/api/session/"+id+"/schema", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPutSchemaNullIsNoSchema(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.newSession(t)
	base := "/api/session/" + id

	status, _ := env.do(t, http.MethodPost, base+"/form", `{"name":"X"}`)
	require.Equal(t, http.StatusCreated, status)
	status, _ = env.do(t, http.MethodPut, base+"/schema", `null`)
	require.Equal(t, http.StatusNoContent, status)

	status, body := env.do(t, http.MethodPost, base+"/submit", "")
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	var rr ResultResponse
	require.NoError(t, sonic.Unmarshal(body, &rr))
	assert.Equal(t, "No form schema or metadata to submit", rr.Result.Error)
	assert.False(t, rr.State.CanSubmit)
	assert.False(t, rr.State.CanView)
	assert.True(t, rr.State.Schema.IsZero())
	assert.Equal(t, int32(0), env.sink.calls.Load())

	status, _ = env.do(t, http.MethodPost, base+"/view", "")
	assert.Equal(t, http.StatusConflict, status)
}

func TestPutSchemaOutsideBuildMode(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.newSession(t)
	base := "/api/session/" + id

	status, body := env.do(t, http.MethodPut, base+"/schema", `{"components":[]}`)
	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), formsession.ErrNotBuilding.Error())

	_, body = env.do(t, http.MethodGet, base, "")
	st := decodeState(t, body)
	assert.Equal(t, formsession.ModeHome, st.Mode)
	assert.Nil(t, st.Meta)
	assert.True(t, st.Schema.IsZero())
	assert.False(t, st.CanView)

	status, _ = env.do(t, http.MethodPost, base+"/form", `{"name":"X"}`)
	require.Equal(t, http.StatusCreated, status)
	status, _ = env.do(t, http.MethodPut, base+"/schema", `{"components":[{"key":"a"}]}`)
	require.Equal(t, http.StatusNoContent, status)
	status, _ = env.do(t, http.MethodPost, base+"/view", "")
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodPut, base+"/schema", `{"components":[]}`)
	assert.Equal(t, http.StatusConflict, status)
	_, body = env.do(t, http.MethodGet, base, "")
	assert.JSONEq(t, `{"components":[{"key":"a"}]}`, string(decodeState(t, body).Schema))
}

func TestNavigateViewAndExport(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.newSession(t)
	base := "/api/session/" + id

	status, _ := env.do(t, http.MethodPost, base+"/navigate", `{"mode":"nowhere"}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, base+"/view", "")
	assert.Equal(t, http.StatusConflict, status)

	status, _ = env.do(t, http.MethodPost, base+"/export", "")
	assert.Equal(t, http.StatusConflict, status)

	status, _ = env.do(t, http.MethodPost, base+"/navigate", `{"mode":"build"}`)
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodPut, base+"/schema", `{"components":[{"key":"a"}]}`)
	require.Equal(t, http.StatusNoContent, status)

	status, body := env.do(t, http.MethodPost, base+"/view", "")
	require.Equal(t, http.StatusOK, status)
	st := decodeState(t, body)
	assert.Equal(t, formsession.ModeView, st.Mode)
	assert.Contains(t, st.Widgets, formsession.ContainerViewer)
	assert.NotContains(t, st.Widgets, formsession.ContainerBuilder)

	status, body = env.do(t, http.MethodPost, base+"/export", "")
	require.Equal(t, http.StatusOK, status)
	var ff form.FullForm
	require.NoError(t, sonic.Unmarshal(body, &ff))
	assert.Equal(t, form.UntitledName, ff.Name)
	assert.JSONEq(t, `{"components":[{"key":"a"}]}`, string(ff.Schema))

	status, body = env.do(t, http.MethodPost, base+"/back", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, formsession.ModeBuild, decodeState(t, body).Mode)
}

func TestRenderFromJSON(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.newSession(t)
	base := "/api/session/" + id

	status, body := env.do(t, http.MethodPost, base+"/render", `{"name":"X","schema":{"components":[]}}`)
	require.Equal(t, http.StatusOK, status)
	var rr RenderResponse
	require.NoError(t, sonic.Unmarshal(body, &rr))
	assert.Equal(t, "X", rr.Rendered.Name)
	assert.Equal(t, "", rr.Rendered.Description)

	status, body = env.do(t, http.MethodPost, base+"/render", `not json`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, string(body), "Invalid JSON")

	status, body = env.do(t, http.MethodPost, base+"/render", `{"name":"X"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, string(body), "JSON must contain a 'schema' property.")

	_, body = env.do(t, http.MethodGet, base, "")
	st := decodeState(t, body)
	assert.Equal(t, formsession.ModeRenderExisting, st.Mode)
	require.NotNil(t, st.Rendered)
	assert.Equal(t, "X", st.Rendered.Name)
	assert.True(t, st.Schema.IsZero())
}

func TestAPIKeyAuth(t *testing.T) {
	env := newTestEnv(t, &config.Config{APIRPM: 10000, APIKeyAuth: true, APIKeys: []string{"secret"}})

	status, _ := env.do(t, http.MethodPost, "/api/session", "")
	assert.Equal(t, http.StatusUnauthorized, status)

	req := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestWebsocketRouteRequiresUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.newSession(t)

	status, _ := env.do(t, http.MethodGet, "/api/session/"+id+"/ws", "")
	assert.Equal(t, http.StatusUpgradeRequired, status)
}

func TestHubManager(t *testing.T) {
	m := NewHubManager()
	hub, err := m.CreateHub("a")
	require.NoError(t, err)
	assert.True(t, hub.IsEmpty())
	assert.NoError(t, hub.Send([]byte(`{}`)), "sending to a hub without tabs is a no-op")

	_, err = m.CreateHub("a")
	assert.Error(t, err)
	assert.Same(t, hub, m.GetHub("a"))
	assert.Equal(t, []string{"a"}, m.IDs())

	m.CleanupSession("a")
	assert.False(t, m.ExistsHub("a"))
	assert.Nil(t, m.GetHub("a"))
}

func TestReapIdleSessions(t *testing.T) {
	env := newTestEnv(t, &config.Config{APIRPM: 10000, SessionIdleTTL: 30 * time.Minute})
	stale := env.newSession(t)
	fresh := env.newSession(t)

	now := time.Now()
	s, ok := env.srv.sessions.Get(stale)
	require.True(t, ok)
	s.Touch(now.Add(-time.Hour))
	f, ok := env.srv.sessions.Get(fresh)
	require.True(t, ok)
	f.Touch(now.Add(-time.Minute))

	assert.Equal(t, 1, env.srv.reapIdle(now))
	assert.False(t, env.srv.hubs.ExistsHub(stale))
	assert.True(t, env.srv.hubs.ExistsHub(fresh))

	status, _ := env.do(t, http.MethodGet, "/api/session/"+stale, "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = env.do(t, http.MethodGet, "/api/session/"+fresh, "")
	assert.Equal(t, http.StatusOK, status)

	// the request above counts as activity
	assert.Equal(t, 0, env.srv.reapIdle(time.Now().Add(29*time.Minute)))
}

func TestReapIdleDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.newSession(t)
	s, ok := env.srv.sessions.Get(id)
	require.True(t, ok)
	s.Touch(time.Now().Add(-24 * time.Hour))

	assert.Equal(t, 0, env.srv.reapIdle(time.Now()))
	assert.True(t, env.srv.hubs.ExistsHub(id))
}
