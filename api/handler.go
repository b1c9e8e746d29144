package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"formdesk-server/config"
	"formdesk-server/service"
	"formdesk-server/service/form"
	"formdesk-server/service/formsession"
	"formdesk-server/service/widget"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const localSession = "session"

func errorStatus(err error) int {
	var perr *form.ParseError
	switch {
	case errors.Is(err, form.ErrNameRequired), errors.Is(err, formsession.ErrUnknownMode):
		return fiber.StatusBadRequest
	case errors.Is(err, service.ErrSessionNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, formsession.ErrNoSchema), errors.Is(err, formsession.ErrNotBuilding):
		return fiber.StatusConflict
	case errors.Is(err, formsession.ErrClosed):
		return fiber.StatusGone
	case errors.As(err, &perr):
		return fiber.StatusUnprocessableEntity
	}
	return fiber.StatusInternalServerError
}

func respondError(c *fiber.Ctx, err error) error {
	return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
}

func sessionFrom(c *fiber.Ctx) *service.Session {
	return c.Locals(localSession).(*service.Session)
}

func (s *Server) handleSessionMiddleware(c *fiber.Ctx) error {
	sessionID := c.Params("sessionid")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "sessionid is required"})
	}
	if _, err := uuid.Parse(sessionID); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid sessionid format"})
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "session not found"})
	}
	sess.Touch(time.Now())
	c.Locals(localSession, sess)
	return c.Next()
}

func (s *Server) handleCreateSession(c *fiber.Ctx) error {
	sessionID := uuid.New().String()
	hub, err := s.hubs.CreateHub(sessionID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to create widget hub"})
	}
	bridge := widget.NewBridge(hub)
	ctrl := formsession.New(sessionID, formsession.Options{
		Widgets:              bridge,
		Sink:                 s.sink,
		Store:                s.store,
		SuppressStaleResults: s.cfg.SuppressStaleResults,
		ExportNoticeTTL:      config.ExportNoticeTTL,
	})
	s.sessions.Add(&service.Session{
		ID:         sessionID,
		Controller: ctrl,
		Bridge:     bridge,
		CreatedAt:  time.Now(),
	})
	slog.Info("Session created", "sessionid", sessionID)
	return c.Status(fiber.StatusCreated).JSON(SessionResponse{
		SessionID: sessionID,
		WSURL:     fmt.Sprintf("/api/session/%s/ws", sessionID),
	})
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	return c.JSON(sessionFrom(c).Controller.State())
}

func (s *Server) handleDeleteSession(c *fiber.Ctx) error {
	sess := sessionFrom(c)
	err := s.sessions.Remove(sess.ID)
	s.hubs.CleanupSession(sess.ID)
	if err != nil {
		slog.Error("Failed to close session", "sessionid", sess.ID, "err", err)
		return respondError(c, err)
	}
	slog.Info("Session closed", "sessionid", sess.ID)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleNavigate(c *fiber.Ctx) error {
	var req NavigateRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "mode is required"})
	}
	mode, err := formsession.ParseMode(req.Mode)
	if err != nil {
		return respondError(c, err)
	}
	ctrl := sessionFrom(c).Controller
	if err := ctrl.Navigate(mode); err != nil {
		return respondError(c, err)
	}
	return c.JSON(ctrl.State())
}

func (s *Server) handleBack(c *fiber.Ctx) error {
	ctrl := sessionFrom(c).Controller
	if err := ctrl.Back(); err != nil {
		return respondError(c, err)
	}
	return c.JSON(ctrl.State())
}

func (s *Server) handleCreateForm(c *fiber.Ctx) error {
	var req CreateFormRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid form metadata"})
	}
	ctrl := sessionFrom(c).Controller
	if err := ctrl.CreateForm(form.Meta{Name: req.Name, Description: req.Description}); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(ctrl.State())
}

func (s *Server) handlePutSchema(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) > config.MaxSchemaSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{"error": "schema size exceeds limit"})
	}
	if len(body) == 0 || !sonic.Valid(body) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "schema must be valid JSON"})
	}
	// a null body clears the schema, the same as the builder emptying it
	var schema form.Schema
	if err := schema.UnmarshalJSON(body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "schema must be valid JSON"})
	}
	if err := sessionFrom(c).Controller.OnBuilderChange(schema); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) respondResult(c *fiber.Ctx, ctrl *formsession.Controller, r *form.Result) error {
	status := fiber.StatusOK
	if r.Failed() {
		status = fiber.StatusUnprocessableEntity
	}
	return c.Status(status).JSON(ResultResponse{Result: r, State: ctrl.State()})
}

func (s *Server) handleSubmit(c *fiber.Ctx) error {
	ctrl := sessionFrom(c).Controller
	return s.respondResult(c, ctrl, ctrl.SubmitRemote(c.UserContext()))
}

func (s *Server) handleSave(c *fiber.Ctx) error {
	ctrl := sessionFrom(c).Controller
	return s.respondResult(c, ctrl, ctrl.SaveLocally(c.UserContext()))
}

func (s *Server) handleListSaved(c *fiber.Ctx) error {
	saved := sessionFrom(c).Controller.SavedForms(c.UserContext())
	if saved == nil {
		saved = []form.Payload{}
	}
	return c.JSON(saved)
}

func (s *Server) handleView(c *fiber.Ctx) error {
	ctrl := sessionFrom(c).Controller
	if err := ctrl.ViewCurrent(); err != nil {
		return respondError(c, err)
	}
	return c.JSON(ctrl.State())
}

func (s *Server) handleExport(c *fiber.Ctx) error {
	ff, err := sessionFrom(c).Controller.ExportJSON()
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(ff)
}

func (s *Server) handleRender(c *fiber.Ctx) error {
	rendered, err := sessionFrom(c).Controller.RenderFromJSON(string(c.Body()))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(RenderResponse{Rendered: rendered})
}

func (s *Server) handleDismissResult(c *fiber.Ctx) error {
	sessionFrom(c).Controller.DismissResult()
	return c.SendStatus(fiber.StatusNoContent)
}
