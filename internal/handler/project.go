package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/manimstudio/api/internal/middleware"
	"github.com/manimstudio/api/internal/model"
	"github.com/manimstudio/api/internal/service"
	"github.com/manimstudio/api/internal/store"
	ws "github.com/manimstudio/api/internal/websocket"
	"github.com/manimstudio/api/pkg/response"
)

// ProjectHandler serves the project lifecycle endpoints
type ProjectHandler struct {
	service   *service.ProjectService
	validator *validator.Validate
	hub       *ws.Hub
}

// NewProjectHandler creates a new project handler
func NewProjectHandler(service *service.ProjectService, validator *validator.Validate, hub *ws.Hub) *ProjectHandler {
	return &ProjectHandler{
		service:   service,
		validator: validator,
		hub:       hub,
	}
}

// Create handles POST /api/projects
func (h *ProjectHandler) Create(c *fiber.Ctx) error {
	var req model.CreateProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	project, err := h.service.Create(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return h.fail(c, err)
	}
	return response.Created(c, project)
}

// List handles GET /api/projects
func (h *ProjectHandler) List(c *fiber.Ctx) error {
	projects, err := h.service.List(c.Context(), middleware.GetUserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, projects)
}

// Get handles GET /api/projects/:id
func (h *ProjectHandler) Get(c *fiber.Ctx) error {
	project, err := h.service.Get(c.Context(), c.Params("id"), middleware.GetUserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, project)
}

// Update handles PUT /api/projects/:id
func (h *ProjectHandler) Update(c *fiber.Ctx) error {
	var req model.UpdateProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	project, err := h.service.UpdateDetails(c.Context(), c.Params("id"), middleware.GetUserID(c), &req)
	if err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, project)
}

// Delete handles DELETE /api/projects/:id
func (h *ProjectHandler) Delete(c *fiber.Ctx) error {
	if err := h.service.Delete(c.Context(), c.Params("id"), middleware.GetUserID(c)); err != nil {
		return h.fail(c, err)
	}
	return response.OK(c, model.DeleteProjectResponse{Message: "Project deleted successfully"})
}

// Generate handles POST /api/projects/:id/generate.
// The body is optional; {"render": true} queues a render once source exists.
func (h *ProjectHandler) Generate(c *fiber.Ctx) error {
	var req model.GenerateRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	project, err := h.service.Generate(c.Context(), c.Params("id"), middleware.GetUserID(c), &req)
	if err != nil {
		return h.fail(c, err)
	}
	if req.Render {
		return response.Accepted(c, project)
	}
	return response.OK(c, project)
}

// Render handles POST /api/projects/:id/render
func (h *ProjectHandler) Render(c *fiber.Ctx) error {
	var req model.RenderRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	project, err := h.service.SubmitRender(c.Context(), c.Params("id"), middleware.GetUserID(c), &req)
	if err != nil {
		return h.fail(c, err)
	}
	return response.Accepted(c, project)
}

// UpdateCode handles PUT /api/projects/:id/code: store edited source and render it
func (h *ProjectHandler) UpdateCode(c *fiber.Ctx) error {
	var req model.UpdateCodeRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	project, err := h.service.SubmitRender(c.Context(), c.Params("id"), middleware.GetUserID(c), &model.RenderRequest{
		Source:        &req.Source,
		RenderOptions: req.RenderOptions,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return response.Accepted(c, project)
}

// WatchUpgrade loads the caller's project before GET /ws/projects/:id is upgraded,
// so other owners are rejected with a plain HTTP error.
func (h *ProjectHandler) WatchUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	project, err := h.service.Get(c.Context(), c.Params("id"), middleware.GetUserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	c.Locals("project", project)
	return c.Next()
}

// Watch streams project snapshots to a websocket subscriber
func (h *ProjectHandler) Watch() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		project, ok := conn.Locals("project").(*model.Project)
		if !ok {
			return
		}
		h.hub.HandleConnection(conn, project)
	})
}

// fail maps service errors onto API responses
func (h *ProjectHandler) fail(c *fiber.Ctx, err error) error {
	var verr *service.ValidationError
	var perr *service.PipelineError

	switch {
	case errors.As(err, &verr):
		return response.ValidationError(c, verr.Message, fiber.Map{verr.Field: verr.Message})
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Project not found")
	case errors.Is(err, store.ErrConflict):
		return response.Conflict(c, err.Error())
	case errors.As(err, &perr) && perr.Stage == service.StageGeneration:
		return response.GenerationFailed(c, perr.Error(), perr.Project)
	case errors.As(err, &perr) && perr.Stage == service.StageEnqueue:
		return response.QueueError(c, perr.Error(), perr.Project)
	default:
		return response.ServiceError(c, "Failed to process project request")
	}
}
