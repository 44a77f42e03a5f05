package model

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var resolutionPattern = regexp.MustCompile(`^[1-9][0-9]{1,4}x[1-9][0-9]{1,4}$`)

// RegisterValidations adds the custom tags used by request models
func RegisterValidations(v *validator.Validate) error {
	return v.RegisterValidation("resolution", func(fl validator.FieldLevel) bool {
		return resolutionPattern.MatchString(fl.Field().String())
	})
}

// CreateProjectRequest represents the request to create a project
type CreateProjectRequest struct {
	Prompt string `json:"prompt" validate:"required,max=4000"`
	Title  string `json:"title" validate:"omitempty,max=200"`
}

// UpdateProjectRequest edits prompt and/or title
type UpdateProjectRequest struct {
	Prompt *string `json:"prompt" validate:"omitempty,min=1,max=4000"`
	Title  *string `json:"title" validate:"omitempty,min=1,max=200"`
}

// GenerateRequest asks for source generation, optionally chaining a render
type GenerateRequest struct {
	Render        bool           `json:"render"`
	RenderOptions *RenderOptions `json:"renderOptions" validate:"omitempty"`
}

// RenderRequest submits the project for rendering.
// Source, when present, replaces the stored source.
type RenderRequest struct {
	Source        *string        `json:"source" validate:"omitempty,min=1"`
	RenderOptions *RenderOptions `json:"renderOptions" validate:"omitempty"`
}

// UpdateCodeRequest submits edited source for rendering
type UpdateCodeRequest struct {
	Source        string         `json:"source" validate:"required"`
	RenderOptions *RenderOptions `json:"renderOptions" validate:"omitempty"`
}

// DeleteProjectResponse confirms deletion
type DeleteProjectResponse struct {
	Message string `json:"message"`
}

// QueueStatsResponse reports render queue occupancy and retained history
type QueueStatsResponse struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Completed int    `json:"completed"`
	Processed int    `json:"processedToday"`
	Failed    int    `json:"failedToday"`
	Paused    bool   `json:"paused"`
}
