package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/manimstudio/api/internal/model"
)

// NewValidator returns a validator with the project's custom tags registered
func NewValidator() (*validator.Validate, error) {
	v := validator.New()
	if err := model.RegisterValidations(v); err != nil {
		return nil, err
	}
	return v, nil
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		details := make(map[string]string)
		for _, e := range validationErrors {
			details[e.Namespace()] = e.Tag()
		}
		return details
	}
	return nil
}
