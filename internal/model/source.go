package model

import (
	"regexp"
	"strings"
)

// Markers every renderable source must contain
const (
	SceneClassMarker = "class PromptAnimation(Scene):"
	ConstructMarker  = "def construct(self):"
)

var fencePattern = regexp.MustCompile("```[a-zA-Z]*\\n?")

// SourceError explains why source cannot be rendered
type SourceError struct {
	Reason string
}

func (e *SourceError) Error() string {
	return e.Reason
}

// StripFences removes markdown code fences around generated source
func StripFences(s string) string {
	return strings.TrimSpace(fencePattern.ReplaceAllString(s, ""))
}

// ValidateSource checks that s defines the scene the renderer expects
func ValidateSource(s string) error {
	if strings.TrimSpace(s) == "" {
		return &SourceError{Reason: "source is empty"}
	}
	if !strings.Contains(s, SceneClassMarker) {
		return &SourceError{Reason: "source does not contain required PromptAnimation class"}
	}
	if !strings.Contains(s, ConstructMarker) {
		return &SourceError{Reason: "source does not contain required construct method"}
	}
	return nil
}
