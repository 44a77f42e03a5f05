package model

import (
	"strings"
	"time"
)

// Project is one user's animation request and its pipeline state
type Project struct {
	ID               string        `json:"id"`
	OwnerID          string        `json:"ownerId"`
	Title            string        `json:"title"`
	Prompt           string        `json:"prompt"`
	Status           ProjectStatus `json:"status"`
	Source           *string       `json:"source"`
	ArtifactLocation *string       `json:"artifactLocation"`
	ErrorReason      *string       `json:"errorReason"`
	RenderOptions    RenderOptions `json:"renderOptions"`
	ActiveJobID      string        `json:"activeJobId,omitempty"`
	Attempts         int           `json:"attempts"`
	Version          int64         `json:"version"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// RenderOptions holds the renderer settings for a project
type RenderOptions struct {
	Quality    Quality `json:"quality,omitempty" validate:"omitempty,oneof=low medium high 4k"`
	Resolution string  `json:"resolution,omitempty" validate:"omitempty,resolution"`
	FPS        int     `json:"fps,omitempty" validate:"omitempty,min=1,max=120"`
}

// WithDefaults returns a copy with unset fields filled in
func (o RenderOptions) WithDefaults() RenderOptions {
	if o.Quality == "" {
		o.Quality = DefaultQuality
	}
	if o.Resolution == "" {
		o.Resolution = DefaultResolution
	}
	if o.FPS == 0 {
		o.FPS = DefaultFPS
	}
	return o
}

// Merge overlays the set fields of override onto o
func (o RenderOptions) Merge(override *RenderOptions) RenderOptions {
	if override == nil {
		return o
	}
	if override.Quality != "" {
		o.Quality = override.Quality
	}
	if override.Resolution != "" {
		o.Resolution = override.Resolution
	}
	if override.FPS != 0 {
		o.FPS = override.FPS
	}
	return o
}

// Summary strips the generated source for list views
func (p Project) Summary() Project {
	p.Source = nil
	return p
}

// HasSource reports whether generated or edited source is present
func (p *Project) HasSource() bool {
	return p.Source != nil && strings.TrimSpace(*p.Source) != ""
}

// NewProject builds a pending project with defaults applied
func NewProject(id, ownerID, prompt, title string, now time.Time) *Project {
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	return &Project{
		ID:            id,
		OwnerID:       ownerID,
		Title:         title,
		Prompt:        prompt,
		Status:        StatusPending,
		RenderOptions: RenderOptions{}.WithDefaults(),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string {
	return &s
}
