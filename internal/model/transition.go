package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTransition is returned when a transition does not match the stored state.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrMissingSource is returned when a project without source would be queued for rendering.
var ErrMissingSource = errors.New("project has no source to render")

// Statuses from which a project may be re-entered into each pipeline stage.
var (
	EditableStatuses   = []ProjectStatus{StatusPending, StatusGenerated, StatusFailed}
	GenerationStatuses = []ProjectStatus{StatusPending, StatusGenerated, StatusFailed}
	RenderStatuses     = []ProjectStatus{StatusGenerated, StatusFailed, StatusCompleted}
	// A lease-reclaimed delivery finds its own job still marked rendering.
	ClaimStatuses = []ProjectStatus{StatusQueued, StatusRendering}
)

// Fields carries the values a transition sets. Nil means unchanged.
type Fields struct {
	Source           *string
	ArtifactLocation *string
	ErrorReason      *string
	RenderOptions    *RenderOptions
	ActiveJobID      *string
	Attempts         *int
}

// Transition is a guarded status change.
// JobID, when set, must equal the project's active job id.
type Transition struct {
	From   []ProjectStatus
	To     ProjectStatus
	JobID  string
	Fields Fields
}

// Details holds the user-editable project attributes
type Details struct {
	Prompt *string
	Title  *string
}

// TransitionError describes a rejected transition
type TransitionError struct {
	Current  ProjectStatus
	Expected []ProjectStatus
	To       ProjectStatus
	JobID    string
}

func (e *TransitionError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("project is not bound to job %s (status %s)", e.JobID, e.Current)
	}
	return fmt.Sprintf("cannot move project from %s to %s (expected one of %v)", e.Current, e.To, e.Expected)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// IsOneOf reports whether s is in set
func IsOneOf(s ProjectStatus, set []ProjectStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// Editable reports whether prompt and title may be changed in status s
func Editable(s ProjectStatus) bool {
	return IsOneOf(s, EditableStatuses)
}

// Apply checks t against p and mutates p on success.
// It is the only place project pipeline fields are written.
func Apply(p *Project, t Transition, now time.Time) error {
	if !IsOneOf(p.Status, t.From) {
		return &TransitionError{Current: p.Status, Expected: t.From, To: t.To}
	}
	if t.JobID != "" && p.ActiveJobID != t.JobID {
		return &TransitionError{Current: p.Status, Expected: t.From, To: t.To, JobID: t.JobID}
	}

	f := t.Fields
	if t.To == StatusQueued {
		source := p.Source
		if f.Source != nil {
			source = f.Source
		}
		if source == nil || strings.TrimSpace(*source) == "" {
			return ErrMissingSource
		}
	}

	if f.Source != nil {
		p.Source = f.Source
	}
	if f.ArtifactLocation != nil {
		p.ArtifactLocation = f.ArtifactLocation
	}
	if f.ErrorReason != nil {
		p.ErrorReason = f.ErrorReason
	}
	if f.RenderOptions != nil {
		p.RenderOptions = p.RenderOptions.Merge(f.RenderOptions).WithDefaults()
	}
	if f.ActiveJobID != nil {
		p.ActiveJobID = *f.ActiveJobID
	}
	if f.Attempts != nil {
		p.Attempts = *f.Attempts
	}

	p.Status = t.To
	normalize(p)
	p.Version++
	p.UpdatedAt = now
	return nil
}

// ApplyDetails applies a prompt/title edit
func ApplyDetails(p *Project, d Details, now time.Time) error {
	if !Editable(p.Status) {
		return &TransitionError{Current: p.Status, Expected: EditableStatuses, To: p.Status}
	}
	if d.Prompt != nil {
		p.Prompt = *d.Prompt
	}
	if d.Title != nil {
		p.Title = *d.Title
	}
	p.Version++
	p.UpdatedAt = now
	return nil
}

func normalize(p *Project) {
	if p.Status != StatusCompleted {
		p.ArtifactLocation = nil
	}
	if p.Status != StatusFailed {
		p.ErrorReason = nil
	} else if p.ErrorReason == nil || *p.ErrorReason == "" {
		p.ErrorReason = StringPtr("unknown failure")
	}
}
