package model

import "time"

// RenderJob is the queued snapshot of a project's source and options
type RenderJob struct {
	JobID      string        `json:"jobId"`
	ProjectID  string        `json:"projectId"`
	OwnerID    string        `json:"ownerId"`
	Source     string        `json:"source"`
	Options    RenderOptions `json:"options"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

// NewRenderJob snapshots p for rendering under jobID
func NewRenderJob(jobID string, p *Project, now time.Time) *RenderJob {
	source := ""
	if p.Source != nil {
		source = *p.Source
	}
	return &RenderJob{
		JobID:      jobID,
		ProjectID:  p.ID,
		OwnerID:    p.OwnerID,
		Source:     source,
		Options:    p.RenderOptions.WithDefaults(),
		EnqueuedAt: now,
	}
}
