package model

// Project status
type ProjectStatus string

const (
	StatusPending    ProjectStatus = "pending"
	StatusGenerating ProjectStatus = "generating"
	StatusGenerated  ProjectStatus = "generated"
	StatusQueued     ProjectStatus = "queued"
	StatusRendering  ProjectStatus = "rendering"
	StatusCompleted  ProjectStatus = "completed"
	StatusFailed     ProjectStatus = "failed"
)

var ValidStatuses = []ProjectStatus{
	StatusPending, StatusGenerating, StatusGenerated, StatusQueued,
	StatusRendering, StatusCompleted, StatusFailed,
}

// Render quality presets
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	Quality4K     Quality = "4k"
)

var ValidQualities = []Quality{QualityLow, QualityMedium, QualityHigh, Quality4K}

// Render defaults
const (
	DefaultQuality    = QualityMedium
	DefaultResolution = "1280x720"
	DefaultFPS        = 30
	DefaultTitle      = "Untitled Animation"
)
