package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"

	DefaultWidth  = 100
	DefaultHeight = 100
)

var (
	ErrMissingFilePart     = errors.New("no file part")
	ErrEmptyFilename       = errors.New("no selected file")
	ErrDisallowedExtension = errors.New("file format not allowed")
	ErrSourceNotFound      = errors.New("source file not found")
	ErrProcessing          = errors.New("image processing failed")
	ErrInvalidOptions      = errors.New("invalid transform options")
	ErrInvalidTransition   = errors.New("invalid job status transition")
	ErrJobNotFound         = errors.New("job not found")
)

// TransformOptions describes one transform of one image.
type TransformOptions struct {
	Width               int  `json:"width"`
	Height              int  `json:"height"`
	Rotate              int  `json:"rotate"`
	MaintainAspectRatio bool `json:"maintain_aspect_ratio"`
	Crop                bool `json:"crop"`
}

func DefaultTransformOptions() TransformOptions {
	return TransformOptions{Width: DefaultWidth, Height: DefaultHeight}
}

func (o TransformOptions) Validate() error {
	if o.Width < 1 || o.Height < 1 {
		return fmt.Errorf("%w: size must be positive, got %dx%d", ErrInvalidOptions, o.Width, o.Height)
	}
	return nil
}

// ParseSize parses "W,H". An empty value yields the default size.
func ParseSize(raw string) (int, int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultWidth, DefaultHeight, nil
	}

	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: size must be W,H, got %q", ErrInvalidOptions, raw)
	}
	w, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid width %q", ErrInvalidOptions, parts[0])
	}
	h, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid height %q", ErrInvalidOptions, parts[1])
	}
	if w < 1 || h < 1 {
		return 0, 0, fmt.Errorf("%w: size must be positive, got %dx%d", ErrInvalidOptions, w, h)
	}
	return w, h, nil
}

// ParseRotate parses integer degrees. An empty value means no rotation.
func ParseRotate(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	deg, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid rotate %q", ErrInvalidOptions, raw)
	}
	return deg, nil
}

type Job struct {
	ID            string           `json:"id"`
	Status        string           `json:"status"`
	Source        string           `json:"source"`
	SourcePath    string           `json:"source_path"`
	OutputDir     string           `json:"output_dir"`
	OutputPath    string           `json:"output_path,omitempty"`
	Options       TransformOptions `json:"options"`
	WatermarkPath string           `json:"watermark_path,omitempty"`
	WebhookURL    string           `json:"webhook_url,omitempty"`
	Error         string           `json:"error,omitempty"`
	TaskID        string           `json:"task_id,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// StatusUpdate is applied to a stored job by the worker or the dispatcher.
type StatusUpdate struct {
	Status     string
	OutputPath string
	Error      string
	TaskID     string
}

func (j Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Apply moves the job to update.Status, returning ErrInvalidTransition for
// anything outside queued -> running -> {completed, failed} and queued -> failed.
func (j *Job) Apply(update StatusUpdate, now time.Time) error {
	if !CanTransition(j.Status, update.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, update.Status)
	}

	j.Status = update.Status
	if update.OutputPath != "" {
		j.OutputPath = update.OutputPath
	}
	if update.Error != "" {
		j.Error = update.Error
	}
	if update.TaskID != "" {
		j.TaskID = update.TaskID
	}
	j.UpdatedAt = now
	return nil
}

func CanTransition(from, to string) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}
