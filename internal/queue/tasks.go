package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/pixeldrop/internal/domain"
)

const TypeResizeImage = "image:resize"

// ResizeImagePayload carries everything a worker needs to transform one
// uploaded file without consulting the API process.
type ResizeImagePayload struct {
	JobID         string                  `json:"job_id"`
	SourcePath    string                  `json:"source_path"`
	OutputDir     string                  `json:"output_dir"`
	Options       domain.TransformOptions `json:"options"`
	WatermarkPath string                  `json:"watermark_path,omitempty"`
	WebhookURL    string                  `json:"webhook_url,omitempty"`
	RequestedAt   time.Time               `json:"requested_at"`
}

func (p ResizeImagePayload) Validate() error {
	if strings.TrimSpace(p.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	if strings.TrimSpace(p.SourcePath) == "" {
		return fmt.Errorf("source_path is required")
	}
	if strings.TrimSpace(p.OutputDir) == "" {
		return fmt.Errorf("output_dir is required")
	}
	return p.Options.Validate()
}

func NewResizeImageTask(payload ResizeImagePayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resize payload: %w", err)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal resize payload: %w", err)
	}
	return asynq.NewTask(TypeResizeImage, body), nil
}

func ParseResizeImagePayload(task *asynq.Task) (ResizeImagePayload, error) {
	var payload ResizeImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ResizeImagePayload{}, fmt.Errorf("unmarshal resize payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return ResizeImagePayload{}, fmt.Errorf("invalid resize payload: %w", err)
	}
	return payload, nil
}
