package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/pixeldrop/internal/config"
	"github.com/dunamismax/pixeldrop/internal/domain"
	"github.com/dunamismax/pixeldrop/internal/pipeline"
	"github.com/dunamismax/pixeldrop/internal/queue"
	"github.com/dunamismax/pixeldrop/internal/store"
	"github.com/dunamismax/pixeldrop/internal/webhook"
)

// statusUpdateTimeout bounds final job status writes, which run after the task
// context may already be done.
const statusUpdateTimeout = 5 * time.Second

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Output, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	processor     processor
	jobStore      store.JobStore
	webhookClient webhookSender
	metrics       *metrics
	tracer        trace.Tracer
}

// taskResult is written to the asynq task result so completed tasks can be
// inspected without the job store.
type taskResult struct {
	JobID      string `json:"job_id"`
	OutputPath string `json:"output_path"`
	Format     string `json:"format"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Bytes      int    `json:"bytes"`
}

func NewServer(
	logger *log.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	proc *pipeline.Processor,
	jobStore store.JobStore,
	webhookClient *webhook.Client,
) (*Server, error) {
	if proc == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if jobStore == nil {
		return nil, fmt.Errorf("job store is required")
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					taskID, _ := asynq.GetTaskID(ctx)
					logger.Printf("task failed type=%s task_id=%s err=%v", task.Type(), taskID, err)
				}),
			},
		),
		sem:       make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		processor: proc,
		jobStore:  jobStore,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("pixeldrop/worker"),
	}
	if webhookClient != nil {
		s.webhookClient = webhookClient
	}
	return s, nil
}

// Run processes tasks until ctx is cancelled, then drains in-flight tasks.
func (s *Server) Run(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeResizeImage, s.handleResizeImage)
	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}

	<-ctx.Done()
	s.logger.Printf("shutting down task server")
	s.server.Shutdown()
	return nil
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleResizeImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed
	defer func() {
		s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	}()

	payload, err := queue.ParseResizeImagePayload(task)
	if err != nil {
		var jobID string
		if id, ok := asynq.GetTaskID(ctx); ok {
			jobID = id
			s.markFailed(ctx, jobID, err)
		}
		s.logger.Printf("Rejected task job_id=%s err=%v", jobID, err)
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.resize_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_path", payload.SourcePath),
		attribute.Int("job.width", payload.Options.Width),
		attribute.Int("job.height", payload.Options.Height),
		attribute.Int("job.rotate", payload.Options.Rotate),
	)
	defer span.End()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		err := ctx.Err()
		span.RecordError(err)
		span.SetStatus(codes.Error, "no worker slot")
		s.logger.Printf("Abandoned job_id=%s waiting for a worker slot err=%v", payload.JobID, err)
		s.finish(ctx, payload, domain.StatusUpdate{Status: domain.JobStatusFailed, Error: "waiting for worker slot: " + err.Error()})
		return fmt.Errorf("acquire worker slot: %v: %w", err, asynq.SkipRetry)
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"Working... job_id=%s source=%s output_dir=%s size=%dx%d rotate=%d",
		payload.JobID,
		payload.SourcePath,
		payload.OutputDir,
		payload.Options.Width,
		payload.Options.Height,
		payload.Options.Rotate,
	)
	s.updateJob(ctx, payload.JobID, domain.StatusUpdate{Status: domain.JobStatusRunning, TaskID: payload.JobID})

	out, err := s.processor.Process(ctx, pipeline.Request{
		JobID:         payload.JobID,
		SourcePath:    payload.SourcePath,
		OutputDir:     payload.OutputDir,
		Options:       payload.Options,
		WatermarkPath: payload.WatermarkPath,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resize failed")
		s.logger.Printf("Failed job_id=%s source=%s err=%v", payload.JobID, payload.SourcePath, err)

		s.finish(ctx, payload, domain.StatusUpdate{Status: domain.JobStatusFailed, Error: err.Error()})
		return fmt.Errorf("resize %s: %v: %w", payload.SourcePath, err, asynq.SkipRetry)
	}

	s.writeResult(task, taskResult{
		JobID:      payload.JobID,
		OutputPath: out.Path,
		Format:     out.Format,
		Width:      out.Width,
		Height:     out.Height,
		Bytes:      out.Bytes,
	})
	s.metrics.pixelsProcessedTotal.Add(float64(out.Width * out.Height))
	s.metrics.outputBytesTotal.Add(float64(out.Bytes))

	s.logger.Printf("Processed job_id=%s output=%s size=%dx%d bytes=%d", payload.JobID, out.Path, out.Width, out.Height, out.Bytes)
	s.finish(ctx, payload, domain.StatusUpdate{Status: domain.JobStatusCompleted, OutputPath: out.Path})

	outcome = domain.JobStatusCompleted
	span.SetStatus(codes.Ok, "processed")
	return nil
}

func (s *Server) markFailed(ctx context.Context, jobID string, cause error) {
	ctx, cancel := detached(ctx)
	defer cancel()
	s.updateJob(ctx, jobID, domain.StatusUpdate{Status: domain.JobStatusFailed, Error: cause.Error()})
}

// detached keeps ctx values for tracing but survives the task deadline and
// worker shutdown.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), statusUpdateTimeout)
}

// updateJob applies update and returns the stored job. Store errors are logged
// and never fail the task.
func (s *Server) updateJob(ctx context.Context, jobID string, update domain.StatusUpdate) (domain.Job, bool) {
	job, err := s.jobStore.UpdateStatus(ctx, jobID, update)
	if err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, update.Status, err)
		return domain.Job{}, false
	}
	return job, true
}

// finish records the terminal status and fires the webhook, if any. Both run
// outside the task deadline so a timed out job still ends failed.
func (s *Server) finish(ctx context.Context, payload queue.ResizeImagePayload, update domain.StatusUpdate) {
	updateCtx, cancel := detached(ctx)
	job, ok := s.updateJob(updateCtx, payload.JobID, update)
	cancel()
	if !ok {
		job = domain.Job{
			ID:         payload.JobID,
			Status:     update.Status,
			Source:     filepath.Base(payload.SourcePath),
			OutputPath: update.OutputPath,
			Error:      update.Error,
		}
	}

	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}
	event, body := webhook.EventFor(job, time.Now())
	// delivery is bounded by the client's attempt count and per-request timeout
	if err := s.webhookClient.Send(context.WithoutCancel(ctx), payload.WebhookURL, event, body); err != nil {
		s.metrics.webhookFailuresTotal.Inc()
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event, err)
	}
}

func (s *Server) writeResult(task *asynq.Task, result taskResult) {
	rw := task.ResultWriter()
	if rw == nil {
		return
	}
	body, err := json.Marshal(result)
	if err != nil {
		s.logger.Printf("encode task result failed job_id=%s err=%v", result.JobID, err)
		return
	}
	if _, err := rw.Write(body); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Printf("write task result failed job_id=%s err=%v", result.JobID, err)
	}
}
