package queue

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/adverant/nexus/errordiag-worker/internal/errors"
	"github.com/adverant/nexus/errordiag-worker/internal/imaging"
	"github.com/adverant/nexus/errordiag-worker/internal/logging"
	"github.com/adverant/nexus/errordiag-worker/internal/metrics"
	"github.com/adverant/nexus/errordiag-worker/internal/processor"
	"github.com/adverant/nexus/errordiag-worker/internal/storage"
)

// Diagnoser runs the pipeline (satisfied by *processor.Pipeline)
type Diagnoser interface {
	DiagnoseJob(ctx context.Context, jobID string, img imaging.RawImage) (*processor.Diagnosis, error)
}

// ResultStore persists job outcomes (satisfied by *storage.PostgresClient)
type ResultStore interface {
	SaveDiagnosis(ctx context.Context, jobID string, d *processor.Diagnosis) error
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
}

// Handler runs one job through the pipeline and records the outcome. Both
// queue backends share it.
type Handler struct {
	diagnoser Diagnoser
	store     ResultStore
	logger    *logging.Logger
}

// NewHandler creates a job handler. store may be nil, in which case
// results are only logged and reported back through the queue.
func NewHandler(diagnoser Diagnoser, store ResultStore, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewLogger("JobHandler")
	}
	return &Handler{diagnoser: diagnoser, store: store, logger: logger}
}

// Handle diagnoses the payload's image. The returned error carries a
// DiagnosisError code; apperrors.Retryable tells the caller whether to retry.
func (h *Handler) Handle(ctx context.Context, payload *JobPayload) (*processor.Diagnosis, error) {
	if payload.JobID == "" {
		metrics.ObserveJob(metrics.OutcomeSkipped)
		return nil, apperrors.NewInvalidInputError("job ID is missing", nil)
	}

	startTime := time.Now()
	h.logger.Info(fmt.Sprintf("[Job %s] Diagnosing screenshot", payload.JobID),
		"filename", payload.Filename,
		"bytes", len(payload.FileBuffer),
		"user", payload.UserID)

	h.updateStatus(ctx, &storage.JobUpdate{
		JobID:  payload.JobID,
		Status: storage.StatusProcessing,
		Metadata: map[string]interface{}{
			"filename": payload.Filename,
			"mimeType": payload.MimeType,
			"fileSize": payload.FileSize,
			"userId":   payload.UserID,
		},
	})

	diagnosis, err := h.diagnoser.DiagnoseJob(ctx, payload.JobID, payload.RawImage())
	duration := time.Since(startTime)

	if err != nil {
		h.logger.Error(fmt.Sprintf("[Job %s] Diagnosis failed", payload.JobID),
			"error", err,
			"code", apperrors.CodeOf(err),
			"retryable", apperrors.Retryable(err),
			"duration_ms", duration.Milliseconds())
		metrics.ObserveJob(metrics.OutcomeFailed)

		h.updateStatus(ctx, &storage.JobUpdate{
			JobID:            payload.JobID,
			Status:           storage.StatusFailed,
			ProcessingTimeMs: duration.Milliseconds(),
			ErrorCode:        string(apperrors.CodeOf(err)),
			ErrorMessage:     err.Error(),
		})
		return nil, err
	}

	if h.store != nil {
		if err := h.store.SaveDiagnosis(ctx, payload.JobID, diagnosis); err != nil {
			h.logger.Error(fmt.Sprintf("[Job %s] Failed to store diagnosis", payload.JobID), "error", err)
			metrics.ObserveJob(metrics.OutcomeFailed)
			return nil, err
		}
	}

	h.updateStatus(ctx, &storage.JobUpdate{
		JobID:            payload.JobID,
		Status:           storage.StatusCompleted,
		DiagnosisID:      diagnosis.ID,
		ProcessingTimeMs: duration.Milliseconds(),
		Metadata: map[string]interface{}{
			"provenance": diagnosis.Provenance,
			"category":   diagnosis.Category,
			"confidence": diagnosis.Confidence,
			"resolved":   diagnosis.Resolved(),
		},
	})
	metrics.ObserveJob(metrics.OutcomeSuccess)

	h.logger.Info(fmt.Sprintf("[Job %s] Job completed", payload.JobID),
		"diagnosis", diagnosis.ID,
		"provenance", diagnosis.Provenance,
		"resolved", diagnosis.Resolved(),
		"duration_ms", duration.Milliseconds())
	return diagnosis, nil
}

func (h *Handler) updateStatus(ctx context.Context, update *storage.JobUpdate) {
	if h.store == nil {
		return
	}
	if err := h.store.UpdateJobStatus(ctx, update); err != nil {
		h.logger.Warn(fmt.Sprintf("[Job %s] Failed to update status to %s", update.JobID, update.Status), "error", err)
	}
}
