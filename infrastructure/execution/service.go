package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
	"github.com/adanalytics/queryaccel/infrastructure/utils"
)

// Service tracks batch run status in memory, keyed by batch ID. It gives the
// executor and any operator-facing status endpoint a single place to query
// "what happened to batch X" without re-deriving it from telemetry records.
type Service struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewService creates a new in-memory batch run tracker.
func NewService() *Service {
	return &Service{runs: make(map[string]*Run)}
}

// Create registers a new batch run with queued status.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Run, error) {
	if req.BatchID == "" {
		return nil, errors.NewInputError("batch_id is required")
	}

	now := time.Now()
	run := &Run{
		BatchID:    req.BatchID,
		QueryCount: req.QueryCount,
		Status:     StatusQueued,
		Metadata:   req.Metadata,
		CreatedAt:  &now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[req.BatchID]; exists {
		return nil, errors.NewInputError(fmt.Sprintf("batch %q already registered", req.BatchID))
	}
	s.runs[req.BatchID] = run
	return run, nil
}

// MarkProcessing marks a batch run as processing.
func (s *Service) MarkProcessing(ctx context.Context, batchID string) error {
	now := time.Now()
	return s.update(batchID, UpdateRequest{
		Status:    utils.Ptr(StatusProcessing),
		StartedAt: utils.Ptr(now),
	})
}

// MarkSuccess marks a batch run as successful, recording compute/IO timing.
func (s *Service) MarkSuccess(ctx context.Context, batchID string, computeMs, ioMs int64) error {
	now := time.Now()
	return s.update(batchID, UpdateRequest{
		Status:      utils.Ptr(StatusSuccess),
		ComputeMs:   utils.Ptr(computeMs),
		IOMs:        utils.Ptr(ioMs),
		CompletedAt: utils.Ptr(now),
	})
}

// MarkFailed marks a batch run as failed with the originating error kind.
func (s *Service) MarkFailed(ctx context.Context, batchID, errMsg, errKind string) error {
	now := time.Now()
	return s.update(batchID, UpdateRequest{
		Status:       utils.Ptr(StatusFailed),
		ErrorMessage: utils.Ptr(errMsg),
		ErrorKind:    utils.Ptr(errKind),
		CompletedAt:  utils.Ptr(now),
	})
}

// MarkTimeout marks a batch run as timed out.
func (s *Service) MarkTimeout(ctx context.Context, batchID string) error {
	now := time.Now()
	return s.update(batchID, UpdateRequest{
		Status:       utils.Ptr(StatusTimeout),
		ErrorMessage: utils.Ptr("batch execution exceeded its deadline"),
		CompletedAt:  utils.Ptr(now),
	})
}

// Get returns the current state of a batch run.
func (s *Service) Get(ctx context.Context, batchID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[batchID]
	if !ok {
		return nil, errors.NewInputError(fmt.Sprintf("unknown batch %q", batchID))
	}
	copied := *run
	return &copied, nil
}

func (s *Service) update(batchID string, req UpdateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[batchID]
	if !ok {
		return errors.NewInputError(fmt.Sprintf("unknown batch %q", batchID))
	}
	run.Status = utils.DerefDefault(req.Status, run.Status)
	run.ComputeMs = utils.DerefDefault(req.ComputeMs, run.ComputeMs)
	run.IOMs = utils.DerefDefault(req.IOMs, run.IOMs)
	run.ErrorMessage = utils.DerefDefault(req.ErrorMessage, run.ErrorMessage)
	run.ErrorKind = utils.DerefDefault(req.ErrorKind, run.ErrorKind)
	if req.StartedAt != nil {
		run.StartedAt = req.StartedAt
	}
	if req.CompletedAt != nil {
		run.CompletedAt = req.CompletedAt
	}
	return nil
}
