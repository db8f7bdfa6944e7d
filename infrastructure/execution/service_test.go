package execution

import (
	"context"
	"testing"

	"github.com/adanalytics/queryaccel/infrastructure/errors"
)

func TestService_CreateAndGet(t *testing.T) {
	s := NewService()
	ctx := context.Background()

	run, err := s.Create(ctx, CreateRequest{BatchID: "batch-1", QueryCount: 3})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if run.Status != StatusQueued {
		t.Errorf("Status = %v, want StatusQueued", run.Status)
	}
	if run.CreatedAt == nil {
		t.Error("CreatedAt = nil, want set")
	}

	got, err := s.Get(ctx, "batch-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.QueryCount != 3 {
		t.Errorf("QueryCount = %d, want 3", got.QueryCount)
	}
}

func TestService_CreateRejectsDuplicateBatchID(t *testing.T) {
	s := NewService()
	ctx := context.Background()

	if _, err := s.Create(ctx, CreateRequest{BatchID: "dup"}); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	_, err := s.Create(ctx, CreateRequest{BatchID: "dup"})
	if err == nil {
		t.Fatal("second Create() error = nil, want duplicate-registration error")
	}
	svcErr, ok := err.(*errors.ServiceError)
	if !ok || svcErr.Kind != errors.KindInput {
		t.Errorf("Create() error kind = %v, want KindInput", err)
	}
}

func TestService_CreateRejectsEmptyBatchID(t *testing.T) {
	s := NewService()
	_, err := s.Create(context.Background(), CreateRequest{BatchID: ""})
	if err == nil {
		t.Fatal("Create() with empty batch_id error = nil, want error")
	}
}

func TestService_GetUnknownBatchFails(t *testing.T) {
	s := NewService()
	_, err := s.Get(context.Background(), "missing")
	if err == nil {
		t.Fatal("Get() for unknown batch error = nil, want error")
	}
}

func TestService_LifecycleTransitions(t *testing.T) {
	s := NewService()
	ctx := context.Background()

	if _, err := s.Create(ctx, CreateRequest{BatchID: "b1", QueryCount: 2}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := s.MarkProcessing(ctx, "b1"); err != nil {
		t.Fatalf("MarkProcessing() error = %v", err)
	}
	run, _ := s.Get(ctx, "b1")
	if run.Status != StatusProcessing {
		t.Errorf("Status = %v, want StatusProcessing", run.Status)
	}
	if run.StartedAt == nil {
		t.Error("StartedAt = nil after MarkProcessing, want set")
	}

	if err := s.MarkSuccess(ctx, "b1", 120, 45); err != nil {
		t.Fatalf("MarkSuccess() error = %v", err)
	}
	run, _ = s.Get(ctx, "b1")
	if run.Status != StatusSuccess {
		t.Errorf("Status = %v, want StatusSuccess", run.Status)
	}
	if run.ComputeMs != 120 || run.IOMs != 45 {
		t.Errorf("ComputeMs/IOMs = %d/%d, want 120/45", run.ComputeMs, run.IOMs)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt = nil after MarkSuccess, want set")
	}
}

func TestService_MarkFailedRecordsErrorKind(t *testing.T) {
	s := NewService()
	ctx := context.Background()
	s.Create(ctx, CreateRequest{BatchID: "b2"})

	if err := s.MarkFailed(ctx, "b2", "boom", string(errors.KindEngine)); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	run, _ := s.Get(ctx, "b2")
	if run.Status != StatusFailed {
		t.Errorf("Status = %v, want StatusFailed", run.Status)
	}
	if run.ErrorMessage != "boom" || run.ErrorKind != string(errors.KindEngine) {
		t.Errorf("ErrorMessage/ErrorKind = %q/%q, want boom/ENGINE", run.ErrorMessage, run.ErrorKind)
	}
}

func TestService_MarkTimeout(t *testing.T) {
	s := NewService()
	ctx := context.Background()
	s.Create(ctx, CreateRequest{BatchID: "b3"})

	if err := s.MarkTimeout(ctx, "b3"); err != nil {
		t.Fatalf("MarkTimeout() error = %v", err)
	}
	run, _ := s.Get(ctx, "b3")
	if run.Status != StatusTimeout {
		t.Errorf("Status = %v, want StatusTimeout", run.Status)
	}
	if run.ErrorMessage == "" {
		t.Error("ErrorMessage = empty after MarkTimeout, want a deadline message")
	}
}

func TestService_UpdateOnUnknownBatchFails(t *testing.T) {
	s := NewService()
	if err := s.MarkProcessing(context.Background(), "ghost"); err == nil {
		t.Fatal("MarkProcessing() on unknown batch error = nil, want error")
	}
}

func TestService_GetReturnsACopy(t *testing.T) {
	s := NewService()
	ctx := context.Background()
	s.Create(ctx, CreateRequest{BatchID: "b4", QueryCount: 1})

	run, _ := s.Get(ctx, "b4")
	run.QueryCount = 999

	fresh, _ := s.Get(ctx, "b4")
	if fresh.QueryCount != 1 {
		t.Errorf("QueryCount = %d after mutating a prior Get() result, want unaffected 1", fresh.QueryCount)
	}
}
