package telemetry

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestStore_InMemory_RecordAndRecall(t *testing.T) {
	s := &Store{}
	ctx := context.Background()

	if err := s.RecordPlan(ctx, PlanRecord{QueryID: "q1", Source: "daily_country_totals", Status: "OK"}); err != nil {
		t.Fatalf("RecordPlan: %v", err)
	}
	if err := s.RecordBatch(ctx, BatchRecord{BatchID: "b1", QueryCount: 1}); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	recent := s.RecentPlans()
	if len(recent) != 1 || recent[0].QueryID != "q1" {
		t.Fatalf("got %+v", recent)
	}
}

func TestStore_Postgres_RecordPlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS plan_telemetry").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS batch_report").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := ensureSchema(context.Background(), db); err != nil {
		t.Fatalf("ensureSchema: %v", err)
	}

	s := &Store{db: db}
	mock.ExpectExec("INSERT INTO plan_telemetry").WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.RecordPlan(context.Background(), PlanRecord{QueryID: "q1", Source: "daily_country_totals", Status: "OK"}); err != nil {
		t.Fatalf("RecordPlan: %v", err)
	}

	mock.ExpectExec("INSERT INTO batch_report").WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.RecordBatch(context.Background(), BatchRecord{BatchID: "b1", QueryCount: 1}); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}

	if recent := s.RecentPlans(); recent != nil {
		t.Errorf("expected RecentPlans to return nil for a Postgres-backed store, got %v", recent)
	}
}
