package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Akshay-at-360/onplay/pkg/model"
)

type mockAuditDB struct {
	execFunc func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	calls    int
}

func (m *mockAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.calls++
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func TestPostgresAuditSink_Migrate(t *testing.T) {
	db := &mockAuditDB{}
	sink := NewPostgresAuditSink(db)

	if err := sink.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if db.calls != 1 {
		t.Errorf("calls = %d, want 1", db.calls)
	}
}

func TestPostgresAuditSink_Migrate_Error(t *testing.T) {
	db := &mockAuditDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("connection refused")
		},
	}
	sink := NewPostgresAuditSink(db)

	if err := sink.Migrate(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestPostgresAuditSink_RecordCommit(t *testing.T) {
	var gotArgs []any
	db := &mockAuditDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			gotArgs = args
			return pgconn.CommandTag{}, nil
		},
	}
	sink := NewPostgresAuditSink(db)

	info := model.Info{
		ModelID:   "whisper-small",
		Version:   "1.0.0",
		Kind:      model.KindSTT,
		SizeBytes: 1024,
	}
	sink.RecordCommit(info)

	if db.calls != 1 {
		t.Fatalf("calls = %d, want 1", db.calls)
	}
	if gotArgs[1] != "whisper-small" {
		t.Errorf("model_id arg = %v, want whisper-small", gotArgs[1])
	}
	if gotArgs[3] != "STT" {
		t.Errorf("kind arg = %v, want STT", gotArgs[3])
	}
}

func TestPostgresAuditSink_RecordCommit_ExecFailureIsSwallowed(t *testing.T) {
	db := &mockAuditDB{
		execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("write conflict")
		},
	}
	sink := NewPostgresAuditSink(db)

	// RecordCommit has no error return; it must not panic even when the
	// underlying Exec fails, since the JSON manifest commit already
	// succeeded by the time this is called.
	sink.RecordCommit(model.Info{ModelID: "m1", Kind: model.KindLLM})
}
