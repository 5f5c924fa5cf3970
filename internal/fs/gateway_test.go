package fs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"traffic_marl/internal/domain"
)

type testPolicy struct {
	allowed bool
}

func (p testPolicy) CanFileOperation(_ context.Context, _ string, _ domain.FileOperation, _ string) (bool, string, error) {
	if p.allowed {
		return true, "allowed", nil
	}
	return false, "denied", nil
}

type testLogger struct {
	entries []domain.ModelFileLog
}

func (l *testLogger) LogModelFile(_ context.Context, entry domain.ModelFileLog) error {
	entry.CreatedAt = time.Now().UTC()
	l.entries = append(l.entries, entry)
	return nil
}

func TestWriteFileDeniedByPolicy(t *testing.T) {
	logger := &testLogger{}
	gw, err := NewGateway(t.TempDir(), "run-1", testPolicy{allowed: false}, logger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	err = gw.WriteFile(context.Background(), "J1_center", "final/J2_center_model.msgpack", []byte("x"))
	if !errors.Is(err, ErrForbiddenFileOperation) {
		t.Fatalf("expected write to be denied, got %v", err)
	}
	if len(logger.entries) != 1 || logger.entries[0].Allowed || logger.entries[0].RunID != "run-1" {
		t.Fatalf("expected one denied log entry, got %+v", logger.entries)
	}
}

func TestWriteThenReadAndOverwrite(t *testing.T) {
	root := t.TempDir()
	logger := &testLogger{}
	gw, err := NewGateway(root, "run-2", testPolicy{allowed: true}, logger)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ctx := context.Background()
	if err := gw.WriteFile(ctx, "J1_center", "episode_50/J1_center_model.msgpack", []byte("v1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := gw.WriteFile(ctx, "J1_center", "episode_50/J1_center_model.msgpack", []byte("v2")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := gw.ReadFile(ctx, "J1_center", "episode_50/J1_center_model.msgpack")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("content=%q want=v2", got)
	}
	if _, err := os.Stat(filepath.Join(root, "episode_50", "J1_center_model.msgpack.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind: %v", err)
	}
	if len(logger.entries) != 2 || logger.entries[0].Operation != domain.FileOperationCreate || logger.entries[1].Operation != domain.FileOperationWrite {
		t.Fatalf("unexpected log entries: %+v", logger.entries)
	}
}

func TestResolveRejectsEscape(t *testing.T) {
	gw, err := NewGateway(t.TempDir(), "run-3", nil, nil)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if err := gw.WriteFile(context.Background(), "J1_center", "../outside.msgpack", []byte("x")); !errors.Is(err, ErrPathEscapesRoot) {
		t.Fatalf("expected ErrPathEscapesRoot, got %v", err)
	}
}
