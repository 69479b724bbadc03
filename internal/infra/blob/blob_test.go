package blob_test

import (
	"context"
	"testing"

	"github.com/furquan101/expense-dashboard/internal/infra/blob"
)

func TestFSStore_PutAndGet(t *testing.T) {
	s := blob.NewFSStore(t.TempDir())
	ctx := context.Background()

	if err := s.Put(ctx, "transactions/expenses.json", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("put: %v", err)
	}

	data, err := s.Get(ctx, "transactions/expenses.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("unexpected contents: %s", data)
	}
}

func TestFSStore_GetAbsent(t *testing.T) {
	s := blob.NewFSStore(t.TempDir())

	data, err := s.Get(context.Background(), "missing.json")
	if err != nil {
		t.Fatalf("expected no error for absent blob, got %v", err)
	}
	if data != nil {
		t.Errorf("expected nil for absent blob, got %q", data)
	}
}

func TestFSStore_Overwrite(t *testing.T) {
	s := blob.NewFSStore(t.TempDir())
	ctx := context.Background()

	if err := s.Put(ctx, "doc.json", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "doc.json", []byte("v2")); err != nil {
		t.Fatal(err)
	}

	data, _ := s.Get(ctx, "doc.json")
	if string(data) != "v2" {
		t.Errorf("expected 'v2', got %q", data)
	}
}

func TestFSStore_RejectsTraversal(t *testing.T) {
	s := blob.NewFSStore(t.TempDir())

	if _, err := s.Get(context.Background(), "../outside"); err == nil {
		t.Error("expected error for traversal path")
	}
	if err := s.Put(context.Background(), "/abs/path", []byte("x")); err == nil {
		t.Error("expected error for absolute path")
	}
}
