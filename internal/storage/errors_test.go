package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestReadOnlyErrorChain(t *testing.T) {
	err := ReadOnly("pmap put", "/x/inverted.log")

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StorageError, got %T", err)
	}
	if !errors.Is(se.Unwrap(), ErrIncorrectOperation) {
		t.Errorf("expected cause ErrIncorrectOperation, got %v", se.Unwrap())
	}
	if RequiresRebuild(err) {
		t.Error("read-only violation must not require a rebuild")
	}
}

func TestWrap(t *testing.T) {
	if Wrap("op", "", nil) != nil {
		t.Error("Wrap(nil) should be nil")
	}

	canceled := fmt.Errorf("drain: %w", context.Canceled)
	if got := Wrap("op", "", canceled); got != canceled {
		t.Errorf("cancellation should pass through unchanged, got %v", got)
	}

	inner := Corrupted("enumerate", "keys.enum", "bad crc at %d", 12)
	if got := Wrap("outer", "", inner); got != inner {
		t.Errorf("existing storage error should not be re-wrapped, got %v", got)
	}

	io := errors.New("disk full")
	wrapped := Wrap("pmap force", "inverted.log", io)
	if !IsStorageError(wrapped) || !errors.Is(wrapped, io) {
		t.Errorf("expected storage error wrapping %v, got %v", io, wrapped)
	}
	if !RequiresRebuild(wrapped) {
		t.Error("write failure should require rebuild")
	}
}

func TestCorrupted(t *testing.T) {
	err := Corrupted("pmap open", "forward.log", "record %d truncated", 3)
	if !errors.Is(err, ErrCorrupted) {
		t.Errorf("expected ErrCorrupted in chain, got %v", err)
	}
	if !RequiresRebuild(err) {
		t.Error("corruption should require rebuild")
	}
}

func TestIsCanceled(t *testing.T) {
	if !IsCanceled(context.Canceled) || !IsCanceled(fmt.Errorf("x: %w", context.DeadlineExceeded)) {
		t.Error("expected context errors to be cancellations")
	}
	if IsCanceled(errors.New("other")) {
		t.Error("unrelated error is not a cancellation")
	}
	if RequiresRebuild(context.Canceled) {
		t.Error("cancellation must not require rebuild")
	}
}

func TestSources(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "words"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "words", "keys.enum"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	src := SubSource(DirSource(dir), "words")
	data, err := src.ReadFile("keys.enum")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "abc" {
		t.Errorf("got %q", data)
	}
	if _, err := src.ReadFile("missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
	if SubSource(DirSource(dir), "") != DirSource(dir) {
		t.Error("empty prefix should return the source unchanged")
	}
}
