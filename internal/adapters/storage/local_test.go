package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestSaveAndOpen(t *testing.T) {
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir(), MaxSize: 1024})
	if err != nil {
		t.Fatalf("NewLocalStorage: %v", err)
	}
	ref, err := s.Save(context.Background(), "../../etc/informe final.pdf", strings.NewReader("hola"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasSuffix(ref, "/informe_final.pdf") {
		t.Fatalf("ref = %q", ref)
	}

	rc, err := s.Open(context.Background(), ref)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "hola" {
		t.Fatalf("content = %q", b)
	}
}

func TestSaveTooLarge(t *testing.T) {
	s, _ := NewLocalStorage(LocalConfig{BasePath: t.TempDir(), MaxSize: 3})
	if _, err := s.Save(context.Background(), "a.txt", strings.NewReader("abcd")); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestOpenRejectsForeignRefs(t *testing.T) {
	s, _ := NewLocalStorage(LocalConfig{BasePath: t.TempDir()})
	for _, ref := range []string{
		"../secret",
		"not-a-uuid/file.txt",
		"3f1c2a4e-8a55-4c3b-9f57-2d1f1c3b7a10/../../x",
		"3f1c2a4e-8a55-4c3b-9f57-2d1f1c3b7a10/",
	} {
		if _, err := s.Open(context.Background(), ref); !errors.Is(err, ErrBadRef) {
			t.Fatalf("Open(%q) err = %v, want ErrBadRef", ref, err)
		}
	}
	if _, err := s.Open(context.Background(), "3f1c2a4e-8a55-4c3b-9f57-2d1f1c3b7a10/missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing file err = %v", err)
	}
}
