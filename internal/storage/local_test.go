package storage

import (
	"context"
	"io"
	"testing"
)

func TestLocalStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())

	key := "c1/speaker_a"
	if err := s.Save(ctx, key, []byte("audio-bytes"), "audio/m4a"); err != nil {
		t.Fatal(err)
	}
	if !s.Exists(ctx, key) {
		t.Fatal("saved file should exist")
	}

	r, err := s.Open(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "audio-bytes" {
		t.Errorf("read back %q", data)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if s.Exists(ctx, key) {
		t.Error("deleted file should not exist")
	}

	t.Run("delete_missing_is_noop", func(t *testing.T) {
		if err := s.Delete(ctx, "c1/never-uploaded"); err != nil {
			t.Errorf("delete missing: %v", err)
		}
	})
}

func TestLocalStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())

	if err := s.Save(ctx, "c1/a", []byte("first"), "audio/m4a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(ctx, "c1/a", []byte("second"), "audio/m4a"); err != nil {
		t.Fatal(err)
	}

	r, _ := s.Open(ctx, "c1/a")
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "second" {
		t.Errorf("read back %q, want second write", data)
	}
}
