package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func setupTestStore(t *testing.T) (*FSStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	return s, dir
}

func createTestCheckpoint(jobID string) *Checkpoint {
	cp := validCheckpoint()
	cp.JobID = jobID
	return cp
}

func TestNewFSStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")

	s, err := NewFSStore(dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	if s.BaseDir() != dir {
		t.Errorf("BaseDir = %s, want %s", s.BaseDir(), dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("Base directory not created: %v", err)
	}
}

func TestSaveAndLoadCheckpoint(t *testing.T) {
	s, dir := setupTestStore(t)
	cp := createTestCheckpoint("job-a")

	if err := s.SaveCheckpoint("job-a", cp); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}

	path := filepath.Join(dir, "jobs", "job-a", "checkpoint.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Checkpoint file missing: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temp file should be renamed away")
	}

	loaded, err := s.LoadCheckpoint("job-a")
	if err != nil {
		t.Fatalf("Failed to load checkpoint: %v", err)
	}
	if loaded.Circle != cp.Circle || loaded.Fingerprint != cp.Fingerprint {
		t.Errorf("Loaded checkpoint differs: %+v", loaded)
	}
	if len(loaded.Config.Points) != len(cp.Config.Points) {
		t.Errorf("Expected %d points, got %d", len(cp.Config.Points), len(loaded.Config.Points))
	}
}

func TestSaveCheckpoint_Rejects(t *testing.T) {
	s, _ := setupTestStore(t)

	if err := s.SaveCheckpoint("", createTestCheckpoint("x")); err == nil {
		t.Error("Expected error for empty jobID")
	}
	if err := s.SaveCheckpoint("x", nil); err == nil {
		t.Error("Expected error for nil checkpoint")
	}

	invalid := createTestCheckpoint("x")
	invalid.Circle.R = -1
	var verr *ValidationError
	if err := s.SaveCheckpoint("x", invalid); !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

func TestSaveCheckpoint_Overwrite(t *testing.T) {
	s, _ := setupTestStore(t)

	first := createTestCheckpoint("job")
	if err := s.SaveCheckpoint("job", first); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	second := createTestCheckpoint("job")
	second.Circle.Sigma = 0.5
	if err := s.SaveCheckpoint("job", second); err != nil {
		t.Fatalf("Failed to overwrite: %v", err)
	}

	loaded, err := s.LoadCheckpoint("job")
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if loaded.Circle.Sigma != 0.5 {
		t.Errorf("Expected overwritten sigma 0.5, got %f", loaded.Circle.Sigma)
	}
}

func TestLoadCheckpoint_NotFound(t *testing.T) {
	s, _ := setupTestStore(t)

	_, err := s.LoadCheckpoint("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := s.LoadCheckpoint(""); err == nil {
		t.Error("Expected error for empty jobID")
	}
}

func TestLoadCheckpoint_Corrupted(t *testing.T) {
	s, dir := setupTestStore(t)

	jobDir := filepath.Join(dir, "jobs", "bad")
	os.MkdirAll(jobDir, 0755)
	os.WriteFile(filepath.Join(jobDir, "checkpoint.json"), []byte("{not json"), 0644)

	_, err := s.LoadCheckpoint("bad")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("Expected decode error, got %v", err)
	}
}

func TestListCheckpoints(t *testing.T) {
	s, dir := setupTestStore(t)

	infos, err := s.ListCheckpoints()
	if err != nil || len(infos) != 0 {
		t.Fatalf("Expected empty list, got %v, %v", infos, err)
	}

	base := time.Now()
	for i := 0; i < 3; i++ {
		cp := createTestCheckpoint(fmt.Sprintf("job-%d", i))
		cp.Timestamp = base.Add(time.Duration(i) * time.Minute)
		if err := s.SaveCheckpoint(cp.JobID, cp); err != nil {
			t.Fatalf("Failed to save: %v", err)
		}
	}

	// A directory without checkpoint and a stray file are ignored
	os.MkdirAll(filepath.Join(dir, "jobs", "empty"), 0755)
	os.WriteFile(filepath.Join(dir, "jobs", "stray.txt"), []byte("x"), 0644)

	infos, err = s.ListCheckpoints()
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("Expected 3 checkpoints, got %d", len(infos))
	}
	if infos[0].JobID != "job-2" || infos[2].JobID != "job-0" {
		t.Errorf("Expected newest first, got %s ... %s", infos[0].JobID, infos[2].JobID)
	}
}

func TestDeleteCheckpoint(t *testing.T) {
	s, dir := setupTestStore(t)

	cp := createTestCheckpoint("job")
	if err := s.SaveCheckpoint("job", cp); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}
	tw, _ := NewTraceWriter(dir, "job", false)
	tw.Close()

	if err := s.DeleteCheckpoint("job"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "jobs", "job")); !os.IsNotExist(err) {
		t.Error("Job directory should be removed")
	}

	if err := s.DeleteCheckpoint("job"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}
	if err := s.DeleteCheckpoint(""); err == nil {
		t.Error("Expected error for empty jobID")
	}
}

func TestConcurrentSave(t *testing.T) {
	s, _ := setupTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobID := fmt.Sprintf("job-%d", i)
			errs <- s.SaveCheckpoint(jobID, createTestCheckpoint(jobID))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Concurrent save failed: %v", err)
		}
	}

	infos, err := s.ListCheckpoints()
	if err != nil || len(infos) != 10 {
		t.Errorf("Expected 10 checkpoints, got %d (%v)", len(infos), err)
	}
}
