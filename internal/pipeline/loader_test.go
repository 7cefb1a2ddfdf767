package pipeline

import (
	"context"
	"testing"

	"github.com/pitabwire/leadflow/model"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	seed, err := l.LoadFile("testdata/seeds/motor.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	def := seed.Definition
	if def.ID != "motor-default" || def.LineOfBusiness != "motor" || !def.IsDefault {
		t.Errorf("definition = %q/%q default=%v", def.ID, def.LineOfBusiness, def.IsDefault)
	}
	if len(def.Steps) != 5 {
		t.Fatalf("Steps = %d, want 5", len(def.Steps))
	}
	ap, ok := def.Steps[2].(*model.ApprovalStep)
	if !ok {
		t.Fatalf("Steps[2] = %T, want *model.ApprovalStep", def.Steps[2])
	}
	if ap.ApproverRole != "underwriter" || ap.TimeoutHours != 24 || ap.EscalationRole != "head_underwriter" {
		t.Errorf("approval step = %+v", ap)
	}
	if !def.Steps[0].Base().Enabled {
		t.Error("steps without an enabled field should default to enabled")
	}
	if seed.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if seed.SourceFile != "testdata/seeds/motor.yaml" {
		t.Errorf("SourceFile = %q", seed.SourceFile)
	}
}

func TestLoader_LoadFile_errors(t *testing.T) {
	l := NewLoader()
	for _, path := range []string{
		"testdata/nonexistent.yaml",
		"testdata/invalid/bad.yaml",
		"testdata/invalid/unknown_type.yml",
	} {
		if _, err := l.LoadFile(path); err == nil {
			t.Errorf("LoadFile(%s) should return error", path)
		}
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	seeds, err := l.LoadAll([]string{"testdata/seeds"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(seeds) != 1 {
		t.Fatalf("LoadAll() returned %d seeds, want 1", len(seeds))
	}

	if _, err := l.LoadAll([]string{"testdata/invalid"}); err == nil {
		t.Error("LoadAll() over invalid files should return error")
	}
	if _, err := l.LoadAll([]string{"testdata/missing-dir"}); err == nil {
		t.Error("LoadAll() over a missing directory should return error")
	}
}

func TestRepository_Apply(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	seeds, err := NewLoader().LoadAll([]string{"testdata/seeds"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}

	created, err := repo.Apply(ctx, seeds, true)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if created != 1 {
		t.Errorf("Apply() created = %d, want 1", created)
	}
	def, err := repo.Get(ctx, "motor-default")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if def.Status != model.PipelineActive || def.EntryStepID != "created" {
		t.Errorf("seeded definition status = %s entry = %q", def.Status, def.EntryStepID)
	}

	created, err = repo.Apply(ctx, seeds, true)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if created != 0 {
		t.Errorf("second Apply() created = %d, want 0", created)
	}
	versions, _ := repo.Versions(ctx, "motor-default")
	if len(versions) != 2 {
		t.Errorf("versions after reseed = %d, want 2", len(versions))
	}
}
