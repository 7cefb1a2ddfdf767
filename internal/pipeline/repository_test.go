package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/leadflow/model"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestRepo() (*Repository, *MemoryStore) {
	store := NewMemoryStore()
	n := 0
	repo := NewRepository(store, zap.NewNop(),
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("gen-%d", n)
		}),
	)
	return repo, store
}

func createValid(t *testing.T, repo *Repository, id string) *model.PipelineDefinition {
	t.Helper()
	def := validDefinition()
	def.ID = id
	got, err := repo.Create(context.Background(), def, "alice")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return got
}

func TestRepository_Create(t *testing.T) {
	repo, _ := newTestRepo()
	def := &model.PipelineDefinition{
		Name:           "Motor",
		LineOfBusiness: "motor",
		Steps: model.StepList{
			&model.StageStep{StepBase: model.StepBase{Enabled: false}, StageID: "x", StageName: "X"},
			&model.StageStep{StepBase: model.StepBase{Enabled: true}, StageID: "y", StageName: "Y"},
		},
	}

	got, err := repo.Create(context.Background(), def, "alice")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got.ID != "gen-1" {
		t.Errorf("ID = %q, want gen-1", got.ID)
	}
	if got.Version != 1 || got.Status != model.PipelineDraft {
		t.Errorf("Version/Status = %d/%s, want 1/draft", got.Version, got.Status)
	}
	if got.Steps[0].Base().ID != "gen-2" || got.Steps[1].Base().ID != "gen-3" {
		t.Errorf("step ids = %q, %q", got.Steps[0].Base().ID, got.Steps[1].Base().ID)
	}
	if got.Steps[0].Base().Order != 1 || got.Steps[1].Base().Order != 2 {
		t.Errorf("orders = %d, %d, want 1, 2", got.Steps[0].Base().Order, got.Steps[1].Base().Order)
	}
	if got.EntryStepID != "gen-3" {
		t.Errorf("EntryStepID = %q, want first enabled step gen-3", got.EntryStepID)
	}
	if got.CreatedBy != "alice" || !got.CreatedAt.Equal(testNow) {
		t.Errorf("CreatedBy/CreatedAt = %q/%v", got.CreatedBy, got.CreatedAt)
	}
	if def.ID != "" {
		t.Error("Create() mutated its input")
	}
}

func TestRepository_Create_requiresMetadata(t *testing.T) {
	repo, _ := newTestRepo()
	_, err := repo.Create(context.Background(), &model.PipelineDefinition{}, "alice")
	if model.CodeOf(err) != model.ErrValidationError {
		t.Fatalf("Create() code = %q, want VALIDATION_ERROR", model.CodeOf(err))
	}
	var env *model.ErrorEnvelope
	if !errors.As(err, &env) || len(env.Details) != 2 {
		t.Errorf("Details = %v, want name and line_of_business", env.Details)
	}
}

func TestRepository_UpdateVersions(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	createValid(t, repo, "p1")

	name := "Motor v2"
	updated, err := repo.Update(ctx, "p1", UpdateRequest{Name: &name}, "bob")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Version != 2 || updated.Name != name || updated.UpdatedBy != "bob" {
		t.Errorf("Update() = v%d %q by %q", updated.Version, updated.Name, updated.UpdatedBy)
	}

	v1, err := repo.GetVersion(ctx, "p1", 1)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if v1.Name != "Motor" {
		t.Errorf("version 1 name = %q, want Motor", v1.Name)
	}

	versions, _ := repo.Versions(ctx, "p1")
	if len(versions) != 2 {
		t.Errorf("Versions() = %d, want 2", len(versions))
	}
}

func TestRepository_Update_replacesSteps(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	createValid(t, repo, "p1")

	steps := model.StepList{stage("z", 5, true), stage("y", 1, false), stage("x", 3, true)}
	got, err := repo.Update(ctx, "p1", UpdateRequest{Steps: &steps}, "bob")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	ids := []string{got.Steps[0].Base().ID, got.Steps[1].Base().ID, got.Steps[2].Base().ID}
	if ids[0] != "y" || ids[1] != "x" || ids[2] != "z" {
		t.Errorf("step order = %v, want [y x z]", ids)
	}
	if got.Steps[2].Base().Order != 3 {
		t.Errorf("last order = %d, want 3", got.Steps[2].Base().Order)
	}
	if got.EntryStepID != "x" {
		t.Errorf("EntryStepID = %q, want x", got.EntryStepID)
	}
}

func TestRepository_Activate(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	createValid(t, repo, "p1")

	got, err := repo.Activate(ctx, "p1", "alice")
	if err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if got.Status != model.PipelineActive || got.ActivatedAt == nil {
		t.Errorf("Activate() status = %s activated_at = %v", got.Status, got.ActivatedAt)
	}
}

func TestRepository_Activate_invalidKeepsStatus(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	def := &model.PipelineDefinition{ID: "p1", Name: "Empty", LineOfBusiness: "motor"}
	if _, err := repo.Create(ctx, def, "alice"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := repo.Activate(ctx, "p1", "alice")
	if model.CodeOf(err) != model.ErrValidationError {
		t.Fatalf("Activate() code = %q, want VALIDATION_ERROR", model.CodeOf(err))
	}
	got, _ := repo.Get(ctx, "p1")
	if got.Status != model.PipelineDraft || got.Version != 1 {
		t.Errorf("after failed activation status/version = %s/%d", got.Status, got.Version)
	}
}

func TestRepository_Activate_noEnabledSteps(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	def := validDefinition()
	for _, s := range def.Steps {
		s.Base().Enabled = false
	}
	if _, err := repo.Create(ctx, def, "alice"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := repo.Activate(ctx, "p1", "alice"); model.CodeOf(err) != model.ErrValidationError {
		t.Errorf("Activate() error = %v, want VALIDATION_ERROR", err)
	}
}

func TestRepository_Activate_replacesDefault(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()

	mk := func(id, org string) {
		def := validDefinition()
		def.ID = id
		def.IsDefault = true
		def.OrganizationID = org
		if _, err := repo.Create(ctx, def, "alice"); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
		if _, err := repo.Activate(ctx, id, "alice"); err != nil {
			t.Fatalf("Activate(%s) error = %v", id, err)
		}
	}
	mk("old", "")
	mk("other-org", "acme")
	mk("new", "")

	old, _ := repo.Get(ctx, "old")
	if old.Status != model.PipelineInactive {
		t.Errorf("previous default status = %s, want inactive", old.Status)
	}
	other, _ := repo.Get(ctx, "other-org")
	if other.Status != model.PipelineActive {
		t.Errorf("default in another scope status = %s, want active", other.Status)
	}
	current, _ := repo.Get(ctx, "new")
	if current.Status != model.PipelineActive {
		t.Errorf("new default status = %s, want active", current.Status)
	}
}

func TestRepository_Update_defaultDemotesSameScope(t *testing.T) {
	strPtr := func(v string) *string { return &v }
	boolPtr := func(v bool) *bool { return &v }

	tests := []struct {
		name      string
		isDefault bool
		org       string
		req       UpdateRequest
		wantPrior model.PipelineStatus
	}{
		{"becomes default", false, "", UpdateRequest{IsDefault: boolPtr(true)}, model.PipelineInactive},
		{"default moves into scope", true, "acme", UpdateRequest{OrganizationID: strPtr("")}, model.PipelineInactive},
		{"default in other scope", true, "acme", UpdateRequest{Name: strPtr("Motor acme")}, model.PipelineActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, _ := newTestRepo()
			ctx := context.Background()

			mk := func(id, org string, isDefault bool) {
				def := validDefinition()
				def.ID = id
				def.IsDefault = isDefault
				def.OrganizationID = org
				if _, err := repo.Create(ctx, def, "alice"); err != nil {
					t.Fatalf("Create(%s) error = %v", id, err)
				}
				if _, err := repo.Activate(ctx, id, "alice"); err != nil {
					t.Fatalf("Activate(%s) error = %v", id, err)
				}
			}
			mk("prior", "", true)
			mk("edited", tt.org, tt.isDefault)

			updated, err := repo.Update(ctx, "edited", tt.req, "bob")
			if err != nil {
				t.Fatalf("Update() error = %v", err)
			}
			if updated.Status != model.PipelineActive {
				t.Errorf("updated status = %s, want active", updated.Status)
			}
			prior, _ := repo.Get(ctx, "prior")
			if prior.Status != tt.wantPrior {
				t.Errorf("prior default status = %s, want %s", prior.Status, tt.wantPrior)
			}

			isDefault := true
			defaults, err := repo.List(ctx, model.PipelineFilters{
				LineOfBusiness: "motor",
				Status:         model.PipelineActive,
				IsDefault:      &isDefault,
			})
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			scopes := make(map[model.Scope]int)
			for _, d := range defaults {
				scopes[d.Scope()]++
			}
			for scope, n := range scopes {
				if n > 1 {
					t.Errorf("scope %+v has %d active defaults", scope, n)
				}
			}
		})
	}
}

func TestRepository_Delete(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	createValid(t, repo, "p1")

	if err := repo.Delete(ctx, "p1", "alice"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, "p1"); model.CodeOf(err) != model.ErrPipelineNotFound {
		t.Errorf("Get() after delete code = %q", model.CodeOf(err))
	}
	if _, err := repo.Activate(ctx, "p1", "alice"); !model.IsNotFound(err) {
		t.Errorf("Activate() after delete error = %v", err)
	}
	if _, err := repo.GetVersion(ctx, "p1", 1); err != nil {
		t.Errorf("GetVersion() after delete error = %v", err)
	}
	if err := repo.Delete(ctx, "p1", "alice"); !model.IsNotFound(err) {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestRepository_AddStep(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	createValid(t, repo, "p1")

	got, err := repo.AddStep(ctx, "p1", stage("s1b", 0, true), "s1", "alice")
	if err != nil {
		t.Fatalf("AddStep() error = %v", err)
	}
	if got.Steps[1].Base().ID != "s1b" {
		t.Errorf("inserted step at %q, want position 1", got.Steps[1].Base().ID)
	}
	for i, s := range got.Steps {
		if s.Base().Order != i+1 {
			t.Errorf("step %s order = %d, want %d", s.Base().ID, s.Base().Order, i+1)
		}
	}

	got, err = repo.AddStep(ctx, "p1", stage("", 0, true), "", "alice")
	if err != nil {
		t.Fatalf("AddStep(end) error = %v", err)
	}
	last := got.Steps[len(got.Steps)-1]
	if last.Base().ID == "" {
		t.Error("appended step has no id")
	}

	if _, err := repo.AddStep(ctx, "p1", stage("x", 0, true), "ghost", "alice"); model.CodeOf(err) != model.ErrStepNotFound {
		t.Errorf("AddStep(after ghost) code = %q", model.CodeOf(err))
	}
	if _, err := repo.AddStep(ctx, "p1", stage("s1", 0, true), "", "alice"); model.CodeOf(err) != model.ErrConflict {
		t.Errorf("AddStep(duplicate) code = %q", model.CodeOf(err))
	}
}

func TestRepository_UpdateStep(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	createValid(t, repo, "p1")

	replacement := &model.NotificationStep{
		StepBase:         model.StepBase{ID: "ignored", Order: 99, Enabled: true},
		NotificationType: "sms",
	}
	got, err := repo.UpdateStep(ctx, "p1", "s3", replacement, "alice")
	if err != nil {
		t.Fatalf("UpdateStep() error = %v", err)
	}
	s, idx := got.FindStep("s3")
	if idx != 3 || s.Type() != model.StepNotification {
		t.Errorf("UpdateStep() step at %d type %s", idx, s.Type())
	}
	if _, err := repo.UpdateStep(ctx, "p1", "ghost", replacement, "alice"); model.CodeOf(err) != model.ErrStepNotFound {
		t.Errorf("UpdateStep(ghost) code = %q", model.CodeOf(err))
	}
}

func TestRepository_DeleteStep(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	createValid(t, repo, "p1")

	got, err := repo.DeleteStep(ctx, "p1", "s1", "alice")
	if err != nil {
		t.Fatalf("DeleteStep() error = %v", err)
	}
	if len(got.Steps) != 3 || got.Steps[0].Base().Order != 1 {
		t.Errorf("after delete: %d steps, first order %d", len(got.Steps), got.Steps[0].Base().Order)
	}
	if got.EntryStepID != "d" {
		t.Errorf("EntryStepID = %q, want d", got.EntryStepID)
	}
}

func TestRepository_DeleteStep_activeMustStayValid(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	createValid(t, repo, "p1")
	if _, err := repo.Activate(ctx, "p1", "alice"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	_, err := repo.DeleteStep(ctx, "p1", "s2", "alice")
	if model.CodeOf(err) != model.ErrValidationError {
		t.Errorf("DeleteStep() of a decision target code = %q, want VALIDATION_ERROR", model.CodeOf(err))
	}
}

func TestRepository_ReorderSteps(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	def := &model.PipelineDefinition{
		ID:             "p1",
		Name:           "Linear",
		LineOfBusiness: "motor",
		Steps:          model.StepList{stage("a", 1, true), stage("b", 2, true), stage("c", 3, true)},
	}
	if _, err := repo.Create(ctx, def, "alice"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.ReorderSteps(ctx, "p1", map[string]int{"a": 30, "b": 10, "c": 20}, "alice")
	if err != nil {
		t.Fatalf("ReorderSteps() error = %v", err)
	}
	want := []string{"b", "c", "a"}
	for i, id := range want {
		if got.Steps[i].Base().ID != id || got.Steps[i].Base().Order != i+1 {
			t.Errorf("Steps[%d] = %s/%d, want %s/%d", i, got.Steps[i].Base().ID, got.Steps[i].Base().Order, id, i+1)
		}
	}
	if got.EntryStepID != "b" {
		t.Errorf("EntryStepID = %q, want b", got.EntryStepID)
	}

	if _, err := repo.ReorderSteps(ctx, "p1", map[string]int{"ghost": 1}, "alice"); model.CodeOf(err) != model.ErrStepNotFound {
		t.Errorf("ReorderSteps(ghost) code = %q", model.CodeOf(err))
	}
}

func TestRepository_List(t *testing.T) {
	repo, _ := newTestRepo()
	ctx := context.Background()
	createValid(t, repo, "p1")
	createValid(t, repo, "p2")
	if _, err := repo.Activate(ctx, "p2", "alice"); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}

	got, err := repo.List(ctx, model.PipelineFilters{Status: model.PipelineActive})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "p2" {
		t.Errorf("List(active) = %d items", len(got))
	}
}
