package model

import (
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestStepList_UnmarshalJSON_variants(t *testing.T) {
	data := []byte(`[
		{"id":"s1","type":"stage","order":1,"stage_id":"new","stage_name":"New","trigger_event":"lead.created"},
		{"id":"a1","type":"approval","order":2,"approver_role":"underwriter","timeout_hours":24,"escalation_role":"head_uw"},
		{"id":"d1","type":"decision","order":3,"enabled":false,"condition_type":"premium_above","condition_value":"1000","true_next_step_id":"end","false_next_step_id":"next"},
		{"id":"n1","type":"notification","order":4,"notification_type":"email"},
		{"id":"w1","type":"wait","order":5,"wait_for_event":"customer_response","timeout_hours":72,"on_timeout_step_id":"n1"}
	]`)

	var steps StepList
	if err := json.Unmarshal(data, &steps); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(steps) != 5 {
		t.Fatalf("len = %d, want 5", len(steps))
	}

	stage, ok := steps[0].(*StageStep)
	if !ok {
		t.Fatalf("steps[0] = %T, want *StageStep", steps[0])
	}
	if stage.StageName != "New" || stage.TriggerEvent != "lead.created" || !stage.Enabled {
		t.Errorf("stage = %+v", stage)
	}

	approval := steps[1].(*ApprovalStep)
	if approval.ApproverRole != "underwriter" || approval.TimeoutHours != 24 || approval.EscalationRole != "head_uw" {
		t.Errorf("approval = %+v", approval)
	}

	decision := steps[2].(*DecisionStep)
	if decision.Enabled {
		t.Error("decision.Enabled = true, want false from explicit field")
	}
	if decision.TrueNextStepID != TargetEnd || decision.FalseNextStepID != TargetNext {
		t.Errorf("decision targets = %q/%q", decision.TrueNextStepID, decision.FalseNextStepID)
	}

	if steps[3].Type() != StepNotification {
		t.Errorf("steps[3].Type() = %q", steps[3].Type())
	}
	wait := steps[4].(*WaitStep)
	if wait.WaitForEvent != "customer_response" || wait.OnTimeoutStepID != "n1" {
		t.Errorf("wait = %+v", wait)
	}
}

func TestStepList_MarshalJSON_carries_discriminator(t *testing.T) {
	steps := StepList{
		&DecisionStep{StepBase: StepBase{ID: "d1", Order: 1, Enabled: true}, ConditionType: "has_quote", TrueNextStepID: "end", FalseNextStepID: "next"},
	}
	data, err := json.Marshal(steps)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	s := string(data)
	for _, want := range []string{`"type":"decision"`, `"condition_type":"has_quote"`, `"enabled":true`} {
		if !strings.Contains(s, want) {
			t.Errorf("encoded = %s, missing %s", s, want)
		}
	}
	if strings.Contains(s, "stage_name") {
		t.Errorf("decision encoding leaked stage fields: %s", s)
	}
}

func TestStepList_UnmarshalJSON_unknown_type(t *testing.T) {
	var steps StepList
	err := json.Unmarshal([]byte(`[{"id":"x","type":"loop"}]`), &steps)
	if err == nil {
		t.Fatal("expected error for unknown step type")
	}
}

func TestStepList_UnmarshalYAML(t *testing.T) {
	src := `
- id: qualify
  type: stage
  stage_id: qualified
  stage_name: Qualified
  trigger_event: lead.qualified
- id: wait_docs
  type: wait
  wait_for_event: documents_uploaded
`
	var steps StepList
	if err := yaml.Unmarshal([]byte(src), &steps); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("len = %d, want 2", len(steps))
	}
	if !steps[1].Base().Enabled {
		t.Error("missing enabled should default to true")
	}
	if steps[1].(*WaitStep).WaitForEvent != "documents_uploaded" {
		t.Errorf("wait = %+v", steps[1])
	}
}

func TestStepList_Clone_is_deep(t *testing.T) {
	orig := StepList{&StageStep{StepBase: StepBase{ID: "s1", Enabled: true}, StageName: "New"}}
	c := orig.Clone()
	c[0].(*StageStep).StageName = "Changed"
	c[0].Base().Enabled = false
	if orig[0].(*StageStep).StageName != "New" || !orig[0].Base().Enabled {
		t.Error("Clone() shares step memory with the original")
	}
}

func TestIsReservedStepID(t *testing.T) {
	for _, id := range []string{"end", "next"} {
		if !IsReservedStepID(id) {
			t.Errorf("IsReservedStepID(%q) = false", id)
		}
	}
	if IsReservedStepID("ending") {
		t.Error("IsReservedStepID(ending) = true")
	}
}
