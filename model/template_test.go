package model

import (
	"encoding/json"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDependency_UnmarshalYAML(t *testing.T) {
	src := `
code: NOT_APPOINTMENT
depends_on: [PRE_REVIEW_BUYER, PRE_REVIEW_SELLER, [FIN_OFFER_ACCEPTED, FIN_EQUITY_PROOF]]
`
	var step StepDefinition
	if err := yaml.Unmarshal([]byte(src), &step); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := []Dependency{
		Requires("PRE_REVIEW_BUYER"),
		Requires("PRE_REVIEW_SELLER"),
		AnyOf("FIN_OFFER_ACCEPTED", "FIN_EQUITY_PROOF"),
	}
	if !reflect.DeepEqual(step.DependsOn, want) {
		t.Errorf("DependsOn = %#v, want %#v", step.DependsOn, want)
	}
	if !step.DependsOn[2].IsGroup() {
		t.Error("third dependency should be an or-group")
	}
}

func TestDependency_UnmarshalYAML_rejects_nested_groups(t *testing.T) {
	src := `depends_on: [[A, [B, C]]]`
	var step StepDefinition
	if err := yaml.Unmarshal([]byte(src), &step); err == nil {
		t.Fatal("expected error for nested or-group")
	}
}

func TestDependency_UnmarshalYAML_rejects_mapping(t *testing.T) {
	src := `depends_on: [{any: [A, B]}]`
	var step StepDefinition
	if err := yaml.Unmarshal([]byte(src), &step); err == nil {
		t.Fatal("expected error for mapping dependency")
	}
}

func TestDependency_JSON(t *testing.T) {
	deps := []Dependency{Requires("A"), AnyOf("B", "C")}
	data, err := json.Marshal(deps)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `["A",["B","C"]]` {
		t.Errorf("Marshal = %s", data)
	}

	var decoded []Dependency
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(decoded, deps) {
		t.Errorf("Unmarshal = %#v, want %#v", decoded, deps)
	}
}

func TestDependency_UnmarshalJSON_rejects_number(t *testing.T) {
	var d Dependency
	if err := json.Unmarshal([]byte(`42`), &d); err == nil {
		t.Fatal("expected error for numeric dependency")
	}
}

func TestDependency_MarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(StepDefinition{
		Code:      "X",
		DependsOn: []Dependency{Requires("A"), AnyOf("B", "C")},
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back StepDefinition
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(back.DependsOn) != 2 || back.DependsOn[0].Codes[0] != "A" || !back.DependsOn[1].IsGroup() {
		t.Errorf("round trip lost shape: %#v", back.DependsOn)
	}
}

func TestDependency_String(t *testing.T) {
	if got := Requires("A").String(); got != "A" {
		t.Errorf("String() = %q, want A", got)
	}
	if got := AnyOf("B", "C").String(); got != "[B C]" {
		t.Errorf("String() = %q, want [B C]", got)
	}
}
