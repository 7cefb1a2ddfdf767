package model

import (
	"sort"
	"time"
)

// PipelineStatus is the lifecycle status of a pipeline definition.
type PipelineStatus string

// Pipeline definition statuses.
const (
	PipelineDraft      PipelineStatus = "draft"
	PipelineActive     PipelineStatus = "active"
	PipelineInactive   PipelineStatus = "inactive"
	PipelineDeprecated PipelineStatus = "deprecated"
)

// Valid reports whether s is a known status.
func (s PipelineStatus) Valid() bool {
	switch s {
	case PipelineDraft, PipelineActive, PipelineInactive, PipelineDeprecated:
		return true
	}
	return false
}

// Scope is the (line-of-business, business-type, organization) triple used
// to select a definition for a new entity. Empty BusinessType or
// OrganizationID means "any".
type Scope struct {
	LineOfBusiness string `json:"line_of_business"`
	BusinessType   string `json:"business_type,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// PipelineDefinition is a versioned template describing an ordered graph
// of steps. Each mutation produces a new Version.
type PipelineDefinition struct {
	ID             string         `json:"id" yaml:"id"`
	Version        int            `json:"version" yaml:"-"`
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	LineOfBusiness string         `json:"line_of_business" yaml:"line_of_business"`
	BusinessType   string         `json:"business_type,omitempty" yaml:"business_type,omitempty"`
	OrganizationID string         `json:"organization_id,omitempty" yaml:"organization_id,omitempty"`
	Status         PipelineStatus `json:"status" yaml:"-"`
	IsDefault      bool           `json:"is_default" yaml:"is_default"`
	Steps          StepList       `json:"steps" yaml:"steps"`
	EntryStepID    string         `json:"entry_step_id" yaml:"-"`
	CreatedBy      string         `json:"created_by,omitempty" yaml:"-"`
	UpdatedBy      string         `json:"updated_by,omitempty" yaml:"-"`
	CreatedAt      time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time      `json:"updated_at" yaml:"-"`
	ActivatedAt    *time.Time     `json:"activated_at,omitempty" yaml:"-"`
}

// Scope returns the definition's selection scope.
func (d *PipelineDefinition) Scope() Scope {
	return Scope{
		LineOfBusiness: d.LineOfBusiness,
		BusinessType:   d.BusinessType,
		OrganizationID: d.OrganizationID,
	}
}

// Clone returns a deep copy of the definition.
func (d *PipelineDefinition) Clone() *PipelineDefinition {
	c := *d
	c.Steps = d.Steps.Clone()
	if d.ActivatedAt != nil {
		t := *d.ActivatedAt
		c.ActivatedAt = &t
	}
	return &c
}

// Normalize sorts steps by order, keeping the relative position of equal
// orders, renumbers them 1..n and recomputes EntryStepID.
func (d *PipelineDefinition) Normalize() {
	sort.SliceStable(d.Steps, func(i, j int) bool {
		return d.Steps[i].Base().Order < d.Steps[j].Base().Order
	})
	for i, s := range d.Steps {
		s.Base().Order = i + 1
	}
	d.EntryStepID = ""
	if entry := d.EntryStep(); entry != nil {
		d.EntryStepID = entry.Base().ID
	}
}

// EntryStep returns the lowest-order enabled step, or nil.
func (d *PipelineDefinition) EntryStep() Step {
	var entry Step
	for _, s := range d.Steps {
		b := s.Base()
		if !b.Enabled {
			continue
		}
		if entry == nil || b.Order < entry.Base().Order {
			entry = s
		}
	}
	return entry
}

// FindStep returns the step with the given id and its index, or nil and -1.
func (d *PipelineDefinition) FindStep(id string) (Step, int) {
	for i, s := range d.Steps {
		if s.Base().ID == id {
			return s, i
		}
	}
	return nil, -1
}

// NextEnabledAfter returns the first enabled step ordered after the step
// with the given id, or nil when there is none or id is unknown.
func (d *PipelineDefinition) NextEnabledAfter(id string) Step {
	_, idx := d.FindStep(id)
	if idx < 0 {
		return nil
	}
	return d.firstEnabledFrom(idx + 1)
}

// EnabledFrom returns the step with the given id if it is enabled, otherwise
// the first enabled step after it. Nil when id is unknown.
func (d *PipelineDefinition) EnabledFrom(id string) Step {
	_, idx := d.FindStep(id)
	if idx < 0 {
		return nil
	}
	return d.firstEnabledFrom(idx)
}

func (d *PipelineDefinition) firstEnabledFrom(idx int) Step {
	for i := idx; i < len(d.Steps); i++ {
		if d.Steps[i].Base().Enabled {
			return d.Steps[i]
		}
	}
	return nil
}

// CountEnabled returns the number of enabled steps.
func (d *PipelineDefinition) CountEnabled() int {
	n := 0
	for _, s := range d.Steps {
		if s.Base().Enabled {
			n++
		}
	}
	return n
}

// PipelineFilters narrows a definition listing. Zero values match everything.
type PipelineFilters struct {
	LineOfBusiness string
	BusinessType   string
	OrganizationID string
	Status         PipelineStatus
	IsDefault      *bool
	// IncludeDeprecated lists soft-deleted definitions too.
	IncludeDeprecated bool
	Limit             int
	Offset            int
}
