package orchestrator

import (
	"context"
	"sort"
	"time"

	"github.com/pitabwire/leadflow/model"
)

// resolveDefinition picks the active definition for a new entity in scope.
// A definition is eligible when its line of business matches and each of
// its business type and organization is either unset or equal to the
// entity's. The most specific eligible definition wins; organization
// outranks business type. Ties prefer non-default definitions, then the
// most recently activated one. Returns nil when none is eligible.
func (o *Orchestrator) resolveDefinition(ctx context.Context, scope model.Scope) (*model.PipelineDefinition, error) {
	if scope.LineOfBusiness == "" {
		return nil, nil
	}
	defs, err := o.definitions.List(ctx, model.PipelineFilters{
		LineOfBusiness: scope.LineOfBusiness,
		Status:         model.PipelineActive,
	})
	if err != nil {
		return nil, err
	}

	var eligible []*model.PipelineDefinition
	for _, d := range defs {
		if d.Status != model.PipelineActive {
			continue
		}
		if d.BusinessType != "" && d.BusinessType != scope.BusinessType {
			continue
		}
		if d.OrganizationID != "" && d.OrganizationID != scope.OrganizationID {
			continue
		}
		eligible = append(eligible, d)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if sa, sb := specificity(a), specificity(b); sa != sb {
			return sa > sb
		}
		if a.IsDefault != b.IsDefault {
			return !a.IsDefault
		}
		return activatedAt(a).After(activatedAt(b))
	})
	return eligible[0], nil
}

func specificity(d *model.PipelineDefinition) int {
	score := 0
	if d.OrganizationID != "" {
		score += 2
	}
	if d.BusinessType != "" {
		score++
	}
	return score
}

func activatedAt(d *model.PipelineDefinition) time.Time {
	if d.ActivatedAt != nil {
		return *d.ActivatedAt
	}
	return d.UpdatedAt
}
