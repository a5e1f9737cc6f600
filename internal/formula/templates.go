package formula

import (
	"fmt"
	"sort"

	"dario.cat/mergo"
)

// templates are preset computed fields. Callers bind them to their own record
// shape through ApplyTemplate overrides.
var templates = map[string]ComputedField{
	"ageInDays": {
		Name:   "ageInDays",
		Label:  "Age (days)",
		Type:   TypeNumber,
		Source: SourceSelf,
		Config: Config{
			Expression: "daysAgo(${createdAt})",
			DependsOn:  []string{"createdAt"},
		},
	},
	"daysSinceUpdate": {
		Name:   "daysSinceUpdate",
		Label:  "Days since update",
		Type:   TypeNumber,
		Source: SourceSelf,
		Config: Config{
			Expression: "daysAgo(${updatedAt})",
			DependsOn:  []string{"updatedAt"},
		},
	},
	"relatedCount": {
		Name:   "relatedCount",
		Label:  "Related records",
		Type:   TypeNumber,
		Source: SourceRelated,
		Config: Config{
			Aggregation: AggCount,
			Direction:   DirectionBoth,
		},
	},
	"fullName": {
		Name:   "fullName",
		Label:  "Full name",
		Type:   TypeString,
		Source: SourceSelf,
		Config: Config{
			Expression: "trim(concat(${firstName}, ' ', ${lastName}))",
			DependsOn:  []string{"firstName", "lastName"},
		},
	},
	"totalValue": {
		Name:   "totalValue",
		Label:  "Total value",
		Type:   TypeNumber,
		Source: SourceSelf,
		Config: Config{
			Expression: "round(${quantity} * ${unitPrice}, 2)",
			DependsOn:  []string{"quantity", "unitPrice"},
		},
	},
	"daysUntilDue": {
		Name:   "daysUntilDue",
		Label:  "Days until due",
		Type:   TypeNumber,
		Source: SourceSelf,
		Config: Config{
			Expression: "daysBetween(now(), ${dueDate})",
			DependsOn:  []string{"dueDate"},
		},
	},
	"isOverdue": {
		Name:   "isOverdue",
		Label:  "Overdue",
		Type:   TypeBoolean,
		Source: SourceSelf,
		Config: Config{
			Expression: "${dueDate} != null && toDate(${dueDate}) < now() && ${status} != 'completed'",
			DependsOn:  []string{"dueDate", "status"},
		},
	},
	"completionPercentage": {
		Name:   "completionPercentage",
		Label:  "Completion %",
		Type:   TypeNumber,
		Source: SourceFormula,
		Config: Config{
			Template:  "round(${completed} / max(${total}, 1) * 100, 0)",
			Variables: map[string]string{"completed": "completed", "total": "total"},
		},
	},
}

// TemplateNames lists the preset computed fields in name order
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Template returns a copy of the named preset
func Template(name string) (ComputedField, bool) {
	t, ok := templates[name]
	if !ok {
		return ComputedField{}, false
	}
	return cloneField(t), true
}

func cloneField(f ComputedField) ComputedField {
	c := f
	if f.Config.DependsOn != nil {
		c.Config.DependsOn = append([]string(nil), f.Config.DependsOn...)
	}
	if f.Config.Variables != nil {
		c.Config.Variables = make(map[string]string, len(f.Config.Variables))
		for k, v := range f.Config.Variables {
			c.Config.Variables[k] = v
		}
	}
	return c
}

// ApplyTemplate deep-merges overrides onto the named preset. Set members of
// overrides replace the preset's, everything else in the preset is kept.
func ApplyTemplate(name string, overrides ComputedField) (ComputedField, error) {
	base, ok := Template(name)
	if !ok {
		return ComputedField{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	if err := mergo.Merge(&base, overrides, mergo.WithOverride); err != nil {
		return ComputedField{}, fmt.Errorf("failed to merge template %s: %w", name, err)
	}
	return base, nil
}
