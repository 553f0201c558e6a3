package domain

import "time"

// Policy is the workspace configuration a transaction is coded against.
type Policy struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId,omitempty"`
	Name     string `json:"name"`

	// Coding requirements
	RequiresCategory bool `json:"requiresCategory"`
	RequiresTag      bool `json:"requiresTag"`

	// CustomUnits maps a custom unit ID (e.g. distance) to its definition.
	CustomUnits map[string]CustomUnit `json:"customUnits,omitempty"`

	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// CustomUnit is a policy-defined unit such as distance, with its own rates.
type CustomUnit struct {
	CustomUnitID    string                    `json:"customUnitID"`
	Name            string                    `json:"name"`
	Enabled         bool                      `json:"enabled"`
	DefaultCategory string                    `json:"defaultCategory,omitempty"`
	Attributes      CustomUnitAttributes      `json:"attributes"`
	Rates           map[string]CustomUnitRate `json:"rates"`
}

// CustomUnitAttributes holds descriptive unit settings.
type CustomUnitAttributes struct {
	Unit string `json:"unit,omitempty"` // "mi" or "km"
}

// CustomUnitRate is a single rate of a custom unit.
type CustomUnitRate struct {
	CustomUnitRateID string  `json:"customUnitRateID"`
	Name             string  `json:"name"`
	Currency         string  `json:"currency"`
	Rate             float64 `json:"rate"`
	Enabled          bool    `json:"enabled"`
}

// HasRate reports whether rateID belongs to an enabled custom unit of the policy.
func (p *Policy) HasRate(rateID string) bool {
	if p == nil || rateID == "" {
		return false
	}
	for _, unit := range p.CustomUnits {
		if !unit.Enabled {
			continue
		}
		if _, ok := unit.Rates[rateID]; ok {
			return true
		}
	}
	return false
}

// Category is a single entry of a policy's category list.
type Category struct {
	Name                string `json:"name"`
	UnencodedName       string `json:"unencodedName,omitempty"`
	Enabled             bool   `json:"enabled"`
	AreCommentsRequired bool   `json:"areCommentsRequired,omitempty"`
	ExternalID          string `json:"externalID,omitempty"`
	Origin              string `json:"origin,omitempty"`
}

// CategoryList maps a category name to its definition.
type CategoryList map[string]Category

// IsEnabled reports whether name is an enabled category of the list.
func (l CategoryList) IsEnabled(name string) bool {
	c, ok := l[name]
	return ok && c.Enabled
}

// Tag is a single selectable tag inside a tag group.
type Tag struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// TagGroup is one level of a policy's tag list.
type TagGroup struct {
	Name        string         `json:"name"`
	Required    bool           `json:"required"`
	OrderWeight int            `json:"orderWeight"`
	Tags        map[string]Tag `json:"tags"`
}

// IsEnabled reports whether name is an enabled tag of the group.
func (g TagGroup) IsEnabled(name string) bool {
	t, ok := g.Tags[name]
	return ok && t.Enabled
}

// TagList maps a tag group name to its definition. A list with more than one
// group is a multi-level tag list; the level order is given by OrderWeight,
// never by map iteration order.
type TagList map[string]TagGroup

// PolicySnapshot bundles everything the violation engine reads from a policy.
// It is the unit cached per policy.
type PolicySnapshot struct {
	Policy     *Policy      `json:"policy"`
	Categories CategoryList `json:"categories"`
	Tags       TagList      `json:"tags"`
}

// PolicyRequest is the API request payload for creating or updating a policy.
type PolicyRequest struct {
	Name             string                `json:"name" validate:"required"`
	RequiresCategory bool                  `json:"requiresCategory"`
	RequiresTag      bool                  `json:"requiresTag"`
	CustomUnits      map[string]CustomUnit `json:"customUnits,omitempty"`
}

// ToPolicy converts a request to a Policy domain object.
func (r *PolicyRequest) ToPolicy(tenantID, policyID string) *Policy {
	return &Policy{
		ID:               policyID,
		TenantID:         tenantID,
		Name:             r.Name,
		RequiresCategory: r.RequiresCategory,
		RequiresTag:      r.RequiresTag,
		CustomUnits:      r.CustomUnits,
		UpdatedAt:        time.Now().UTC(),
	}
}
