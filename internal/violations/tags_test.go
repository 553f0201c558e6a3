package violations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// multiLevelTags declares Region/Department/Project with weights that do not
// follow alphabetical order.
func multiLevelTags() domain.TagList {
	return domain.TagList{
		"Project": {
			Name: "Project", Required: true, OrderWeight: 3,
			Tags: map[string]domain.Tag{
				"Project1": {Name: "Project1", Enabled: true},
				"Project2": {Name: "Project2", Enabled: false},
			},
		},
		"Region": {
			Name: "Region", Required: true, OrderWeight: 1,
			Tags: map[string]domain.Tag{
				"Africa": {Name: "Africa", Enabled: true},
				"Europe": {Name: "Europe", Enabled: true},
			},
		},
		"Department": {
			Name: "Department", Required: true, OrderWeight: 2,
			Tags: map[string]domain.Tag{
				"Accounting": {Name: "Accounting", Enabled: true},
				"R&D":        {Name: "R&D", Enabled: true},
			},
		},
	}
}

func singleLevelTags() domain.TagList {
	return domain.TagList{
		"Tag": {
			Name: "Tag", Required: true,
			Tags: map[string]domain.Tag{
				"Meals":   {Name: "Meals", Enabled: true},
				"Archive": {Name: "Archive", Enabled: false},
			},
		},
	}
}

func TestSplitTagLevels(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"Africa", []string{"Africa"}},
		{"Africa:Accounting:Project1", []string{"Africa", "Accounting", "Project1"}},
		{"Africa::Project1", []string{"Africa", "", "Project1"}},
		{" Africa : Accounting ", []string{"Africa", "Accounting"}},
		{`Ratio 1\:2:Accounting`, []string{"Ratio 1:2", "Accounting"}},
		{"Africa:", []string{"Africa", ""}},
		{`a\b`, []string{`a\b`}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitTagLevels(tt.in))
		})
	}
}

func TestOrderedGroups(t *testing.T) {
	groups := OrderedGroups(multiLevelTags())
	require.Len(t, groups, 3)
	assert.Equal(t, "Region", groups[0].Name)
	assert.Equal(t, "Department", groups[1].Name)
	assert.Equal(t, "Project", groups[2].Name)

	t.Run("ties broken by name", func(t *testing.T) {
		groups := OrderedGroups(domain.TagList{
			"b": {Name: "b"},
			"a": {Name: "a"},
			"c": {Name: "c", OrderWeight: -1},
		})
		require.Len(t, groups, 3)
		assert.Equal(t, []string{"c", "a", "b"}, []string{groups[0].Name, groups[1].Name, groups[2].Name})
	})

	t.Run("name falls back to key", func(t *testing.T) {
		groups := OrderedGroups(domain.TagList{"Region": {OrderWeight: 1}})
		require.Len(t, groups, 1)
		assert.Equal(t, "Region", groups[0].Name)
	})
}

func TestTagViolationsSingleLevel(t *testing.T) {
	tests := []struct {
		name     string
		tag      string
		required bool
		partial  bool
		want     domain.ViolationName
	}{
		{name: "not required", tag: "", required: false},
		{name: "partial exempt", tag: "", required: true, partial: true},
		{name: "enabled", tag: "Meals", required: true},
		{name: "missing", tag: "", required: true, want: domain.ViolationMissingTag},
		{name: "whitespace only", tag: "  ", required: true, want: domain.ViolationMissingTag},
		{name: "unknown", tag: "Nope", required: true, want: domain.ViolationTagOutOfPolicy},
		{name: "disabled", tag: "Archive", required: true, want: domain.ViolationTagOutOfPolicy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TagViolations(tt.tag, singleLevelTags(), tt.required, tt.partial, false)
			if tt.want == "" {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Name)
			assert.Nil(t, got[0].Data)
		})
	}

	t.Run("group with no enabled tags", func(t *testing.T) {
		tags := domain.TagList{"Tag": {Name: "Tag", Required: true, Tags: map[string]domain.Tag{}}}
		got := TagViolations("Meals", tags, true, false, false)
		require.Len(t, got, 1)
		assert.Equal(t, domain.ViolationTagOutOfPolicy, got[0].Name)
	})

	t.Run("extra levels ignored", func(t *testing.T) {
		assert.Empty(t, TagViolations("Meals:Extra", singleLevelTags(), true, false, false))
	})
}

func TestTagViolationsNoGroups(t *testing.T) {
	assert.Empty(t, TagViolations("", nil, true, false, false))
	assert.Empty(t, TagViolations("Anything", domain.TagList{}, true, false, true))
}

func TestTagViolationsMultiLevel(t *testing.T) {
	tests := []struct {
		name    string
		tag     string
		indexes []int
	}{
		{name: "no tag", tag: "", indexes: []int{0, 1, 2}},
		{name: "first level only", tag: "Africa", indexes: []int{1, 2}},
		{name: "first and third", tag: "Africa::Project1", indexes: []int{1}},
		{name: "second only", tag: ":Accounting", indexes: []int{0, 2}},
		{name: "all levels", tag: "Africa:Accounting:Project1"},
		{name: "extra level ignored", tag: "Africa:Accounting:Project1:Extra"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TagViolations(tt.tag, multiLevelTags(), true, false, false)
			if tt.indexes == nil {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, domain.ViolationSomeTagLevelsRequired, got[0].Name)
			require.NotNil(t, got[0].Data)
			assert.Equal(t, tt.indexes, got[0].Data.ErrorIndexes)
		})
	}
}

func TestTagViolationsMultiLevelOutOfPolicy(t *testing.T) {
	t.Run("unknown value", func(t *testing.T) {
		got := TagViolations("Africa:Sales", multiLevelTags(), true, false, false)
		require.Len(t, got, 1)
		assert.Equal(t, domain.ViolationTagOutOfPolicy, got[0].Name)
		require.NotNil(t, got[0].Data)
		assert.Equal(t, "Department", got[0].Data.TagName)
	})

	t.Run("first invalid group wins", func(t *testing.T) {
		got := TagViolations("Asia:Sales:Project2", multiLevelTags(), true, false, false)
		require.Len(t, got, 1)
		assert.Equal(t, "Region", got[0].Data.TagName)
	})

	t.Run("suppresses missing levels", func(t *testing.T) {
		got := TagViolations(":Accounting:Project2", multiLevelTags(), true, false, true)
		require.Len(t, got, 1)
		assert.Equal(t, domain.ViolationTagOutOfPolicy, got[0].Name)
		assert.Equal(t, "Project", got[0].Data.TagName)
	})

	t.Run("optional group not checked", func(t *testing.T) {
		tags := multiLevelTags()
		dept := tags["Department"]
		dept.Required = false
		tags["Department"] = dept

		assert.Empty(t, TagViolations("Africa:Sales:Project1", tags, true, false, false))

		got := TagViolations("Africa", tags, true, false, false)
		require.Len(t, got, 1)
		assert.Equal(t, []int{2}, got[0].Data.ErrorIndexes)
	})
}

func TestTagViolationsEnforceDetail(t *testing.T) {
	t.Run("all missing", func(t *testing.T) {
		got := TagViolations("", multiLevelTags(), true, false, true)
		require.Len(t, got, 3)
		for i, name := range []string{"Region", "Department", "Project"} {
			assert.Equal(t, domain.ViolationMissingTag, got[i].Name)
			require.NotNil(t, got[i].Data)
			assert.Equal(t, name, got[i].Data.TagName)
			assert.Empty(t, got[i].Data.ErrorIndexes)
		}
	})

	t.Run("one missing", func(t *testing.T) {
		got := TagViolations("Africa::Project1", multiLevelTags(), true, false, true)
		require.Len(t, got, 1)
		assert.Equal(t, domain.ViolationMissingTag, got[0].Name)
		assert.Equal(t, "Department", got[0].Data.TagName)
	})
}

func TestTagViolationsMultiLevelExemptions(t *testing.T) {
	assert.Empty(t, TagViolations("", multiLevelTags(), false, false, false))
	assert.Empty(t, TagViolations("", multiLevelTags(), true, true, false))
	assert.Empty(t, TagViolations("Asia:Sales", multiLevelTags(), true, true, true))
}
