package violations

import (
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TagLevelSeparator separates the levels of a multi-level tag. A literal
// colon inside a tag name is escaped as "\:".
const TagLevelSeparator = ':'

// SplitTagLevels decomposes a transaction tag into its per-level values.
// Escaped separators are unescaped, values are trimmed, and empty levels are
// kept as "" so positions stay aligned with the policy's tag groups.
func SplitTagLevels(tag string) []string {
	if tag == "" {
		return nil
	}

	var (
		levels  []string
		current strings.Builder
	)
	for i := 0; i < len(tag); i++ {
		c := tag[i]
		if c == '\\' && i+1 < len(tag) && tag[i+1] == TagLevelSeparator {
			current.WriteByte(TagLevelSeparator)
			i++
			continue
		}
		if c == TagLevelSeparator {
			levels = append(levels, strings.TrimSpace(current.String()))
			current.Reset()
			continue
		}
		current.WriteByte(c)
	}
	levels = append(levels, strings.TrimSpace(current.String()))
	return levels
}

// levelAt returns the tag value at position i, or "" when absent.
func levelAt(levels []string, i int) string {
	if i < 0 || i >= len(levels) {
		return ""
	}
	return levels[i]
}

// OrderedGroups returns the tag groups sorted by OrderWeight, ties broken by
// name. The position in the result is the level index used in tag strings
// and in errorIndexes payloads.
func OrderedGroups(tags domain.TagList) []domain.TagGroup {
	groups := make([]domain.TagGroup, 0, len(tags))
	for key, g := range tags {
		if g.Name == "" {
			g.Name = key
		}
		groups = append(groups, g)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].OrderWeight != groups[j].OrderWeight {
			return groups[i].OrderWeight < groups[j].OrderWeight
		}
		return groups[i].Name < groups[j].Name
	})
	return groups
}

// TagViolations returns the tag violations for a transaction.
//
// A policy with a single tag group is checked like categories. A multi-level
// policy reports the first supplied value that is not enabled in its group as
// tagOutOfPolicy; otherwise missing required levels are reported either as one
// someTagLevelsRequired carrying their indexes or, when enforceDetail is set,
// as one missingTag per missing level.
func TagViolations(tag string, tags domain.TagList, requiresTag, partial, enforceDetail bool) []domain.Violation {
	if !requiresTag || partial {
		return nil
	}

	groups := OrderedGroups(tags)
	switch len(groups) {
	case 0:
		return nil
	case 1:
		if v := singleLevelViolation(tag, groups[0]); v != nil {
			return []domain.Violation{*v}
		}
		return nil
	default:
		return multiLevelViolations(tag, groups, enforceDetail)
	}
}

func singleLevelViolation(tag string, group domain.TagGroup) *domain.Violation {
	value := levelAt(SplitTagLevels(tag), 0)
	if value == "" {
		return &domain.Violation{Name: domain.ViolationMissingTag, Type: domain.TypeViolation}
	}
	if !group.IsEnabled(value) {
		return &domain.Violation{Name: domain.ViolationTagOutOfPolicy, Type: domain.TypeViolation}
	}
	return nil
}

func multiLevelViolations(tag string, groups []domain.TagGroup, enforceDetail bool) []domain.Violation {
	levels := SplitTagLevels(tag)

	var missing []int
	for i, group := range groups {
		if !group.Required {
			continue
		}
		value := levelAt(levels, i)
		if value == "" {
			missing = append(missing, i)
			continue
		}
		if !group.IsEnabled(value) {
			return []domain.Violation{{
				Name: domain.ViolationTagOutOfPolicy,
				Type: domain.TypeViolation,
				Data: &domain.ViolationData{TagName: group.Name},
			}}
		}
	}

	if len(missing) == 0 {
		return nil
	}

	if !enforceDetail {
		return []domain.Violation{{
			Name: domain.ViolationSomeTagLevelsRequired,
			Type: domain.TypeViolation,
			Data: &domain.ViolationData{ErrorIndexes: missing},
		}}
	}

	out := make([]domain.Violation, 0, len(missing))
	for _, i := range missing {
		out = append(out, domain.Violation{
			Name: domain.ViolationMissingTag,
			Type: domain.TypeViolation,
			Data: &domain.ViolationData{TagName: groups[i].Name},
		})
	}
	return out
}
