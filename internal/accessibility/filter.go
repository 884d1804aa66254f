// internal/accessibility/filter.go
package accessibility

import (
	"slices"
	"strings"

	"github.com/xkilldash9x/remotesuite/internal/framework"
)

// Scope narrows scanning to a subset of tests. For plain tests the tags are
// matched as substrings of "<suite> <title>"; for scenarios they are matched
// against the pickle's tag names.
type Scope struct {
	Include []string
	Exclude []string
}

// ShouldScanTest applies the scope to a suite and test title.
func (s Scope) ShouldScanTest(suiteTitle, testTitle string) bool {
	full := suiteTitle + " " + testTitle
	contains := func(field string) bool { return strings.Contains(full, field) }

	if slices.ContainsFunc(s.Exclude, contains) {
		return false
	}
	return len(s.Include) == 0 || slices.ContainsFunc(s.Include, contains)
}

// ShouldScanScenario applies the scope to a scenario's tags.
func (s Scope) ShouldScanScenario(w framework.World) bool {
	tags := w.Pickle.TagNames()
	for _, tag := range tags {
		if slices.Contains(s.Exclude, tag) {
			return false
		}
	}
	if len(s.Include) == 0 {
		return true
	}
	for _, tag := range tags {
		if slices.Contains(s.Include, tag) {
			return true
		}
	}
	return false
}
