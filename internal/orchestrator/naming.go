// internal/orchestrator/naming.go
package orchestrator

import (
	"strings"

	"github.com/xkilldash9x/remotesuite/internal/capabilities"
	"github.com/xkilldash9x/remotesuite/internal/framework"
)

// NameFormatter builds a session name from the suite title and the current
// test title, which is empty at suite level. A non-empty result overrides
// the built-in composition.
type NameFormatter func(caps capabilities.Bag, suiteTitle, testTitle string) string

// parentSuiteName returns the words fullTitle and testSuiteTitle share as a
// prefix. Nested Jasmine suites collapse onto their common parent this way.
func parentSuiteName(fullTitle, testSuiteTitle string) string {
	full := strings.Split(fullTitle, " ")
	suite := strings.Split(testSuiteTitle, " ")
	n := min(len(full), len(suite))

	var common []string
	for i := 0; i < n && full[i] == suite[i]; i++ {
		common = append(common, full[i])
	}
	return strings.TrimSpace(strings.Join(common, " "))
}

// testSuiteTitle picks the suite title to name a test by. Jasmine reports a
// synthetic top-level suite, so the title comes from the test's full name.
func testSuiteTitle(current string, test framework.Test) string {
	if test.FullName == "" {
		return current
	}
	fromTest := test.SuiteFromFullName()
	switch current {
	case framework.JasmineTopLevelSuite:
		return fromTest
	case "":
		return current
	default:
		return parentSuiteName(current, fromTest)
	}
}

// sessionName composes the name pushed for a suite or test. ok is false when
// naming is off or there is nothing to name the session by.
func (s *Service) sessionName(caps capabilities.Bag, suiteTitle string, test *framework.Test) (string, bool) {
	cfg := s.cfg.Session
	if cfg.Name != "" {
		return cfg.Name, true
	}
	if !cfg.SetSessionName || suiteTitle == "" {
		return "", false
	}

	if s.formatName != nil {
		testTitle := ""
		if test != nil {
			testTitle = test.Title
		}
		if name := s.formatName(caps, suiteTitle, testTitle); name != "" {
			return name, true
		}
	}
	if test == nil || test.FullName != "" {
		return suiteTitle, true
	}

	var b strings.Builder
	if cfg.PrependTopLevelSuiteTitle {
		b.WriteString(suiteTitle)
		b.WriteString(" - ")
	}
	b.WriteString(test.Parent)
	if !cfg.OmitTestTitle {
		b.WriteString(" - ")
		b.WriteString(test.Title)
	}
	return b.String(), true
}
