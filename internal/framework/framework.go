// internal/framework/framework.go
package framework

import (
	"strings"
	"time"
)

// Framework names the host test runner flavour.
type Framework string

const (
	Mocha    Framework = "mocha"
	Jasmine  Framework = "jasmine"
	Cucumber Framework = "cucumber"
)

// Parse maps a configured framework name onto a Framework, defaulting to Mocha.
func Parse(name string) Framework {
	switch f := Framework(strings.ToLower(strings.TrimSpace(name))); f {
	case Jasmine, Cucumber:
		return f
	default:
		return Mocha
	}
}

// JasmineTopLevelSuite is the synthetic root suite Jasmine reports.
const JasmineTopLevelSuite = "Jasmine__TopLevel__Suite"

// Suite is the payload of a beforeSuite hook.
type Suite struct {
	Title     string `yaml:"title" json:"title"`
	FullTitle string `yaml:"full_title,omitempty" json:"fullTitle,omitempty"`
	File      string `yaml:"file,omitempty" json:"file,omitempty"`
}

// Test is the payload of beforeTest and afterTest. FullName and Description
// are only set by Jasmine.
type Test struct {
	Title       string `yaml:"title" json:"title"`
	Parent      string `yaml:"parent,omitempty" json:"parent,omitempty"`
	FullTitle   string `yaml:"full_title,omitempty" json:"fullTitle,omitempty"`
	File        string `yaml:"file,omitempty" json:"file,omitempty"`
	FullName    string `yaml:"full_name,omitempty" json:"fullName,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// DisplayName is the full Jasmine name when present, else the title.
func (t Test) DisplayName() string {
	if t.FullName != "" {
		return t.FullName
	}
	return t.Title
}

// SuiteFromFullName derives the Jasmine suite title: the full name minus the
// trailing description and its separating space.
func (t Test) SuiteFromFullName() string {
	if t.FullName == "" {
		return ""
	}
	idx := strings.Index(t.FullName, t.Description)
	if t.Description == "" || idx < 1 {
		return t.FullName
	}
	return t.FullName[:idx-1]
}

// TestResult is the outcome reported to afterTest.
type TestResult struct {
	Passed   bool          `yaml:"passed" json:"passed"`
	Error    string        `yaml:"error,omitempty" json:"error,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
	Retries  int           `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// Tag is a gherkin tag such as "@smoke".
type Tag struct {
	Name string `yaml:"name" json:"name"`
}

// Feature is the gherkin feature passed to beforeFeature.
type Feature struct {
	Name string `yaml:"name" json:"name"`
	Tags []Tag  `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Step is one pickle step.
type Step struct {
	ID      string `yaml:"id,omitempty" json:"id,omitempty"`
	Keyword string `yaml:"keyword" json:"keyword"`
	Text    string `yaml:"text" json:"text"`
}

// Pickle is a compiled scenario.
type Pickle struct {
	ID         string   `yaml:"id,omitempty" json:"id,omitempty"`
	Name       string   `yaml:"name" json:"name"`
	URI        string   `yaml:"uri" json:"uri"`
	AstNodeIDs []string `yaml:"ast_node_ids" json:"astNodeIds"`
	Tags       []Tag    `yaml:"tags,omitempty" json:"tags,omitempty"`
	Steps      []Step   `yaml:"steps,omitempty" json:"steps,omitempty"`
}

// TagNames returns the names of the pickle's tags.
func (p Pickle) TagNames() []string {
	names := make([]string, 0, len(p.Tags))
	for _, t := range p.Tags {
		names = append(names, t.Name)
	}
	return names
}

// ScenarioResult is the outcome of a scenario.
type ScenarioResult struct {
	Status  string `yaml:"status" json:"status"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

// World is the payload of the scenario hooks.
type World struct {
	Pickle  Pickle          `yaml:"pickle" json:"pickle"`
	Feature *Feature        `yaml:"feature,omitempty" json:"feature,omitempty"`
	Result  *ScenarioResult `yaml:"result,omitempty" json:"result,omitempty"`
}

// FeatureName returns the owning feature's name, "" when unknown.
func (w World) FeatureName() string {
	if w.Feature == nil {
		return ""
	}
	return w.Feature.Name
}

// StepResult is the outcome of a step.
type StepResult struct {
	Passed   bool          `yaml:"passed" json:"passed"`
	Error    string        `yaml:"error,omitempty" json:"error,omitempty"`
	Duration time.Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
}
