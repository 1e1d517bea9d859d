package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SuiteResult aggregates one run over a set of scenario files.
type SuiteResult struct {
	Total     int               `json:"total"`
	Passed    int               `json:"passed"`
	Failed    int               `json:"failed"`
	Scenarios []ScenarioOutcome `json:"scenarios"`
}

// ScenarioOutcome is one scenario's result within a suite.
type ScenarioOutcome struct {
	Scenario string   `json:"scenario"`
	Path     string   `json:"path"`
	Pass     bool     `json:"pass"`
	Errors   []string `json:"errors,omitempty"`
}

// FindScenarios lists the scenario files under dir, sorted by path.
// Scenario files are .yaml or .yml; other files are ignored.
func FindScenarios(dir string) ([]string, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan scenario dir: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// RunScenarios executes the given scenario files in order.
//
// A scenario that fails to load or execute counts as failed with the
// error as its single message; assertion failures carry the individual
// messages.
func RunScenarios(paths []string) *SuiteResult {
	suite := &SuiteResult{}
	for _, path := range paths {
		suite.Total++
		outcome := runOne(path)
		suite.Scenarios = append(suite.Scenarios, outcome)
		if outcome.Pass {
			suite.Passed++
		} else {
			suite.Failed++
		}
	}
	return suite
}

func runOne(path string) ScenarioOutcome {
	scenario, err := LoadScenario(path)
	if err != nil {
		return ScenarioOutcome{
			Scenario: filepath.Base(path),
			Path:     path,
			Errors:   []string{err.Error()},
		}
	}

	result, err := Run(scenario)
	if err != nil {
		return ScenarioOutcome{
			Scenario: scenario.Name,
			Path:     path,
			Errors:   []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}

	return ScenarioOutcome{
		Scenario: scenario.Name,
		Path:     path,
		Pass:     result.Pass,
		Errors:   result.Errors,
	}
}

// RunSuite loads and runs every scenario under dir. Errors only when
// the directory cannot be scanned or holds no scenario files; scenario
// failures land in the result.
func RunSuite(dir string) (*SuiteResult, error) {
	paths, err := FindScenarios(dir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no scenario files under %s", dir)
	}
	return RunScenarios(paths), nil
}
