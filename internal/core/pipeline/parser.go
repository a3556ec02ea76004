package pipeline

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Parser Functions
// =============================================================================

// Parse parses a declarative pipeline definition from YAML.
// This is a pure function - no I/O, no side effects.
func Parse(yamlContent string) (*Pipeline, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	var p Pipeline
	if err := yaml.Unmarshal([]byte(yamlContent), &p); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

// Default returns the built-in pipeline: install dependencies, run tests,
// build the image, push it, smoke-test the deployment, and always log out of
// the registry at the end.
func Default(image string) *Pipeline {
	return &Pipeline{
		Name: "default",
		Stages: []Stage{
			{Name: "install", Kind: StageKindRun, Command: "go mod download"},
			{Name: "test", Kind: StageKindRun, Command: "go test ./..."},
			{Name: "build", Kind: StageKindBuild, Image: image, Context: "."},
			{Name: "push", Kind: StageKindPush, Image: image},
			{Name: "smoke", Kind: StageKindSmoke, Image: image},
			{Name: "logout", Kind: StageKindLogout, Always: true},
		},
	}
}
