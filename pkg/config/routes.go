package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/polisai/polis-esb/pkg/domain"
	"gopkg.in/yaml.v3"
)

// RoutesFile is the on-disk form of the route table.
type RoutesFile struct {
	Routes []RouteConfig `yaml:"routes" json:"routes"`
}

// RouteConfig declares one route.
type RouteConfig struct {
	ID        string        `yaml:"id" json:"id"`
	Path      string        `yaml:"path" json:"path"`
	TimeoutMS int           `yaml:"timeout_ms" json:"timeout_ms"`
	Reply     string        `yaml:"reply" json:"reply"`
	RateLimit int           `yaml:"rate_limit" json:"rate_limit"`
	Burst     int           `yaml:"burst" json:"burst"`
	Stages    []StageConfig `yaml:"stages" json:"stages"`
}

// StageConfig declares one pipeline stage. Config keys depend on the kind.
type StageConfig struct {
	Name      string         `yaml:"name" json:"name"`
	Kind      string         `yaml:"kind" json:"kind"`
	TimeoutMS int            `yaml:"timeout_ms" json:"timeout_ms"`
	Config    map[string]any `yaml:"config" json:"config"`
}

var envVarPattern = regexp.MustCompile(`\$\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// ParseRoutes decodes a YAML or JSON routes document. ${env:NAME} references
// are replaced with the value of the environment variable NAME before parsing.
func ParseRoutes(data []byte) ([]domain.RouteSpec, error) {
	data = substituteEnvVars(data)

	var file RoutesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		if jsonErr := json.Unmarshal(data, &file); jsonErr != nil {
			return nil, fmt.Errorf("failed to parse routes: %w", err)
		}
	}
	return file.ToDomain(), nil
}

// LoadRoutes reads and parses the routes file at path.
func LoadRoutes(path string) ([]domain.RouteSpec, error) {
	// #nosec G304 -- routes path is configured by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}
	specs, err := ParseRoutes(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// ToDomain converts the file representation into route specs. Structural
// validation is left to the engine builder.
func (f RoutesFile) ToDomain() []domain.RouteSpec {
	specs := make([]domain.RouteSpec, 0, len(f.Routes))
	for _, r := range f.Routes {
		spec := domain.RouteSpec{
			ID:        r.ID,
			Path:      r.Path,
			TimeoutMS: r.TimeoutMS,
			Reply:     domain.ReplyMode(r.Reply),
			RateLimit: r.RateLimit,
			Burst:     r.Burst,
			Stages:    make([]domain.StageDescriptor, 0, len(r.Stages)),
		}
		for _, s := range r.Stages {
			spec.Stages = append(spec.Stages, domain.StageDescriptor{
				Name:      s.Name,
				Kind:      domain.StageKind(s.Kind),
				Config:    s.Config,
				TimeoutMS: s.TimeoutMS,
			})
		}
		specs = append(specs, spec)
	}
	return specs
}

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}
