package stages

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/polisai/polis-esb/pkg/domain"
)

func configError(desc domain.StageDescriptor, format string, args ...any) error {
	return &domain.ConfigurationError{Stage: desc.Name, Reason: fmt.Sprintf(format, args...)}
}

// stringValue returns a trimmed string config value.
func stringValue(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	switch v := cfg[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return strings.TrimSpace(v.String())
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// requireString fails with a ConfigurationError when key is missing or blank.
func requireString(desc domain.StageDescriptor, key string) (string, error) {
	v := stringValue(desc.Config, key)
	if v == "" {
		return "", configError(desc, "%s stage requires %q", desc.Kind, key)
	}
	return v, nil
}

// intValue reads an integer that may have been decoded from YAML or JSON.
func intValue(cfg map[string]any, key string, def int) (int, error) {
	if cfg == nil {
		return def, nil
	}
	switch v := cfg[key].(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s must be an integer", key)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("%s must be an integer", key)
	}
}
