package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// FeatureFlags collects a feature vector from the command line.
type FeatureFlags struct {
	Pairs []string // name=value, repeatable
	JSON  string   // JSON object
	File  string   // path to a JSON object
}

func (f *FeatureFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVarP(&f.Pairs, "feature", "f", nil, "feature as name=value (repeatable)")
	cmd.Flags().StringVar(&f.JSON, "features-json", "", `features as a JSON object, e.g. '{"Amount":149.62}'`)
	cmd.Flags().StringVar(&f.File, "features-file", "", "path to a JSON object of features")
}

func (f *FeatureFlags) set() bool {
	return len(f.Pairs) > 0 || f.JSON != "" || f.File != ""
}

// Parse merges every source. A name given twice is an error.
func (f *FeatureFlags) Parse() (map[string]float64, error) {
	out := make(map[string]float64)
	add := func(name string, v float64) error {
		if _, dup := out[name]; dup {
			return fmt.Errorf("feature %q given more than once", name)
		}
		out[name] = v
		return nil
	}

	objects := []string{}
	if f.File != "" {
		data, err := os.ReadFile(f.File)
		if err != nil {
			return nil, fmt.Errorf("read features file: %w", err)
		}
		objects = append(objects, string(data))
	}
	if f.JSON != "" {
		objects = append(objects, f.JSON)
	}
	for _, obj := range objects {
		var m map[string]float64
		if err := json.Unmarshal([]byte(obj), &m); err != nil {
			return nil, fmt.Errorf("features must be a JSON object of numbers: %w", err)
		}
		for name, v := range m {
			if err := add(name, v); err != nil {
				return nil, err
			}
		}
	}

	for _, pair := range f.Pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("feature %q: want name=value", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("feature %q: value is not a number", name)
		}
		if err := add(strings.TrimSpace(name), v); err != nil {
			return nil, err
		}
	}
	return out, nil
}
