package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xconfbus"
)

// LoadYAML loads a YAML file into the provided struct.
func LoadYAML(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse YAML from %s: %w", path, err)
	}
	return nil
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Load reads path on top of Defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" || !FileExists(path) {
		return cfg, nil
	}
	if err := LoadYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Value converts the seed payload into a bus value, keeping mapping order.
func (s SeedTopic) Value() (xconfbus.Value, error) {
	if s.Payload.Kind == 0 {
		return xconfbus.Null(), nil
	}
	return nodeValue(&s.Payload)
}

func nodeValue(n *yaml.Node) (xconfbus.Value, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return xconfbus.Null(), nil
		}
		return nodeValue(n.Content[0])
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.SequenceNode:
		items := make([]xconfbus.Value, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeValue(c)
			if err != nil {
				return xconfbus.Value{}, err
			}
			items = append(items, v)
		}
		return xconfbus.List(items...), nil
	case yaml.MappingNode:
		fields := make([]xconfbus.Field, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := nodeValue(n.Content[i+1])
			if err != nil {
				return xconfbus.Value{}, err
			}
			fields = append(fields, xconfbus.Field{Key: n.Content[i].Value, Value: v})
		}
		return xconfbus.Map(fields...), nil
	case yaml.ScalarNode:
		return scalarValue(n)
	default:
		return xconfbus.Value{}, fmt.Errorf("line %d: unsupported YAML node kind %d", n.Line, n.Kind)
	}
}

func scalarValue(n *yaml.Node) (xconfbus.Value, error) {
	switch n.ShortTag() {
	case "!!null":
		return xconfbus.Null(), nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return xconfbus.Value{}, err
		}
		return xconfbus.Bool(b), nil
	case "!!int", "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return xconfbus.Value{}, err
		}
		return xconfbus.Number(f), nil
	default:
		return xconfbus.String(n.Value), nil
	}
}
