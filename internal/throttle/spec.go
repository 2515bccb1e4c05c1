package throttle

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Unbounded marks a bin without a connection limit.
const Unbounded = -1

// BinLimits are the limits configured for one bin.
type BinLimits struct {
	// MaxOpenConnections is the cluster-wide connection quota, or Unbounded.
	// Zero pauses the bin: no connection is granted until it is raised.
	MaxOpenConnections int `json:"max_open_connections" yaml:"max_open_connections"`
	// MinMillisecondsPerByte throttles byte consumption; zero disables it.
	MinMillisecondsPerByte float64 `json:"min_ms_per_byte" yaml:"min_ms_per_byte"`
	// MinMillisecondsPerFetch spaces fetch starts; zero disables it.
	MinMillisecondsPerFetch int64 `json:"min_ms_per_fetch" yaml:"min_ms_per_fetch"`
}

// NoLimit is what an unconfigured bin is governed by.
var NoLimit = BinLimits{MaxOpenConnections: Unbounded}

// UnmarshalJSON defaults an omitted connection limit to Unbounded.
func (l *BinLimits) UnmarshalJSON(data []byte) error {
	type plain BinLimits
	p := plain(NoLimit)
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*l = BinLimits(p)
	return nil
}

// UnmarshalYAML defaults an omitted connection limit to Unbounded.
func (l *BinLimits) UnmarshalYAML(value *yaml.Node) error {
	type plain BinLimits
	p := plain(NoLimit)
	if err := value.Decode(&p); err != nil {
		return err
	}
	*l = BinLimits(p)
	return nil
}

// Validate rejects negative limits other than Unbounded.
func (l BinLimits) Validate() error {
	if l.MaxOpenConnections < Unbounded {
		return fmt.Errorf("max_open_connections must be >= 0 or %d", Unbounded)
	}
	if l.MinMillisecondsPerByte < 0 || math.IsNaN(l.MinMillisecondsPerByte) || math.IsInf(l.MinMillisecondsPerByte, 0) {
		return fmt.Errorf("min_ms_per_byte must be a finite value >= 0")
	}
	if l.MinMillisecondsPerFetch < 0 {
		return fmt.Errorf("min_ms_per_fetch must be >= 0")
	}
	return nil
}

// Spec maps bin names to their limits. A Spec is treated as immutable once
// handed to the registry.
type Spec struct {
	Bins map[string]BinLimits `json:"bins" yaml:"bins"`
}

// Limits returns the limits for bin, or NoLimit when the bin is absent.
func (s Spec) Limits(bin string) BinLimits {
	if l, ok := s.Bins[bin]; ok {
		return l
	}
	return NoLimit
}

// Validate checks every bin.
func (s Spec) Validate() error {
	for name, l := range s.Bins {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("bin name must not be empty")
		}
		if err := l.Validate(); err != nil {
			return fmt.Errorf("bin %q: %w", name, err)
		}
	}
	return nil
}

// BinNames returns the configured bins in sorted order.
func (s Spec) BinNames() []string {
	names := make([]string, 0, len(s.Bins))
	for name := range s.Bins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stricter combines the limits of bins: the smallest connection quota and
// the slowest byte and fetch rates.
func (s Spec) Stricter(bins ...string) BinLimits {
	out := NoLimit
	for _, bin := range bins {
		l := s.Limits(bin)
		if l.MaxOpenConnections != Unbounded &&
			(out.MaxOpenConnections == Unbounded || l.MaxOpenConnections < out.MaxOpenConnections) {
			out.MaxOpenConnections = l.MaxOpenConnections
		}
		out.MinMillisecondsPerByte = math.Max(out.MinMillisecondsPerByte, l.MinMillisecondsPerByte)
		if l.MinMillisecondsPerFetch > out.MinMillisecondsPerFetch {
			out.MinMillisecondsPerFetch = l.MinMillisecondsPerFetch
		}
	}
	return out
}

func encodeSpec(s Spec) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode throttle spec: %w", err)
	}
	return raw, nil
}

func decodeSpec(raw []byte) (Spec, error) {
	var s Spec
	if err := json.Unmarshal(raw, &s); err != nil {
		return Spec{}, fmt.Errorf("decode throttle spec: %w", err)
	}
	return s, nil
}

// GroupDefinition is one throttle group as written in an operator file.
type GroupDefinition struct {
	Type  string               `yaml:"type"`
	Group string               `yaml:"group"`
	Bins  map[string]BinLimits `yaml:"bins"`
}

// Spec returns the definition's limits as a Spec.
func (d GroupDefinition) Spec() Spec {
	return Spec{Bins: d.Bins}
}

// LoadGroupsYAML parses an operator file of the form
//
//	groups:
//	  - type: web
//	    group: example
//	    bins:
//	      host:example.com:
//	        max_open_connections: 2
func LoadGroupsYAML(r io.Reader) ([]GroupDefinition, error) {
	var doc struct {
		Groups []GroupDefinition `yaml:"groups"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decode groups file: %w", err)
	}
	for i, def := range doc.Groups {
		if strings.TrimSpace(def.Type) == "" || strings.TrimSpace(def.Group) == "" {
			return nil, fmt.Errorf("groups[%d]: type and group are required", i)
		}
		if err := def.Spec().Validate(); err != nil {
			return nil, fmt.Errorf("groups[%d] %s/%s: %w", i, def.Type, def.Group, err)
		}
	}
	return doc.Groups, nil
}
