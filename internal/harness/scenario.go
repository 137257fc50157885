package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/firesync/internal/remote"
)

// Scenario defines one end-to-end sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// KeyAttribute and SnapshotAttribute override the engine defaults.
	KeyAttribute      string `yaml:"key_attribute,omitempty"`
	SnapshotAttribute string `yaml:"snapshot_attribute,omitempty"`

	// Keys are handed out in order by the key generator.
	// When empty, keys are generated as "key-1", "key-2", ...
	Keys []string `yaml:"keys,omitempty"`

	Links []LinkStep `yaml:"links"`

	// Setup runs before the engine starts.
	Setup []Step `yaml:"setup,omitempty"`

	Flow []Step `yaml:"flow"`

	Assertions []Assertion `yaml:"assertions"`
}

// LinkStep associates an entity with a remote reference.
type LinkStep struct {
	Entity string `yaml:"entity"`
	Ref    string `yaml:"ref"`
	Index  string `yaml:"index,omitempty"`
}

// Step is one scenario action. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	Entity string `yaml:"entity,omitempty"`
	Key    string `yaml:"key,omitempty"` // local form for local_*; remote form for remote_*
	Ref    string `yaml:"ref,omitempty"`
	Index  string `yaml:"index,omitempty"`

	// Attrs is the record (local_insert) or patch (local_update). A null
	// value in a patch deletes the attribute.
	Attrs map[string]any `yaml:"attrs,omitempty"`

	// Payload is the remote node value for remote_write.
	Payload any `yaml:"payload,omitempty"`
}

// Step operations.
const (
	OpLocalInsert  = "local_insert"
	OpLocalUpdate  = "local_update"
	OpLocalDelete  = "local_delete"
	OpRemoteWrite  = "remote_write"
	OpRemoteRemove = "remote_remove"
	OpAssignKeys   = "assign_keys"
	OpBackfill     = "backfill"
	OpLink         = "link"
	OpUnlink       = "unlink"
)

// Assertion validates the final local and remote state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Entity string `yaml:"entity,omitempty"`
	Key    string `yaml:"key,omitempty"`
	Ref    string `yaml:"ref,omitempty"`

	// Expect is a subset of attributes (local_record) or the exact payload
	// (remote_node).
	Expect any `yaml:"expect,omitempty"`

	// Snapshot, when set, is the expected snapshot attribute.
	Snapshot *string `yaml:"snapshot,omitempty"`

	// Kind filters error_count by error kind ("decode", "remote write", ...).
	Kind string `yaml:"kind,omitempty"`

	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertLocalRecord   = "local_record"
	AssertLocalMissing  = "local_missing"
	AssertLocalCount    = "local_count"
	AssertRemoteNode    = "remote_node"
	AssertRemoteMissing = "remote_missing"
	AssertCommitCount   = "commit_count"
	AssertErrorCount    = "error_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Links) == 0 {
		return fmt.Errorf("links list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, l := range s.Links {
		if l.Entity == "" {
			return fmt.Errorf("links[%d]: entity is required", i)
		}
		if _, err := remote.ParseRef(l.Ref); err != nil {
			return fmt.Errorf("links[%d]: %w", i, err)
		}
	}
	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(s Step) error {
	switch s.Op {
	case OpLocalInsert:
		if s.Entity == "" || s.Attrs == nil {
			return fmt.Errorf("%s requires entity and attrs", s.Op)
		}
	case OpLocalUpdate:
		if s.Entity == "" || s.Key == "" || s.Attrs == nil {
			return fmt.Errorf("%s requires entity, key and attrs", s.Op)
		}
	case OpLocalDelete:
		if s.Entity == "" || s.Key == "" {
			return fmt.Errorf("%s requires entity and key", s.Op)
		}
	case OpRemoteWrite:
		if s.Ref == "" || s.Key == "" || s.Payload == nil {
			return fmt.Errorf("%s requires ref, key and payload", s.Op)
		}
	case OpRemoteRemove:
		if s.Ref == "" || s.Key == "" {
			return fmt.Errorf("%s requires ref and key", s.Op)
		}
	case OpAssignKeys:
	case OpBackfill, OpUnlink:
		if s.Entity == "" {
			return fmt.Errorf("%s requires entity", s.Op)
		}
	case OpLink:
		if s.Entity == "" || s.Ref == "" {
			return fmt.Errorf("%s requires entity and ref", s.Op)
		}
	case "":
		return fmt.Errorf("op is required")
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertLocalRecord:
		if a.Entity == "" || a.Key == "" {
			return fmt.Errorf("%s requires entity and key", a.Type)
		}
		if a.Expect == nil && a.Snapshot == nil {
			return fmt.Errorf("%s requires expect or snapshot", a.Type)
		}
	case AssertLocalMissing:
		if a.Entity == "" || a.Key == "" {
			return fmt.Errorf("%s requires entity and key", a.Type)
		}
	case AssertLocalCount:
		if a.Entity == "" {
			return fmt.Errorf("%s requires entity", a.Type)
		}
	case AssertRemoteNode:
		if a.Ref == "" || a.Key == "" || a.Expect == nil {
			return fmt.Errorf("%s requires ref, key and expect", a.Type)
		}
	case AssertRemoteMissing:
		if a.Ref == "" || a.Key == "" {
			return fmt.Errorf("%s requires ref and key", a.Type)
		}
	case AssertCommitCount, AssertErrorCount:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("count must be non-negative")
	}
	return nil
}
