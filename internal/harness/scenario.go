package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendDevice names the shared peer in record assertions.
const BackendDevice = "backend"

const (
	defaultTenant = "tenant-1"
	defaultPIN    = "0000"
)

// Scenario is one replayable multi-device sync story.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Devices are the device ids taking part, in creation order.
	Devices []string `yaml:"devices"`

	// Tenant is used by create steps that do not name one.
	Tenant string `yaml:"tenant,omitempty"`

	// PIN unlocks every device's encryption gate.
	PIN string `yaml:"pin,omitempty"`

	// PageSize bounds the peer's pull pages. Zero keeps the default.
	PageSize int `yaml:"page_size,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action. Exactly one of the action fields is set.
type Step struct {
	Device string `yaml:"device,omitempty"`

	Create *WriteStep `yaml:"create,omitempty"`
	Update *WriteStep `yaml:"update,omitempty"`
	Delete *WriteStep `yaml:"delete,omitempty"`
	Sync   *SyncStep  `yaml:"sync,omitempty"`

	// Advance moves every device clock forward.
	Advance time.Duration `yaml:"advance,omitempty"`

	// Backend switches the peer "online" or "offline".
	Backend string `yaml:"backend,omitempty"`

	// ExpectError inverts the step's success condition.
	ExpectError bool `yaml:"expect_error,omitempty"`
}

// WriteStep addresses one record through the repository.
type WriteStep struct {
	Table  string         `yaml:"table"`
	ID     string         `yaml:"id"`
	Tenant string         `yaml:"tenant,omitempty"`
	Fields map[string]any `yaml:"fields,omitempty"`
}

// SyncStep runs one engine cycle on the step's device.
type SyncStep struct {
	Force bool `yaml:"force,omitempty"`
}

// Assertion checks the state after all steps ran.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Device string `yaml:"device,omitempty"`
	Table  string `yaml:"table,omitempty"`
	ID     string `yaml:"id,omitempty"`

	// Expect is a subset match on the decrypted fields (record).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Deleted checks the tombstone flag (record).
	Deleted *bool `yaml:"deleted,omitempty"`

	// Count is the expected size (queue_size, reviews).
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRecord     = "record"
	AssertConverged  = "converged"
	AssertQueueSize  = "queue_size"
	AssertReviews    = "reviews"
	AssertAuditValid = "audit_valid"
)

// kind names the action a step performs.
func (s Step) kind() string {
	var kinds []string
	if s.Create != nil {
		kinds = append(kinds, "create")
	}
	if s.Update != nil {
		kinds = append(kinds, "update")
	}
	if s.Delete != nil {
		kinds = append(kinds, "delete")
	}
	if s.Sync != nil {
		kinds = append(kinds, "sync")
	}
	if s.Advance != 0 {
		kinds = append(kinds, "advance")
	}
	if s.Backend != "" {
		kinds = append(kinds, "backend")
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	if scenario.Tenant == "" {
		scenario.Tenant = defaultTenant
	}
	if scenario.PIN == "" {
		scenario.PIN = defaultPIN
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	seen := make(map[string]bool, len(s.Devices))
	for i, d := range s.Devices {
		switch {
		case d == "":
			return fmt.Errorf("devices[%d]: empty device id", i)
		case d == BackendDevice:
			return fmt.Errorf("devices[%d]: %q is reserved", i, d)
		case seen[d]:
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d)
		}
		seen[d] = true
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(s, i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(s, i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s *Scenario, i int, step Step) error {
	kind := step.kind()
	if kind == "" {
		return fmt.Errorf("steps[%d]: exactly one of create, update, delete, sync, advance or backend is required", i)
	}
	switch kind {
	case "advance":
		if step.Advance < 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", i)
		}
		return nil
	case "backend":
		if step.Backend != "online" && step.Backend != "offline" {
			return fmt.Errorf("steps[%d]: backend must be online or offline, got %q", i, step.Backend)
		}
		return nil
	}

	if !slices.Contains(s.Devices, step.Device) {
		return fmt.Errorf("steps[%d]: unknown device %q", i, step.Device)
	}
	var w *WriteStep
	switch kind {
	case "create":
		w = step.Create
		if len(w.Fields) == 0 {
			return fmt.Errorf("steps[%d]: create needs fields", i)
		}
	case "update":
		w = step.Update
		if len(w.Fields) == 0 {
			return fmt.Errorf("steps[%d]: update needs fields", i)
		}
	case "delete":
		w = step.Delete
	default:
		return nil
	}
	if w.Table == "" || w.ID == "" {
		return fmt.Errorf("steps[%d]: %s needs table and id", i, kind)
	}
	return nil
}

func validateAssertion(s *Scenario, i int, a Assertion) error {
	needDevice := func(allowBackend bool) error {
		if allowBackend && a.Device == BackendDevice {
			return nil
		}
		if !slices.Contains(s.Devices, a.Device) {
			return fmt.Errorf("assertions[%d]: unknown device %q", i, a.Device)
		}
		return nil
	}
	needRecord := func() error {
		if a.Table == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: table and id are required for %s", i, a.Type)
		}
		return nil
	}
	needCount := func() error {
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: a non-negative count is required for %s", i, a.Type)
		}
		return nil
	}

	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", i)
	case AssertRecord:
		if err := needDevice(true); err != nil {
			return err
		}
		if err := needRecord(); err != nil {
			return err
		}
		if len(a.Expect) == 0 && a.Deleted == nil {
			return fmt.Errorf("assertions[%d]: expect or deleted is required for record", i)
		}
	case AssertConverged:
		return needRecord()
	case AssertQueueSize, AssertReviews:
		if err := needDevice(false); err != nil {
			return err
		}
		return needCount()
	case AssertAuditValid:
		return needDevice(false)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}
