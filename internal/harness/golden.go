package harness

import (
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/fieldsync/internal/record"
)

// RunWithGolden executes a scenario, fails t when it does not pass, and
// compares its snapshot with testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if !result.Pass {
		return result, fmt.Errorf("scenario %s failed: %v", scenario.Name, result.Errors)
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result's snapshot with a golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	if result.Snapshot == nil {
		return fmt.Errorf("scenario %s has no snapshot", name)
	}
	data, err := record.MarshalCanonical(result.Snapshot)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
