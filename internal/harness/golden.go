package harness

import (
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/firesync/internal/payload"
)

// TraceJSON renders a scenario trace as canonical JSON.
//
// Remote payloads are embedded as parsed values rather than strings, so the
// golden files stay readable.
func TraceJSON(scenarioName string, trace []TraceEvent) ([]byte, error) {
	steps := make(payload.Array, len(trace))
	for i, ev := range trace {
		ops := make(payload.Array, len(ev.Remote))
		for j, op := range ev.Remote {
			obj := payload.Object{
				"op":  payload.String(op.Op),
				"ref": payload.String(op.Ref),
				"key": payload.String(op.Key),
			}
			if op.Payload != nil {
				v, err := payload.Unmarshal(op.Payload)
				if err != nil {
					return nil, fmt.Errorf("step %d remote op %d: %w", ev.Step, j, err)
				}
				obj["payload"] = v
			}
			ops[j] = obj
		}

		step := payload.Object{
			"step":    payload.Int(ev.Step),
			"action":  payload.String(ev.Action),
			"commits": payload.Int(ev.Commits),
			"remote":  ops,
		}
		if len(ev.Errors) > 0 {
			errs := make(payload.Array, len(ev.Errors))
			for j, kind := range ev.Errors {
				errs[j] = payload.String(kind)
			}
			step["errors"] = errs
		}
		steps[i] = step
	}

	return payload.Marshal(payload.Object{
		"scenario_name": payload.String(scenarioName),
		"trace":         steps,
	})
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := TraceJSON(scenarioName, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)
	return nil
}
