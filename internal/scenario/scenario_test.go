package scenario

import (
	"context"
	"testing"
)

func TestRunAllScenariosPass(t *testing.T) {
	results := RunAll(context.Background())
	if len(results) != len(Names()) {
		t.Fatalf("expected %d results, got %d", len(Names()), len(results))
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("scenario %s failed: %s (detail: %s)", r.Name, r.Error, r.Detail)
		}
	}
}

func TestRunUnknownScenarioFails(t *testing.T) {
	r := Run(context.Background(), "does_not_exist")
	if r.Passed {
		t.Fatalf("expected unknown scenario to fail")
	}
	if r.Error == "" {
		t.Fatalf("expected an error message for unknown scenario")
	}
}

func TestEachScenarioIndividually(t *testing.T) {
	for _, name := range Names() {
		name := name
		t.Run(name, func(t *testing.T) {
			r := Run(context.Background(), name)
			if !r.Passed {
				t.Fatalf("scenario %s failed: %s (detail: %s)", name, r.Error, r.Detail)
			}
		})
	}
}
