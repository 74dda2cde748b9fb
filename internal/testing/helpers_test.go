package testing

import (
	"testing"
)

func TestUnit(t *testing.T) {
	tests := []struct {
		name                string
		unitTestsOnly       string
		runIntegrationTests string
		expectedUnit        bool
	}{
		{"explicit unit tests only", "true", "", true},
		{"explicit integration tests enabled", "", "true", false},
		{"explicit integration tests disabled", "", "false", true},
		{"unit only wins over integration", "true", "true", true},
		{"default", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(envUnitOnly, tt.unitTestsOnly)
			t.Setenv(envRunIntegration, tt.runIntegrationTests)

			if got := Unit(); got != tt.expectedUnit {
				t.Errorf("Unit() = %v, want %v", got, tt.expectedUnit)
			}
			if got := Integration(); got == tt.expectedUnit {
				t.Errorf("Integration() = %v, want %v", got, !tt.expectedUnit)
			}
		})
	}
}

func TestSkipIfUnit(t *testing.T) {
	t.Setenv(envUnitOnly, "true")

	skipped := true
	t.Run("inner", func(t *testing.T) {
		SkipIfUnit(t)
		skipped = false
	})
	if !skipped {
		t.Error("expected SkipIfUnit to skip in unit mode")
	}
}

func TestNATSURL(t *testing.T) {
	t.Setenv(envNATSURL, "")
	if got := NATSURL(); got != defaultTestNATSURL {
		t.Errorf("NATSURL() = %s, want %s", got, defaultTestNATSURL)
	}

	t.Setenv(envNATSURL, "nats://nats.internal:4222")
	if got := NATSURL(); got != "nats://nats.internal:4222" {
		t.Errorf("NATSURL() = %s, want override", got)
	}
}
