package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		check   func(OperatorConfig) bool
		wantErr bool
	}{
		{
			name:  "Empty document keeps defaults",
			input: "",
			check: func(c OperatorConfig) bool {
				return c.MaxConcurrentReconciles == 10 && c.MigrationSettleDelay == 5*time.Second
			},
		},
		{
			name:  "Overrides durations and counts",
			input: "maxConcurrentReconciles: 4\nmigrationSettleDelay: 250ms\nreplicateRetries: 3\nresyncSchedule: \"@every 1m\"\n",
			check: func(c OperatorConfig) bool {
				return c.MaxConcurrentReconciles == 4 &&
					c.MigrationSettleDelay == 250*time.Millisecond &&
					c.ReplicateRetries == 3 &&
					c.ResyncSchedule == "@every 1m" &&
					c.ReadinessTimeout == 60*time.Second
			},
		},
		{
			name:    "Unknown key",
			input:   "maxConcurentReconciles: 4\n",
			wantErr: true,
		},
		{
			name:    "Bad duration",
			input:   "readinessTimeout: soon\n",
			wantErr: true,
		},
		{
			name:    "Bad cron schedule",
			input:   "resyncSchedule: \"every now and then\"\n",
			wantErr: true,
		},
		{
			name:    "Requeue max below min",
			input:   "requeueMinDelay: 30s\nrequeueMaxDelay: 10s\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(strings.NewReader(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !tt.check(got) {
				t.Errorf("Parse() = %+v", got)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if c != Default() {
		t.Errorf("Load(\"\") = %+v, want defaults", c)
	}

	path := filepath.Join(t.TempDir(), "operator.yaml")
	if err := os.WriteFile(path, []byte("commandTimeout: 3s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err = Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.CommandTimeout != 3*time.Second {
		t.Errorf("CommandTimeout = %v, want 3s", c.CommandTimeout)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("Load() of a missing file should fail")
	}
}
