package throttle

import (
	"testing"
	"time"
)

func TestDefaultTiers(t *testing.T) {
	tiers := DefaultTiers()
	if len(tiers) != 3 {
		t.Fatalf("DefaultTiers() returned %d tiers, want 3", len(tiers))
	}
	if err := ValidateTiers(tiers); err != nil {
		t.Errorf("ValidateTiers(DefaultTiers()) error = %v", err)
	}
	if tiers[0].Name != "short" || tiers[0].Window != 10*time.Second || tiers[0].Limit != 20 {
		t.Errorf("short tier = %+v", tiers[0])
	}
	if tiers[2].Name != "long" || tiers[2].Window != time.Hour || tiers[2].Limit != 2000 {
		t.Errorf("long tier = %+v", tiers[2])
	}
}

func TestValidateTiers(t *testing.T) {
	tests := []struct {
		name    string
		tiers   []Tier
		wantErr bool
	}{
		{"valid single tier", []Tier{{Name: "short", Window: time.Second, Limit: 1}}, false},
		{"empty set", nil, true},
		{"missing name", []Tier{{Window: time.Second, Limit: 1}}, true},
		{"duplicate names", []Tier{
			{Name: "a", Window: time.Second, Limit: 1},
			{Name: "a", Window: time.Minute, Limit: 2},
		}, true},
		{"zero window", []Tier{{Name: "a", Limit: 1}}, true},
		{"negative limit", []Tier{{Name: "a", Window: time.Second, Limit: -1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTiers(tt.tiers)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTiers() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
