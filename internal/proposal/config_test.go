package proposal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markymo/compass-sub003/internal/model"
)

func TestDefaultPolicy_TierOrdering(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	require.NoError(t, p.Validate())

	manual := p.Tier(model.SourceUserInput, true)
	ch := p.Tier(model.SourceCompaniesHouse, false)
	gleif := p.Tier(model.SourceGLEIF, false)
	user := p.Tier(model.SourceUserInput, false)
	system := p.Tier(model.SourceSystem, false)

	assert.Greater(t, manual, ch)
	assert.Equal(t, ch, gleif)
	assert.Greater(t, gleif, user)
	assert.Greater(t, user, system)
	assert.Greater(t, system, 0)
}

func TestPolicy_TierVerifiedFlagIgnoredForRegistries(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	assert.Equal(t, p.Tier(model.SourceGLEIF, false), p.Tier(model.SourceGLEIF, true))
}

func TestPolicy_TierUnknownSource(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0, DefaultPolicy().Tier(model.Source("FAX"), false))
}

func TestPolicy_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		policy  Policy
		wantErr string
	}{
		{"no tiers", Policy{}, "no tiers"},
		{"bad source", Policy{Tiers: []TierRule{{Source: "FAX", Tier: 1}}}, "unknown source"},
		{"zero tier", Policy{Tiers: []TierRule{{Source: model.SourceGLEIF}}}, "positive tier"},
		{
			"threshold out of range",
			Policy{Tiers: []TierRule{{Source: model.SourceGLEIF, Tier: 1}}, Review: ReviewConfig{ConfidenceThreshold: 1.5}},
			"out of range",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	yaml := `
policy:
  version: "2025-06"
  tiers:
    - { source: USER_INPUT, verified: true, tier: 10 }
    - { source: GLEIF, tier: 8 }
    - { source: COMPANIES_HOUSE, tier: 7 }
    - { source: USER_INPUT, tier: 5 }
    - { source: SYSTEM, tier: 1 }
  review:
    confidence_threshold: 0.8
`
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	p, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, "2025-06", p.Version)
	assert.Equal(t, 10, p.Tier(model.SourceUserInput, true))
	assert.Equal(t, 5, p.Tier(model.SourceUserInput, false))
	assert.Equal(t, 8, p.Tier(model.SourceGLEIF, false))
	assert.Equal(t, 0.8, p.Review.ConfidenceThreshold)
	// Decay falls back to defaults.
	assert.Equal(t, 365, p.Review.TimeDecay.HalfLifeDays)
}

func TestLoadPolicy_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policy:\n  tiers:\n    - { source: PIGEON, tier: 1 }\n"), 0644))

	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
