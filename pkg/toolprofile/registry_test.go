package toolprofile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetUnknownReturnsLowDefault(t *testing.T) {
	r := NewRegistry()
	p := r.Get("does_not_exist")
	assert.Equal(t, Low, p.Criticality)
	assert.Equal(t, "limited", p.BlastRadius)
	assert.False(t, p.Irreversible)
}

func TestRegisterIsIdempotentOverwrite(t *testing.T) {
	r := NewRegistry()
	r.Register(Profile{Name: "wire", Criticality: Medium})
	r.Register(Profile{Name: "wire", Criticality: High, Irreversible: true})

	p := r.Get("wire")
	assert.Equal(t, High, p.Criticality)
	assert.True(t, p.Irreversible)
}

func TestRiskTierAtLeast(t *testing.T) {
	tier := "2.0.0"
	p := Profile{Name: "t", RiskTier: &tier}
	assert.True(t, RiskTierAtLeast(p, "1.5.0"))
	assert.False(t, RiskTierAtLeast(p, "2.1.0"))
	assert.False(t, RiskTierAtLeast(Profile{Name: "t2"}, "1.0.0"))
}
