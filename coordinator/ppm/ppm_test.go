package ppm_test

import (
	"testing"

	"github.com/RavinduMendis/R25-039/coordinator/ppm"
	"github.com/RavinduMendis/R25-039/shared/testutil/assert"
)

func TestVerifyAudit(t *testing.T) {
	a := ppm.NewAuditor(false)
	assert.Equal(t, true, a.VerifyAudit(ppm.ModeSSS))
	assert.Equal(t, true, a.VerifyAudit(ppm.ModeNormal))
	assert.Equal(t, false, a.VerifyAudit(ppm.ModeHE))
	assert.Equal(t, false, a.VerifyAudit(ppm.PrivacyMode("bogus")))

	a.SetHEActive(true)
	assert.Equal(t, true, a.VerifyAudit(ppm.ModeHE))
}

func TestRecommendHomomorphic(t *testing.T) {
	assert.Equal(t, false, ppm.NewAuditor(false).RecommendHomomorphic())
	assert.Equal(t, true, ppm.NewAuditor(true).RecommendHomomorphic())
}

func TestDPParams(t *testing.T) {
	a := ppm.NewAuditor(false)
	epsilon, delta := a.DPParams()
	assert.Equal(t, 0.0, epsilon)
	assert.Equal(t, 0.0, delta)

	a.SetDPParams(1.0, 1e-5)
	epsilon, delta = a.DPParams()
	assert.Equal(t, 1.0, epsilon)
	assert.Equal(t, 1e-5, delta)
}

func TestPrivacyModeValid(t *testing.T) {
	assert.Equal(t, true, ppm.ModeNormal.Valid())
	assert.Equal(t, true, ppm.ModeHE.Valid())
	assert.Equal(t, true, ppm.ModeSSS.Valid())
	assert.Equal(t, false, ppm.PrivacyMode("x").Valid())
}
