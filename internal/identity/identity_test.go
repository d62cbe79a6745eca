package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWhitelist(t *testing.T) {
	assert.True(t, Whitelisted(Apex))
	assert.True(t, Whitelisted("vega"))
	assert.False(t, Whitelisted("intruder"))
	assert.False(t, Whitelisted(""))
	assert.False(t, Whitelisted("Vega"), "names are case sensitive")
}

func TestDispatchableExcludesApex(t *testing.T) {
	names := Dispatchable()
	assert.Len(t, names, 6)
	for _, name := range names {
		assert.NotEqual(t, Apex, name)
		assert.True(t, Whitelisted(name))
	}
}

func TestRoleForJob(t *testing.T) {
	assert.Equal(t, RoleManager, RoleForJob("manager"))
	assert.Equal(t, RoleHealth, RoleForJob("health_monitor"))
	assert.Equal(t, RoleCounsel, RoleForJob("compliance_counsel"))
	assert.Equal(t, RoleScout, RoleForJob("vessel_scout"))
	assert.Equal(t, RoleTrader, RoleForJob("general"))
	assert.Equal(t, RoleTrader, RoleForJob("something_new"), "unknown job types fall back to trader")
}

func TestHealthJob(t *testing.T) {
	assert.True(t, HealthJob("health"))
	assert.True(t, HealthJob("health_monitor"))
	assert.False(t, HealthJob("trader"))
	assert.False(t, HealthJob(""))
}
