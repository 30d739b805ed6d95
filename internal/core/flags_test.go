package core

import "testing"

import "github.com/stretchr/testify/assert"

func TestRunFlagsSetClearHas(t *testing.T) {
	var f RunFlags
	assert.False(t, f.Has(FlagRun))

	f = f.Set(FlagRun)
	assert.True(t, f.Has(FlagRun))
	assert.False(t, f.Has(FlagIsConnected))

	f = f.Set(FlagIsConnected)
	assert.True(t, f.Has(FlagRun))
	assert.True(t, f.Has(FlagIsConnected))

	f = f.Clear(FlagRun)
	assert.False(t, f.Has(FlagRun))
	assert.True(t, f.Has(FlagIsConnected))
}

func TestConfigFlagsSetClearHas(t *testing.T) {
	var f ConfigFlags
	f = f.Set(FlagManualRead)
	assert.True(t, f.Has(FlagManualRead))
	assert.False(t, f.Has(FlagPassOn))

	f = f.Set(FlagPassOn)
	assert.True(t, f.Has(FlagPassOn))

	f = f.Clear(FlagManualRead)
	assert.False(t, f.Has(FlagManualRead))
	assert.True(t, f.Has(FlagPassOn))
}

func TestConnectedFlagLockFreeMirror(t *testing.T) {
	var cf connectedFlag
	assert.False(t, cf.get())
	cf.set(true)
	assert.True(t, cf.get())
	cf.set(false)
	assert.False(t, cf.get())
}
