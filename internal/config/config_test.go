package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckGroupID(t *testing.T) {
	id, err := CheckGroupID("LANZone-1")
	require.NoError(t, err)
	assert.Equal(t, "lanzone-1", id)

	_, err = CheckGroupID("lan zone/1")
	assert.Error(t, err)

	_, err = CheckGroupID("")
	assert.Error(t, err)
}
