package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetenvDur(t *testing.T) {
	t.Setenv("CONVEYOR_TEST_DUR", "")

	if v, err := GetenvDur("CONVEYOR_TEST_DUR", 3*time.Second); assert.Nil(t, err) {
		assert.Equal(t, 3*time.Second, v)
	}

	t.Setenv("CONVEYOR_TEST_DUR", "250ms")
	if v, err := GetenvDur("CONVEYOR_TEST_DUR", 3*time.Second); assert.Nil(t, err) {
		assert.Equal(t, 250*time.Millisecond, v)
	}

	t.Setenv("CONVEYOR_TEST_DUR", "tomorrow")
	_, err := GetenvDur("CONVEYOR_TEST_DUR", 3*time.Second)
	assert.Error(t, err)
}
