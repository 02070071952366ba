package config

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestConfig_LoadString(t *testing.T) {
	c := NewC(newTestLogger())

	require.Error(t, c.LoadString(""))

	require.NoError(t, c.LoadString("virtio:\n  ring_size: 512\n  event_index: off\ntap:\n  dev: tap0"))
	assert.Equal(t, 512, c.GetInt("virtio.ring_size", 256))
	assert.False(t, c.GetBool("virtio.event_index", true))
	assert.Equal(t, "tap0", c.GetString("tap.dev", ""))
}

func TestConfig_Get(t *testing.T) {
	c := NewC(newTestLogger())
	c.Settings["virtio"] = map[string]any{"tso": "on"}

	assert.Equal(t, "on", c.Get("virtio.tso"))
	assert.Nil(t, c.Get("virtio.nope"))
	assert.True(t, c.IsSet("virtio.tso"))
	assert.False(t, c.IsSet("virtio.nope"))
}

func TestConfig_GetBool(t *testing.T) {
	c := NewC(newTestLogger())

	tests := map[string]bool{
		"true": true, "on": true, "y": true, "yes": true, "1": true,
		"false": false, "off": false, "n": false, "no": false, "0": false,
	}
	for raw, expected := range tests {
		c.Settings["bool"] = raw
		assert.Equal(t, expected, c.GetBool("bool", !expected), "value %q", raw)
	}

	// invalid values fall back to the default
	c.Settings["bool"] = "banana"
	assert.True(t, c.GetBool("bool", true))
	assert.False(t, c.GetBool("bool", false))
}

func TestConfig_GetInt(t *testing.T) {
	c := NewC(newTestLogger())

	c.Settings["int"] = 7
	assert.Equal(t, 7, c.GetInt("int", 1))

	c.Settings["int"] = "nope"
	assert.Equal(t, 1, c.GetInt("int", 1))

	assert.Equal(t, 42, c.GetInt("missing", 42))
}
