package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alarmfox/woonsocket/internal/cli"
	"github.com/alarmfox/woonsocket/internal/pbench"
)

func configFor(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	cmd := newCommand()
	require.NoError(t, cmd.ParseFlags(args))
	v := viper.New()
	require.NoError(t, cli.Bind(v, cmd.Flags()))
	return configFrom(v)
}

func TestConfig(t *testing.T) {
	c, err := configFor(t, "--port", "7000", "--kind", "io-vec", "--runtime-secs", "5")
	require.NoError(t, err)
	assert.Equal(t, uint16(7000), c.Port)
	assert.Equal(t, pbench.KindIOVec, c.Kind)
	assert.Equal(t, 5*time.Second, c.Runtime)
	assert.Empty(t, c.MetricsListen)

	c, err = configFor(t, "--kind", "iouring-0", "--ring-sz", "256")
	require.NoError(t, err)
	assert.Equal(t, uint32(256), c.RingSize)
}

func TestConfigErrors(t *testing.T) {
	_, err := configFor(t, "--kind", "iouring-0")
	assert.ErrorContains(t, err, "ring-sz")

	_, err = configFor(t, "--kind", "epoll")
	assert.Error(t, err)
}
