package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Name:         "a",
		Host:         "127.0.0.1:8889",
		PeerList:     "127.0.0.1:8890?name=b",
		Priority:     100,
		FirstTimeout: time.Second,
		Version:      "1.0.0",
	}
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	c := validConfig()
	require.NoError(t, c.Validate())
}

func TestValidateRejectsMissingName(t *testing.T) {
	c := validConfig()
	c.Name = ""
	require.Error(t, c.Validate())
}

func TestValidateRejectsBadHost(t *testing.T) {
	c := validConfig()
	c.Host = "nope"
	require.Error(t, c.Validate())
}

func TestValidateRejectsBackoffOrdering(t *testing.T) {
	c := validConfig()
	c.Expert.ReconnectBackoffBase = 10 * time.Second
	c.Expert.ReconnectBackoffMax = time.Second
	require.Error(t, c.Validate())
}

func TestPrepareFillsDefaults(t *testing.T) {
	c := validConfig()
	c.Prepare()
	require.Equal(t, DefaultRecvTimeout, c.Expert.RecvTimeout)
	require.Equal(t, DefaultSynchronizingRecvTimeout, c.Expert.SynchronizingRecvTimeout)
	require.NotZero(t, c.Expert.SynchronizeChunkSize)
}

func TestIsPermaFollower(t *testing.T) {
	c := validConfig()
	c.Priority = 0
	require.True(t, c.IsPermaFollower())
	c.Priority = 1
	require.False(t, c.IsPermaFollower())
}

func TestConsistencyLevelString(t *testing.T) {
	require.Equal(t, "ASYNC", Async.String())
	require.Equal(t, "ONE", One.String())
	require.Equal(t, "QUORUM", Quorum.String())
}
