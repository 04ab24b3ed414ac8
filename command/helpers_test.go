// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/posener/complete"
	"github.com/stretchr/testify/require"

	"github.com/fulcrumnet/fulcrum-registry/ci"
)

func TestFormatKV(t *testing.T) {
	ci.Parallel(t)

	out := formatKV([]string{"Backends|3", "Queued Requests|12"})
	require.Equal(t, "Backends        = 3\nQueued Requests = 12", out)
}

func TestMergeAutocompleteFlags(t *testing.T) {
	ci.Parallel(t)

	merged := mergeAutocompleteFlags(
		complete.Flags{"-redis": complete.PredictAnything},
		complete.Flags{"-json": complete.PredictNothing},
	)
	require.Len(t, merged, 2)
	require.Contains(t, merged, "-redis")
	require.Contains(t, merged, "-json")
}

func TestFlagStringSlice(t *testing.T) {
	ci.Parallel(t)

	var targets flagStringSlice
	require.NoError(t, targets.Set("backend:game-1"))
	require.NoError(t, targets.Set("proxy:edge-1"))
	require.Equal(t, "backend:game-1,proxy:edge-1", targets.String())
}

func TestAgentFile_Load(t *testing.T) {
	ci.Parallel(t)

	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
redis:
  addr: 10.0.0.5:6379
senderId: registry-eu
logLevel: debug
heartbeatTimeout: 45s
maxRoutingRetries: 5
`), 0o644))

	conf := defaultAgentFile()
	require.NoError(t, conf.load(path))
	require.Equal(t, "10.0.0.5:6379", conf.Redis.Addr)
	require.Equal(t, "registry-eu", conf.SenderID)
	require.Equal(t, "debug", conf.LogLevel)

	config := conf.registryConfig()
	require.Equal(t, "registry-eu", config.SenderID)
	require.Equal(t, 45*time.Second, config.HeartbeatTimeout)
	require.Equal(t, 5, config.MaxRoutingRetries)
	// Untouched fields keep their defaults.
	require.Equal(t, 256, config.QueueDepthLimit)
}

func TestAgentFile_BadDuration(t *testing.T) {
	ci.Parallel(t)

	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("heartbeatTimeout: soon\n"), 0o644))

	conf := defaultAgentFile()
	require.Error(t, conf.load(path))
}

func TestMeta_RedisAddrPrecedence(t *testing.T) {
	m := &Meta{}
	t.Setenv(EnvRedisAddr, "10.0.0.9:6379")
	require.Equal(t, "10.0.0.9:6379", m.RedisAddr())

	m.redisAddr = "10.0.0.1:6379"
	require.Equal(t, "10.0.0.1:6379", m.RedisAddr())
}
