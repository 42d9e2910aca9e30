package dashboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookflow/config"
	"bookflow/logger"
)

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":                               "0.0.0.0:8080",
		"  :9090  ":                      "0.0.0.0:9090",
		"localhost":                      "localhost:8080",
		"0.0.0.0:80":                     "0.0.0.0:80",
		"[::1]:443":                      "[::1]:443",
		"::1":                            "[::1]:8080",
		"*:8080":                         "0.0.0.0:8080",
		"http://10.0.0.5:8080":           "10.0.0.5:8080",
		"https://10.0.0.5":               "10.0.0.5:8080",
		"http://:7070":                   "0.0.0.0:7070",
		"tcp://localhost:5050":           "localhost:5050",
		"https://dashboard.example.com/": "dashboard.example.com:8080",
	}

	for input, want := range cases {
		assert.Equal(t, want, normalizeAddress(input), "normalizeAddress(%q)", input)
	}
}

func TestNewServerDisabled(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{}, logger.Logger(), &fakeBooks{})
	require.NoError(t, err)
	assert.Nil(t, srv)
	assert.Equal(t, "", srv.Address())
}

func TestNewServerDefaults(t *testing.T) {
	srv, err := NewServer(config.DashboardConfig{Enabled: true, Address: ":9000"}, logger.Logger(), &fakeBooks{})
	require.NoError(t, err)
	require.NotNil(t, srv)
	t.Cleanup(srv.cleanup)

	assert.Equal(t, "0.0.0.0:9000", srv.Address())
	assert.Equal(t, 5000, srv.refreshIntervalMs)
	assert.Equal(t, 20, srv.cfg.BookDepth)
}
