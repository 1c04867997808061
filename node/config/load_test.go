package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeNothing(t *testing.T) {
	cfg, err := FromReader(bytes.NewReader(nil), DefaultGossipNode())
	require.NoError(t, err)
	require.Equal(t, DefaultGossipNode(), cfg)

	cfg, err = FromFile(filepath.Join(t.TempDir(), "missing.toml"), DefaultSettler())
	require.NoError(t, err)
	require.Equal(t, DefaultSettler(), cfg)
}

func TestCommentedDefaultsDecodeToDefaults(t *testing.T) {
	b, err := ConfigComment(DefaultSettler())
	require.NoError(t, err)
	require.Contains(t, string(b), "[Settler]")
	require.Contains(t, string(b), "#  PriceAmountForSettlement = 1000")

	cfg, err := FromReader(bytes.NewReader(b), DefaultSettler())
	require.NoError(t, err)
	require.Equal(t, DefaultSettler(), cfg)
}

func TestPartialConfig(t *testing.T) {
	const in = `
[API]
  Timeout = "10s"

[Gossip]
  PowComplexity = 64
  ClaimInterval = "2s"
  Topics = ["taxi", "food"]

[Liquidity]
  Enabled = true
  NearbyNodes = ["02ab@127.0.0.1:9735"]
`
	expected := DefaultGossipNode()
	expected.API.Timeout = Duration(10 * time.Second)
	expected.Gossip.PowComplexity = 64
	expected.Gossip.ClaimInterval = Duration(2 * time.Second)
	expected.Gossip.Topics = []string{"taxi", "food"}
	expected.Liquidity.Enabled = true
	expected.Liquidity.NearbyNodes = []string{"02ab@127.0.0.1:9735"}

	cfg, err := FromReader(strings.NewReader(in), DefaultGossipNode())
	require.NoError(t, err)
	require.Equal(t, expected, cfg)
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	require.NoError(t, WriteFile(path, DefaultGossipNode()))

	cfg, err := FromFile(path, DefaultGossipNode())
	require.NoError(t, err)
	require.Equal(t, DefaultGossipNode(), cfg)

	_, err = FromReader(strings.NewReader("[Gossip]\n  ClaimInterval = \"soon\"\n"), DefaultGossipNode())
	require.Error(t, err)
}
