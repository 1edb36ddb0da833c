package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/config"
	"github.com/ssd-technologies/prism/internal/pipeline"
)

// run executes the root command against a database in dir.
func run(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--db", dbPath, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestProtocolsCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "prism.db")

	out, err := run(t, dbPath, "protocols", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "router-v1")
	assert.Contains(t, out, "prism-v1")
	assert.Contains(t, out, "lens-v1")

	out, err = run(t, dbPath, "protocols", "show", "lens-v1")
	require.NoError(t, err)
	assert.Contains(t, out, `"name": "verdict"`)

	_, err = run(t, dbPath, "protocols", "show", "nope")
	assert.Error(t, err)
}

func TestInitAndGrantCommands(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "prism.db")

	out, err := run(t, dbPath, "init", "c1", "--title", "Claim", "--protocol", "lens-v1")
	require.NoError(t, err)
	var res pipeline.InitResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "lens-v1", res.Protocol)
	assert.True(t, res.Created)

	out, err = run(t, dbPath, "init", "c1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Created)

	out, err = run(t, dbPath, "grant", "a1", "25")
	require.NoError(t, err)
	assert.Equal(t, "a1 balance: 25\n", out)

	_, err = run(t, dbPath, "grant", "a1", "-5")
	assert.Error(t, err)
}

func TestServe_StopsOnCancel(t *testing.T) {
	a := &app{v: config.New(), logger: zap.NewNop()}
	a.v.Set("storage.path", filepath.Join(t.TempDir(), "prism.db"))
	a.v.Set("server.addr", "127.0.0.1:0")
	cfg, err := config.Load(a.v)
	require.NoError(t, err)
	a.cfg = cfg

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.serve(ctx))
}
