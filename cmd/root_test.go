package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/channelscan/internal/config"
)

type fakeRunner struct {
	ran bool
	err error
}

func (f *fakeRunner) Run(context.Context) error {
	f.ran = true
	return f.err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidatePrintsProviders(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\narchive:\n  provider: memory\n")

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	require.Contains(t, out, "port: 9090")
	require.Contains(t, out, "storage: none")
	require.Contains(t, out, "archive: memory")
}

func TestValidateRejectsBadConfig(t *testing.T) {
	path := writeConfig(t, "storage:\n  provider: postgres\n")

	_, err := execute(t, "validate", "--config", path)
	require.ErrorContains(t, err, "storage.dsn")
}

func TestServeRunsApp(t *testing.T) {
	orig := newApp
	t.Cleanup(func() { newApp = orig })

	runner := &fakeRunner{}
	var got config.Config
	newApp = func(_ context.Context, cfg config.Config) (Runner, error) {
		got = cfg
		return runner, nil
	}

	path := writeConfig(t, "server:\n  port: 9191\n")
	_, err := execute(t, "serve", "--config", path)
	require.NoError(t, err)
	require.True(t, runner.ran)
	require.Equal(t, 9191, got.Server.Port)
}

func TestServeReportsBuildFailure(t *testing.T) {
	orig := newApp
	t.Cleanup(func() { newApp = orig })

	newApp = func(context.Context, config.Config) (Runner, error) {
		return nil, errors.New("boom")
	}

	_, err := execute(t, "serve", "--config", writeConfig(t, "{}\n"))
	require.ErrorContains(t, err, "boom")
}
