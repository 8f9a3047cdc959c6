package cli

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "dehc", cmd.Use)
	assert.Contains(t, cmd.Short, "Evacuation")
	assert.Contains(t, cmd.Long, "DEHC_")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"init"}, {"changes"}, {"replicate"}, {"timecheck"}, {"serve"}, {"lookup"},
		{"export", "csv"}, {"export", "tree"}, {"import", "csv"},
		{"schema", "validate"}, {"schema", "push"},
		{"photo", "get"}, {"photo", "set"},
		{"journal", "status"}, {"journal", "list"}, {"journal", "prune"},
	}

	for _, path := range commands {
		t.Run(strings.Join(path, "_"), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"namespace", "auth", "schema", "backend", "journal-dsn", "web-addr", "s3-bucket"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		path []string
		flag string
		def  string
	}{
		{[]string{"changes"}, "ever", "false"},
		{[]string{"replicate"}, "reset-local", "false"},
		{[]string{"replicate"}, "pace", "1s"},
		{[]string{"timecheck"}, "interval", "10s"},
		{[]string{"export", "csv"}, "dir", "csv"},
		{[]string{"export", "tree"}, "dir", "export"},
		{[]string{"export", "tree"}, "templates", "templates"},
		{[]string{"import", "csv"}, "delete", "false"},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.path, "_")+"_"+tt.flag, func(t *testing.T) {
			sub, _, err := NewRootCommand().Find(tt.path)
			require.NoError(t, err)
			f := sub.Flags().Lookup(tt.flag)
			require.NotNil(t, f)
			assert.Equal(t, tt.def, f.DefValue)
		})
	}
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--format", "xml", "lookup", "x"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidConfigIsCommandError(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	var logs bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(&logs)
	cmd.SetArgs([]string{"--backend", "carrier-pigeon", "lookup", "x"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "https://central.example/dehc-items", redact("https://admin:pw@central.example/dehc-items"))
	assert.Equal(t, "http://site:5984/db", redact("http://site:5984/db"))
	assert.Equal(t, "http://site/a@b", redact("http://site/a@b"))
	assert.Equal(t, "no-scheme", redact("no-scheme"))
}
