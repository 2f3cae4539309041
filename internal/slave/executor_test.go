package slave

import (
	"bytes"
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/buildfleet/pkg/types"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts below are POSIX")
	}
}

func TestNewShellExecutor_Args(t *testing.T) {
	tests := []struct {
		shell string
		want  []string
	}{
		{"/bin/bash", []string{"-c"}},
		{"powershell", []string{"-Command"}},
		{"cmd.exe", []string{"/C"}},
	}
	for _, tt := range tests {
		t.Run(tt.shell, func(t *testing.T) {
			e := NewShellExecutor(tt.shell)
			assert.Equal(t, tt.shell, e.shell)
			assert.Equal(t, tt.want, e.shellArgs)
		})
	}
}

func TestShellExecutor_Output(t *testing.T) {
	skipOnWindows(t)
	var out bytes.Buffer
	code, err := NewShellExecutor("").Execute(context.Background(), types.CommandPayload{
		Script: "echo hello; echo oops >&2",
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "hello\n")
	assert.Contains(t, out.String(), "oops\n")
}

func TestShellExecutor_EnvAndWorkDir(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	var out bytes.Buffer
	code, err := NewShellExecutor("").Execute(context.Background(), types.CommandPayload{
		Script:  `printf '%s %s' "$BUILD_TARGET" "$(pwd -P)"`,
		Env:     map[string]string{"BUILD_TARGET": "release"},
		WorkDir: dir,
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "release ")
}

func TestShellExecutor_ExitCode(t *testing.T) {
	skipOnWindows(t)
	var out bytes.Buffer
	code, err := NewShellExecutor("").Execute(context.Background(), types.CommandPayload{Script: "exit 3"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestShellExecutor_Timeout(t *testing.T) {
	skipOnWindows(t)
	var out bytes.Buffer
	start := time.Now()
	code, err := NewShellExecutor("").Execute(context.Background(), types.CommandPayload{
		Script:  "sleep 5",
		Timeout: 100 * time.Millisecond,
	}, &out)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, -1, code)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestShellExecutor_MissingWorkDir(t *testing.T) {
	skipOnWindows(t)
	var out bytes.Buffer
	code, err := NewShellExecutor("").Execute(context.Background(), types.CommandPayload{
		Script:  "true",
		WorkDir: "/nonexistent/buildfleet",
	}, &out)
	assert.Error(t, err)
	assert.Equal(t, -1, code)
}
