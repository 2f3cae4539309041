package slave

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"yqhp/buildfleet/pkg/types"
)

// Executor 执行 Master 下发的命令。
type Executor interface {
	// Execute 运行 payload，把标准输出和标准错误写入 output，返回退出码。
	// err 仅表示命令无法运行或超时，非零退出码不是错误。
	Execute(ctx context.Context, payload types.CommandPayload, output io.Writer) (int, error)
}

// ErrTimeout 表示命令超过了 payload 中的超时时间。
var ErrTimeout = errors.New("command timed out")

// ShellExecutor 通过系统 shell 执行脚本。
type ShellExecutor struct {
	shell     string
	shellArgs []string
}

// NewShellExecutor 创建 shell 执行器。shell 为空时按操作系统选择默认 shell。
func NewShellExecutor(shell string) *ShellExecutor {
	e := &ShellExecutor{shell: shell}
	switch {
	case shell == "" && runtime.GOOS == "windows":
		e.shell = "cmd"
		e.shellArgs = []string{"/C"}
	case shell == "":
		e.shell = "/bin/sh"
		e.shellArgs = []string{"-c"}
	case strings.Contains(shell, "powershell"):
		e.shellArgs = []string{"-Command"}
	case strings.HasSuffix(shell, "cmd") || strings.HasSuffix(shell, "cmd.exe"):
		e.shellArgs = []string{"/C"}
	default:
		e.shellArgs = []string{"-c"}
	}
	return e
}

// Execute 实现 Executor。
func (e *ShellExecutor) Execute(ctx context.Context, payload types.CommandPayload, output io.Writer) (int, error) {
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	args := append(append([]string(nil), e.shellArgs...), payload.Script)
	cmd := exec.CommandContext(ctx, e.shell, args...)

	// 继承当前环境，payload 中的变量覆盖同名变量
	cmd.Env = os.Environ()
	for k, v := range payload.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if payload.WorkDir != "" {
		cmd.Dir = payload.WorkDir
	}
	cmd.Stdout = output
	cmd.Stderr = output

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1, ErrTimeout
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
