package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"yqhp/buildfleet/api/rest"
	"yqhp/buildfleet/api/rest/client"
	"yqhp/buildfleet/pkg/types"
)

var (
	// submit 命令的 flags
	submitRequire string
	submitEnv     []string
	submitWorkDir string
	submitTimeout time.Duration
	submitFollow  bool

	// commands list 命令的 flags
	listState  string
	listFilter string
	listJSON   bool
)

// submitCmd 是 submit 子命令
var submitCmd = &cobra.Command{
	Use:   "submit <script>",
	Short: "提交构建命令",
	Long: `提交一条构建命令。Master 选择能力集合最小的空闲 Slave 执行；
没有可用 Slave 时按队列策略排队或拒绝。`,
	Example: `  buildfleet submit --require linux,amd64 "make test"
  buildfleet submit --require windows --env CI=1 --timeout 30m --follow "build.bat"`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

// commandsCmd 是 commands 子命令
var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "查询已提交的命令",
}

var commandsListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出命令",
	Example: `  buildfleet commands list --state pending
  buildfleet commands list --filter '$.commands[?(@.state == "failed")].id'`,
	Args: cobra.NoArgs,
	RunE: runCommandsList,
}

var commandsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "查看命令详情和输出",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommandsGet,
}

var commandsWatchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "跟踪命令的状态和输出，直到结束",
	Args:  cobra.ExactArgs(1),
	RunE:  runCommandsWatch,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(commandsCmd)
	commandsCmd.AddCommand(commandsListCmd)
	commandsCmd.AddCommand(commandsGetCmd)
	commandsCmd.AddCommand(commandsWatchCmd)

	submitCmd.Flags().StringVarP(&submitRequire, "require", "r", "", "所需能力（逗号分隔）")
	submitCmd.Flags().StringArrayVarP(&submitEnv, "env", "e", nil, "环境变量 KEY=VALUE，可重复")
	submitCmd.Flags().StringVar(&submitWorkDir, "workdir", "", "Slave 上的工作目录")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "执行超时（0 表示不限制）")
	submitCmd.Flags().BoolVarP(&submitFollow, "follow", "f", false, "提交后跟踪执行输出")

	commandsListCmd.Flags().StringVar(&listState, "state", "", "按状态过滤")
	commandsListCmd.Flags().StringVar(&listFilter, "filter", "", "对原始 JSON 应用 JSONPath 表达式")
	commandsListCmd.Flags().BoolVar(&listJSON, "json", false, "输出 JSON")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	env, err := parseEnvPairs(submitEnv)
	if err != nil {
		return err
	}
	req := &rest.SubmitCommandRequest{
		Required: parseCapabilities(submitRequire),
		Script:   args[0],
		Env:      env,
		WorkDir:  submitWorkDir,
	}
	if submitTimeout > 0 {
		req.Timeout = submitTimeout.String()
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := c.Submit(cmd.Context(), req)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.CommandID != "" {
			return fmt.Errorf("命令 %s 被拒绝: %s", apiErr.CommandID, apiErr.Message)
		}
		return err
	}

	out := cmd.OutOrStdout()
	if quiet {
		fmt.Fprintln(out, resp.ID)
	} else {
		fmt.Fprintf(out, "命令已提交: %s (%s)\n", resp.ID, resp.State)
	}
	if !submitFollow {
		return nil
	}
	return follow(cmd.Context(), c, resp.ID, out)
}

func runCommandsList(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	state := types.CommandState(listState)
	out := cmd.OutOrStdout()

	if listFilter != "" || listJSON {
		raw, err := c.CommandsRaw(cmd.Context(), state)
		if err != nil {
			return err
		}
		if listFilter == "" {
			_, err = out.Write(append(raw, '\n'))
			return err
		}
		return printFiltered(out, raw, listFilter)
	}

	commands, err := c.Commands(cmd.Context(), state)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tREQUIRED\tSLAVE\tATTEMPTS\tSUBMITTED")
	for _, info := range commands {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			info.ID, info.State, strings.Join(info.Required, ","),
			info.SlaveID, info.Attempts, info.SubmittedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// printFiltered 对 raw 应用 JSONPath 表达式，每个结果输出一行。
func printFiltered(out io.Writer, raw []byte, expr string) error {
	path, err := jp.ParseString(expr)
	if err != nil {
		return fmt.Errorf("无效的 JSONPath 表达式 '%s': %w", expr, err)
	}
	doc, err := oj.Parse(raw)
	if err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	for _, v := range path.Get(doc) {
		if s, ok := v.(string); ok {
			fmt.Fprintln(out, s)
			continue
		}
		fmt.Fprintln(out, oj.JSON(v, &oj.Options{Sort: true}))
	}
	return nil
}

func runCommandsGet(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	info, err := c.Command(cmd.Context(), types.CommandID(args[0]))
	if errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("命令不存在: %s", args[0])
	}
	if err != nil {
		return err
	}
	printCommand(cmd.OutOrStdout(), info)
	return nil
}

func printCommand(out io.Writer, info *types.CommandInfo) {
	fmt.Fprintf(out, "ID:        %s\n", info.ID)
	fmt.Fprintf(out, "状态:      %s\n", info.State)
	fmt.Fprintf(out, "所需能力:  %s\n", strings.Join(info.Required, ","))
	fmt.Fprintf(out, "脚本:      %s\n", info.Payload.Script)
	if info.SlaveID != "" {
		fmt.Fprintf(out, "Slave:     %s\n", info.SlaveID)
	}
	fmt.Fprintf(out, "分发次数:  %d\n", info.Attempts)
	fmt.Fprintf(out, "提交时间:  %s\n", info.SubmittedAt.Local().Format(time.DateTime))
	if info.FinishedAt != nil {
		fmt.Fprintf(out, "结束时间:  %s\n", info.FinishedAt.Local().Format(time.DateTime))
	}
	if info.ExitCode != nil {
		fmt.Fprintf(out, "退出码:    %d\n", *info.ExitCode)
	}
	if info.Error != "" {
		fmt.Fprintf(out, "错误:      %s\n", info.Error)
	}
	if info.Output != "" {
		fmt.Fprintln(out, "输出:")
		fmt.Fprint(out, info.Output)
		if !strings.HasSuffix(info.Output, "\n") {
			fmt.Fprintln(out)
		}
	}
}

func runCommandsWatch(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	return follow(cmd.Context(), c, types.CommandID(args[0]), cmd.OutOrStdout())
}

// follow 把命令的输出写到 out，直到命令结束。失败的命令返回错误。
func follow(ctx context.Context, c *client.Client, id types.CommandID, out io.Writer) error {
	var final *types.CommandInfo
	err := c.Stream(ctx, id, func(msg *rest.StreamMessage) error {
		switch msg.Type {
		case rest.StreamSnapshot:
			if msg.Command != nil {
				fmt.Fprint(out, msg.Command.Output)
			}
		case rest.StreamStatus:
			if msg.Status != nil && msg.Status.Kind == types.StatusOutput {
				fmt.Fprint(out, msg.Status.Output)
			}
		case rest.StreamComplete:
			final = msg.Command
		}
		return nil
	})
	if err != nil {
		return err
	}
	if final == nil {
		return nil
	}
	if !quiet {
		fmt.Fprintf(out, "\n命令 %s 结束: %s\n", final.ID, final.State)
	}
	if final.State != types.CommandStateSucceeded {
		if final.ExitCode != nil {
			return fmt.Errorf("命令 %s %s，退出码 %d", final.ID, final.State, *final.ExitCode)
		}
		return fmt.Errorf("命令 %s %s", final.ID, final.State)
	}
	return nil
}

// parseEnvPairs 解析 KEY=VALUE 形式的环境变量
func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("无效的环境变量 %q，应为 KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

func sortedStates(counts map[types.CommandState]int) []types.CommandState {
	return slices.Sorted(maps.Keys(counts))
}

// printJSON 以缩进格式输出 v
func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
