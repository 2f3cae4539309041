package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"yqhp/buildfleet/internal/secure"
	"yqhp/buildfleet/internal/slave"
	"yqhp/buildfleet/internal/transport"
	"yqhp/buildfleet/pkg/logger"
)

var (
	// slave start 命令的 flags
	slaveID             string
	slaveMasterEndpoint string
	slaveStatusEndpoint string
	slaveCapabilities   string
	slaveShell          string
)

// slaveCmd 是 slave 子命令
var slaveCmd = &cobra.Command{
	Use:   "slave",
	Short: "管理 Slave 节点",
	Long:  `Slave 节点负责实际执行构建命令。`,
}

// slaveStartCmd 是 slave start 子命令
var slaveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Slave 节点",
	Long: `启动 Slave 节点，连接到 Master 并宣告自身能力。

Slave 每次空闲时发送一条 IDLE，随后等待 Master 下发的 COMMAND；
执行期间通过状态信道上报输出、心跳和退出码。`,
	Example: `  # 使用默认配置启动
  buildfleet slave start --capabilities linux,amd64,go1.22

  # 指定 Master 端点
  buildfleet slave start --master tcp://build-master:5555 --status-endpoint tcp://build-master:5556

  # 指定路由标识和 shell
  buildfleet slave start --id builder-7 --shell bash`,
	RunE: runSlaveStart,
}

func init() {
	rootCmd.AddCommand(slaveCmd)
	slaveCmd.AddCommand(slaveStartCmd)

	slaveStartCmd.Flags().StringVar(&slaveID, "id", "", "路由标识（默认由身份名和密钥 ID 生成）")
	slaveStartCmd.Flags().StringVar(&slaveMasterEndpoint, "master", "", "Master 命令信道端点")
	slaveStartCmd.Flags().StringVar(&slaveStatusEndpoint, "status-endpoint", "", "Master 状态信道端点")
	slaveStartCmd.Flags().StringVar(&slaveCapabilities, "capabilities", "", "能力列表（逗号分隔）")
	slaveStartCmd.Flags().StringVar(&slaveShell, "shell", "", "执行脚本使用的 shell")
}

func slaveOverrides(cmd *cobra.Command) map[string]string {
	overrides := map[string]string{}
	if cmd.Flags().Changed("id") {
		overrides["slave.id"] = slaveID
	}
	if cmd.Flags().Changed("master") {
		overrides["slave.command_endpoint"] = slaveMasterEndpoint
	}
	if cmd.Flags().Changed("status-endpoint") {
		overrides["slave.status_endpoint"] = slaveStatusEndpoint
	}
	if cmd.Flags().Changed("capabilities") {
		overrides["slave.capabilities"] = strings.Join(parseCapabilities(slaveCapabilities), ",")
	}
	if cmd.Flags().Changed("shell") {
		overrides["slave.shell"] = slaveShell
	}
	return overrides
}

func runSlaveStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(slaveOverrides(cmd))
	if err != nil {
		return err
	}
	log := logger.Named("slave")
	defer logger.Sync()

	slaveCfg := cfg.SlaveOptions()
	if len(slaveCfg.Capabilities) == 0 {
		return fmt.Errorf("至少需要一个能力，请使用 --capabilities 指定")
	}

	identity, err := secure.LoadIdentity(cfg.Keys.Identity)
	if err != nil {
		return fmt.Errorf("加载 Slave 身份失败: %w", err)
	}
	masterKey, err := secure.LoadPublic(cfg.Keys.Master)
	if err != nil {
		return fmt.Errorf("加载 Master 公钥失败: %w", err)
	}
	channel := secure.NewChannel(identity, secure.NewKeyring(masterKey), cfg.ChannelOptions())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := slave.RoutingID(slaveCfg, identity)
	dial := func(ctx context.Context) (transport.Requester, error) {
		return transport.DialRequester(ctx, slaveCfg.CommandEndpoint, id)
	}
	// 套接字不绑定信号 ctx：停止后仍需上报正在执行的命令
	pusher, err := transport.DialPusher(context.Background(), slaveCfg.StatusEndpoint)
	if err != nil {
		return err
	}

	s, err := slave.NewWorkerSlave(slaveCfg, channel, masterKey, dial, pusher, nil, log)
	if err != nil {
		_ = pusher.Close()
		return err
	}

	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		fmt.Printf("  Slave 标识: %s\n", id)
		fmt.Printf("  Slave 身份: %s (%s)\n", identity.Name(), identity.ID())
		fmt.Printf("  Master: %s (%s)\n", masterKey.Name, masterKey.ID())
		fmt.Printf("  命令端点: %s\n", slaveCfg.CommandEndpoint)
		fmt.Printf("  状态端点: %s\n", slaveCfg.StatusEndpoint)
		fmt.Printf("  能力: %s\n", strings.Join(slaveCfg.Capabilities, ", "))
		fmt.Println()
		fmt.Println("Slave 节点启动成功。按 Ctrl+C 停止。")
	}

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("启动 Slave 失败: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-s.Done():
	}

	if !quiet {
		fmt.Println("\n正在关闭 Slave，等待当前命令结束...")
	}
	// 正在执行的命令不会被中断
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	if err := s.Stop(shutdownCtx); err != nil {
		log.Error("slave stopped with error", zap.Error(err))
		return fmt.Errorf("停止 Slave 失败: %w", err)
	}

	if !quiet {
		status := s.GetStatus()
		fmt.Printf("Slave 节点已停止。共执行 %d 条命令，失败 %d 条。\n", status.Executed, status.Failed)
	}
	return nil
}

// parseCapabilities 解析逗号分隔的能力列表
func parseCapabilities(s string) []string {
	if s == "" {
		return nil
	}
	var caps []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			caps = append(caps, c)
		}
	}
	return caps
}
