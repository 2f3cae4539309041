package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/buildfleet/api/rest"
	"yqhp/buildfleet/internal/config"
	"yqhp/buildfleet/internal/master"
	"yqhp/buildfleet/internal/metrics"
	"yqhp/buildfleet/internal/notify"
	"yqhp/buildfleet/internal/secure"
	"yqhp/buildfleet/internal/transport"
	"yqhp/buildfleet/pkg/logger"
)

var (
	// master start 命令的 flags
	masterCommandEndpoint string
	masterStatusEndpoint  string
	masterQueuePolicy     string
	masterAPIAddress      string
	masterNoAPI           bool
)

// masterCmd 是 master 子命令
var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "管理 Master 节点",
	Long:  `Master 节点负责 Slave 注册、命令调度和状态汇总。`,
}

// masterStartCmd 是 master start 子命令
var masterStartCmd = &cobra.Command{
	Use:   "start",
	Short: "启动 Master 节点",
	Long: `启动 Master 节点，开始接受 Slave 连接和命令提交。

Master 节点负责：
  - 维护 Slave 注册表和存活检测
  - 按最佳匹配原则分发命令
  - 汇总 Slave 上报的执行状态
  - 提供 REST API 和 Prometheus 指标`,
	Example: `  # 使用默认配置启动
  buildfleet master start

  # 指定 ZeroMQ 端点
  buildfleet master start --command-endpoint tcp://*:6000 --status-endpoint tcp://*:6001

  # 没有空闲 Slave 时直接拒绝
  buildfleet master start --queue-policy reject

  # 使用配置文件
  buildfleet master start --config config.yaml`,
	RunE: runMasterStart,
}

// masterStatusCmd 是 master status 子命令
var masterStatusCmd = &cobra.Command{
	Use:     "status",
	Short:   "查看 Master 节点状态",
	Long:    `查看 Master 节点的运行状态、Slave 数量和队列长度。`,
	Example: `  buildfleet master status --api http://localhost:8080`,
	RunE:    runMasterStatus,
}

func init() {
	rootCmd.AddCommand(masterCmd)
	masterCmd.AddCommand(masterStartCmd)
	masterCmd.AddCommand(masterStatusCmd)

	masterStartCmd.Flags().StringVar(&masterCommandEndpoint, "command-endpoint", "", "命令信道（ROUTER）监听端点")
	masterStartCmd.Flags().StringVar(&masterStatusEndpoint, "status-endpoint", "", "状态信道（PULL）监听端点")
	masterStartCmd.Flags().StringVar(&masterQueuePolicy, "queue-policy", "", "无可用 Slave 时的策略: queue, expire, reject")
	masterStartCmd.Flags().StringVar(&masterAPIAddress, "api-address", "", "REST API 监听地址")
	masterStartCmd.Flags().BoolVar(&masterNoAPI, "no-api", false, "不启动 REST API")
}

func masterOverrides(cmd *cobra.Command) map[string]string {
	overrides := map[string]string{}
	if cmd.Flags().Changed("command-endpoint") {
		overrides["master.command_endpoint"] = masterCommandEndpoint
	}
	if cmd.Flags().Changed("status-endpoint") {
		overrides["master.status_endpoint"] = masterStatusEndpoint
	}
	if cmd.Flags().Changed("queue-policy") {
		overrides["master.queue_policy"] = masterQueuePolicy
	}
	if cmd.Flags().Changed("api-address") {
		overrides["api.address"] = masterAPIAddress
	}
	if masterNoAPI {
		overrides["api.enabled"] = "false"
	}
	return overrides
}

func runMasterStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(masterOverrides(cmd))
	if err != nil {
		return err
	}
	log := logger.Named("master")
	defer logger.Sync()

	masterCfg, err := cfg.MasterOptions()
	if err != nil {
		return err
	}
	channel, err := masterChannel(cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(registry); err != nil {
		return fmt.Errorf("注册指标失败: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	router, err := transport.ListenRouter(ctx, masterCfg.CommandEndpoint)
	if err != nil {
		return err
	}
	puller, err := transport.ListenPuller(ctx, masterCfg.StatusEndpoint)
	if err != nil {
		_ = router.Close()
		return err
	}
	m := master.New(masterCfg, channel, router, puller, log)

	if !quiet {
		fmt.Printf(Banner, Version)
		fmt.Println()
		fmt.Printf("  Master 身份: %s (%s)\n", channel.Identity().Name(), channel.Identity().ID())
		fmt.Printf("  命令端点: %s\n", masterCfg.CommandEndpoint)
		fmt.Printf("  状态端点: %s\n", masterCfg.StatusEndpoint)
		fmt.Printf("  已授权 Slave: %d\n", channel.Keyring().Len())
		fmt.Printf("  队列策略: %s\n", masterCfg.QueuePolicy)
		if cfg.API.Enabled {
			fmt.Printf("  API 地址: %s\n", cfg.API.Address)
		}
		if cfg.Notify.WebhookURL != "" {
			fmt.Printf("  Webhook: %s\n", cfg.Notify.WebhookURL)
		}
		fmt.Println()
		fmt.Println("Master 节点启动成功。按 Ctrl+C 停止。")
	}

	g, ctx := errgroup.WithContext(ctx)
	if opts := cfg.WebhookOptions(); opts != nil {
		webhook, err := notify.NewWebhook(opts, logger.Named("notify"))
		if err != nil {
			_ = router.Close()
			_ = puller.Close()
			return err
		}
		m.Engine().Commands().SetNotifier(webhook)
		g.Go(func() error {
			return webhook.Run(ctx)
		})
	}
	g.Go(func() error {
		return m.Run(ctx)
	})
	if cfg.API.Enabled {
		server := rest.NewServer(m.Engine(), &rest.Config{
			Address:         cfg.API.Address,
			ReadTimeout:     cfg.API.ReadTimeout,
			WriteTimeout:    cfg.API.WriteTimeout,
			EnableCORS:      cfg.API.EnableCORS,
			EnableAccessLog: debug,
			APIKey:          cfg.API.Key,
			Gatherer:        registry,
		}, logger.Named("api"))
		g.Go(func() error {
			return server.StartWithContext(ctx)
		})
	}

	err = g.Wait()
	if !quiet {
		fmt.Println("Master 节点已停止。")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("master exited", zap.Error(err))
		return fmt.Errorf("master 异常退出: %w", err)
	}
	return nil
}

// masterChannel 加载 Master 身份和已授权 Slave 的公钥。
func masterChannel(cfg *config.Config) (*secure.Channel, error) {
	identity, err := secure.LoadIdentity(cfg.Keys.Identity)
	if err != nil {
		return nil, fmt.Errorf("加载 Master 身份失败: %w", err)
	}
	keyring, err := secure.LoadKeyringDir(cfg.Keys.AuthorizedDir)
	if err != nil {
		return nil, fmt.Errorf("加载已授权 Slave 失败: %w", err)
	}
	if keyring.Len() == 0 {
		logger.Warn("no authorized slaves, every IDLE will be rejected",
			zap.String("dir", cfg.Keys.AuthorizedDir))
	}
	logger.Debug("authorized slaves loaded", zap.Strings("names", keyring.Names()))
	return secure.NewChannel(identity, keyring, cfg.ChannelOptions()), nil
}

func runMasterStatus(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	stats, err := c.Stats(ctx)
	if err != nil {
		return fmt.Errorf("查询 Master 状态失败: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Master 状态:")
	fmt.Fprintf(out, "  Slave 总数:   %d\n", stats.Slaves)
	fmt.Fprintf(out, "  空闲 Slave:   %d\n", stats.IdleSlaves)
	fmt.Fprintf(out, "  执行中 Slave: %d\n", stats.DispatchedSlaves)
	fmt.Fprintf(out, "  排队命令:     %d\n", stats.Pending)
	for _, state := range sortedStates(stats.Commands) {
		fmt.Fprintf(out, "  命令[%s]: %d\n", state, stats.Commands[state])
	}
	if stats.DispatchLatency.Count > 0 {
		fmt.Fprintf(out, "  分发延迟: p50 %.1fms p99 %.1fms\n", stats.DispatchLatency.P50, stats.DispatchLatency.P99)
	}
	return nil
}
