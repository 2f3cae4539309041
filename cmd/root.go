// Package cmd 提供 buildfleet CLI 的命令实现
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"yqhp/buildfleet/api/rest/client"
	"yqhp/buildfleet/internal/config"
	"yqhp/buildfleet/pkg/logger"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
	// Banner 是启动时显示的 ASCII 艺术
	Banner = `
   _         _ _    _ ___ _         _
  | |__ _  _(_) |__| | __| |___ ___| |_
  | '_ \ || | | / _' | _|| / -_) -_)  _|
  |_.__/\_,_|_|_\__,_|_| |_\___\___|\__|  %s
`
)

var (
	// 全局配置
	cfgFile string
	envFile string
	debug   bool
	quiet   bool
	apiURL  string
	apiKey  string
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "buildfleet",
	Short: "分布式构建调度系统",
	Long: `buildfleet 把构建命令分发给具备所需能力的 Slave 节点执行。

Master 维护 Slave 注册表，按最佳匹配原则调度命令；Slave 通过加密信道
宣告空闲并上报执行状态。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	// 全局 flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", ".env 文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "静默模式")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "Master API 地址（默认取配置 api.url）")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Master API 密钥（默认取配置 api.key）")

	// 禁用默认的 completion 命令
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 自定义版本模板
	rootCmd.SetVersionTemplate(fmt.Sprintf(Banner, Version) + "\n")
}

// GetRootCmd 返回根命令（用于测试）
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// loadConfig 按 默认值 < YAML < .env < 环境变量 < overrides 的顺序加载配置，
// 并按配置初始化日志。
func loadConfig(overrides map[string]string) (*config.Config, error) {
	loader := config.NewLoader().WithDotEnv(envFile).WithCmdArgs(overrides)
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Init(cfg.LoggerOptions())
	if debug {
		logger.EnableDebug()
	}
	return cfg, nil
}

// newAPIClient 创建访问 Master REST API 的客户端。
func newAPIClient() (*client.Client, error) {
	overrides := map[string]string{}
	if apiURL != "" {
		overrides["api.url"] = apiURL
	}
	if apiKey != "" {
		overrides["api.key"] = apiKey
	}
	cfg, err := loadConfig(overrides)
	if err != nil {
		return nil, err
	}
	c := client.DefaultConfig()
	c.BaseURL = cfg.API.URL
	c.APIKey = cfg.API.Key
	return client.New(c), nil
}
