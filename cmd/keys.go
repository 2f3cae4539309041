package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"yqhp/buildfleet/internal/secure"
)

var (
	keysName  string
	keysOut   string
	keysForce bool
)

// keysCmd 是 keys 子命令
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "管理节点身份密钥",
	Long: `每个节点拥有一个身份：一对签名密钥和一对加密密钥。

私钥文件只留在本节点；同名的 .pub 公钥文件分发给对端：
  - Slave 的公钥放入 Master 的 keys.authorized_dir 目录
  - Master 的公钥配置为 Slave 的 keys.master`,
}

// keysGenerateCmd 是 keys generate 子命令
var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成新的节点身份",
	Example: `  buildfleet keys generate --name master --out keys/identity.yaml
  buildfleet keys generate --name builder-7 --out /etc/buildfleet/identity.yaml`,
	Args: cobra.NoArgs,
	RunE: runKeysGenerate,
}

// keysShowCmd 是 keys show 子命令
var keysShowCmd = &cobra.Command{
	Use:   "show <file>",
	Short: "显示身份或公钥文件的密钥 ID",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysShow,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)
	keysCmd.AddCommand(keysShowCmd)

	keysGenerateCmd.Flags().StringVar(&keysName, "name", "", "身份名称（默认取主机名）")
	keysGenerateCmd.Flags().StringVarP(&keysOut, "out", "o", "keys/identity.yaml", "私钥输出路径，公钥写入同名 .pub 文件")
	keysGenerateCmd.Flags().BoolVarP(&keysForce, "force", "f", false, "覆盖已存在的文件")
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	name := keysName
	if name == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("获取主机名失败，请使用 --name 指定: %w", err)
		}
		name = host
	}
	if !keysForce {
		if _, err := os.Stat(keysOut); err == nil {
			return fmt.Errorf("%s 已存在，使用 --force 覆盖", keysOut)
		}
	}

	identity, err := secure.GenerateIdentity(name)
	if err != nil {
		return err
	}
	if err := secure.SaveIdentity(keysOut, identity); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "身份:   %s\n", identity.Name())
	fmt.Fprintf(out, "密钥 ID: %s\n", identity.ID())
	fmt.Fprintf(out, "私钥:   %s\n", keysOut)
	fmt.Fprintf(out, "公钥:   %s.pub\n", keysOut)
	return nil
}

func runKeysShow(cmd *cobra.Command, args []string) error {
	path := args[0]
	out := cmd.OutOrStdout()

	if filepath.Ext(path) == ".pub" {
		pub, err := secure.LoadPublic(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s %s (public)\n", pub.ID(), pub.Name)
		return nil
	}

	identity, err := secure.LoadIdentity(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s (private)\n", identity.ID(), identity.Name())
	return nil
}
