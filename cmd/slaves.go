package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"yqhp/buildfleet/api/rest/client"
	"yqhp/buildfleet/pkg/types"
)

var slavesJSON bool

// slavesCmd 是 slaves 子命令
var slavesCmd = &cobra.Command{
	Use:   "slaves",
	Short: "查询和管理已注册的 Slave",
}

var slavesListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出已注册的 Slave",
	Args:  cobra.NoArgs,
	RunE:  runSlavesList,
}

var slavesEvictCmd = &cobra.Command{
	Use:   "evict <id>",
	Short: "驱逐 Slave",
	Long: `从注册表中移除 Slave。正在执行的命令按 master.requeue_lost 重新排队或标记为丢失；
Slave 再次发送 IDLE 时会重新注册。<id> 为 slaves list 显示的十六进制标识。`,
	Args: cobra.ExactArgs(1),
	RunE: runSlavesEvict,
}

func init() {
	rootCmd.AddCommand(slavesCmd)
	slavesCmd.AddCommand(slavesListCmd)
	slavesCmd.AddCommand(slavesEvictCmd)

	slavesListCmd.Flags().BoolVar(&slavesJSON, "json", false, "输出 JSON")
}

func runSlavesList(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	slaves, err := c.Slaves(cmd.Context())
	if err != nil {
		return err
	}
	if slavesJSON {
		return printJSON(cmd.OutOrStdout(), slaves)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tIDENTITY\tSTATE\tCAPABILITIES\tCOMMAND\tLAST SEEN")
	for _, s := range slaves {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID.String(), string(s.ID), s.Identity, s.State,
			strings.Join(s.Capabilities, ","), s.CommandID,
			s.LastSeen.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runSlavesEvict(cmd *cobra.Command, args []string) error {
	id, err := types.ParseSlaveID(args[0])
	if err != nil {
		return fmt.Errorf("无效的 Slave 标识 %q: %w", args[0], err)
	}
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := c.Evict(cmd.Context(), id); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return fmt.Errorf("slave 不存在: %s", args[0])
		}
		return err
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "已驱逐 Slave %s\n", args[0])
	}
	return nil
}
