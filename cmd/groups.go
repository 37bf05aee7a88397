package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/groupclaw/internal/config"
	"github.com/nextlevelbuilder/groupclaw/internal/media"
	"github.com/nextlevelbuilder/groupclaw/internal/store"
)

func groupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Inspect and reset stored group conversations",
	}
	cmd.AddCommand(groupsListCmd())
	cmd.AddCommand(groupsShowCmd())
	cmd.AddCommand(groupsResetCmd())
	return cmd
}

// withStore loads config and opens the store for a one-shot command.
func withStore(fn func(ctx context.Context, cfg *config.Config, st store.ConversationStore) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	return fn(context.Background(), cfg, st)
}

func groupsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List groups with stored history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, cfg *config.Config, st store.ConversationStore) error {
				groups, err := st.Groups(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "GROUP\tMESSAGES\tMEMORY\tENABLED\tUPDATED")
				for _, g := range groups {
					updated := "-"
					if !g.Updated.IsZero() {
						updated = g.Updated.Local().Format(time.DateTime)
					}
					fmt.Fprintf(tw, "%s\t%d\t%v\t%v\t%s\n",
						g.GroupID, g.Messages, g.HasMemory, cfg.Groups.Resolve(g.GroupID).Enabled, updated)
				}
				return tw.Flush()
			})
		},
	}
}

func groupsShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <group-id>",
		Short: "Print a group's memory and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gid := args[0]
			return withStore(func(ctx context.Context, cfg *config.Config, st store.ConversationStore) error {
				history, err := st.History(ctx, gid)
				if err != nil {
					return err
				}
				mem, err := st.Memory(ctx, gid)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(map[string]any{
						"group_id": gid,
						"policy":   cfg.Groups.Resolve(gid),
						"memory":   mem,
						"history":  history,
					})
				}

				fmt.Printf("group %s: %d messages\n", gid, len(history))
				if mem.Summary != "" {
					fmt.Printf("\nmemory (compressed %s):\n%s\n", mem.LastCompressedAt.Local().Format(time.DateTime), mem.Summary)
				}
				fmt.Println()
				for _, m := range history {
					switch {
					case m.Role == "user":
						fmt.Printf("[%s(%s)] %s\n", m.Nickname, m.UserID, m.Content)
					case len(m.ToolCalls) > 0:
						for _, tc := range m.ToolCalls {
							fmt.Printf("  -> %s %s\n", tc.Name, tc.Arguments)
						}
					case m.Role == "tool":
						fmt.Printf("  <- %s\n", truncateLine(m.Content, 120))
					default:
						fmt.Printf("%s: %s\n", m.Role, m.Content)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func groupsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <group-id>",
		Short: "Forget a group's history, memory and cached images",
		Long:  "Forget a group's history, memory and cached images. Run it while the bot is stopped; a running bot resets groups itself.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gid := args[0]
			return withStore(func(ctx context.Context, cfg *config.Config, st store.ConversationStore) error {
				if err := st.Reset(ctx, gid); err != nil {
					return fmt.Errorf("reset %s: %w", gid, err)
				}
				if cache, err := media.New(cfg.Media); err == nil {
					if err := cache.DeleteGroup(gid); err != nil {
						fmt.Fprintf(os.Stderr, "warning: cached images not removed: %v\n", err)
					}
				}
				fmt.Printf("group %s reset\n", gid)
				return nil
			})
		},
	}
}

func truncateLine(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
