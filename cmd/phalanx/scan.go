package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mtzanidakis/phalanx/internal/config"
	"github.com/mtzanidakis/phalanx/internal/control"
	"github.com/mtzanidakis/phalanx/internal/dedup"
	"github.com/mtzanidakis/phalanx/internal/schedule"
	"github.com/mtzanidakis/phalanx/internal/scheduler"
	"github.com/mtzanidakis/phalanx/internal/skills"
	"github.com/mtzanidakis/phalanx/internal/store"
)

const controlTimeout = 10 * time.Second

func newScanCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Manage scans",
	}
	cmd.AddCommand(
		newScanCreateCmd(opts),
		newScanListCmd(opts),
		newScanStartCmd(opts),
		newScanStopCmd(opts),
		newScanStatusCmd(opts),
		newScanAgentsCmd(opts),
		newScanMessageCmd(opts),
		newScanExportCmd(opts),
	)
	return cmd
}

func openStore(cfg *config.Config) (*store.Store, error) {
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

// withStore loads the config, opens the store and runs fn.
func withStore(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, cfg *config.Config, db *store.Store) error) error {
	cfg, err := opts.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, cfg, db)
}

func newScanCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		id, name, target, instructions, sched string
		skillNames                            []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a scan group",
		Example: `  phalanx scan create --name acme --target example.com --instructions "map the external surface"
  phalanx scan create --name nightly --target 10.0.0.0/24 --schedule "0 2 * * *"
  phalanx scan create --name sweep --target example.com --schedule "every 6h" --skill recon`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" || target == "" {
				return errors.New("--name and --target are required")
			}
			return withStore(cmd, opts, func(ctx context.Context, cfg *config.Config, db *store.Store) error {
				if err := checkSkills(cfg.Agent.SkillsDir, skillNames); err != nil {
					return err
				}

				g := &store.Group{
					ID:     id,
					Name:   name,
					Status: store.GroupPending,
					Config: store.GroupConfig{
						Target:       target,
						Instructions: instructions,
						Skills:       skillNames,
					},
				}
				if g.ID == "" {
					g.ID = uuid.New().String()
				}

				if sched != "" {
					normalized, err := schedule.Normalize(sched)
					if err != nil {
						return err
					}
					g.Config.Schedule = normalized
					g.NextScanAt = schedule.Next(normalized, time.Now())
				}

				existing, err := db.GetGroup(ctx, g.ID)
				if err != nil {
					return err
				}
				if existing != nil {
					return fmt.Errorf("group %s already exists", g.ID)
				}
				if err := db.SaveGroup(ctx, g); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Scan created: %s\n", g.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "group id (default: random)")
	cmd.Flags().StringVar(&name, "name", "", "scan name")
	cmd.Flags().StringVar(&target, "target", "", "assessment target")
	cmd.Flags().StringVar(&instructions, "instructions", "", "goal for the manager agent")
	cmd.Flags().StringVar(&sched, "schedule", "", `recurring schedule: cron expression or "every <duration>"`)
	cmd.Flags().StringSliceVar(&skillNames, "skill", nil, "skill to attach to the agents (repeatable)")
	return cmd
}

// checkSkills rejects skill names missing from the skills directory. With no
// directory configured every name is accepted.
func checkSkills(dir string, names []string) error {
	if dir == "" || len(names) == 0 {
		return nil
	}
	avail, err := skills.New(dir).Available()
	if err != nil {
		return err
	}
	for _, name := range names {
		if !slices.Contains(avail, name) {
			return fmt.Errorf("unknown skill %q (available: %s)", name, strings.Join(avail, ", "))
		}
	}
	return nil
}

func newScanListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scan groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, opts, func(ctx context.Context, _ *config.Config, db *store.Store) error {
				groups, err := db.ListGroups(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(groups) == 0 {
					fmt.Fprintln(out, "No scans found.")
					return nil
				}

				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tTARGET\tNEXT SCAN")
				for _, g := range groups {
					next := "-"
					if g.NextScanAt != nil {
						next = g.NextScanAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", g.ID, g.Name, g.Status, g.Config.Target, next)
				}
				return tw.Flush()
			})
		},
	}
}

// sendOrLocal sends a control request to the daemon. When no daemon is
// running, local runs the operation against the store directly.
func sendOrLocal(cfg *config.Config, reqType string, payload any, local func() (*control.Response, error)) (*control.Response, error) {
	resp, err := control.Send(cfg.NATS.ClientURL(), reqType, payload, controlTimeout)
	if errors.Is(err, control.ErrNoDaemon) {
		return local()
	}
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	return resp, nil
}

func localScheduler(cfg *config.Config, db *store.Store) *scheduler.Scheduler {
	return scheduler.New(db, nil, newInventory(nil, nil), nil, cfg.Scheduler)
}

func newScanStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start <group-id>",
		Short: "Start or resume a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID := args[0]
			return withStore(cmd, opts, func(ctx context.Context, cfg *config.Config, db *store.Store) error {
				_, err := sendOrLocal(cfg, control.CmdStartScan, map[string]string{"group_id": groupID}, func() (*control.Response, error) {
					if err := localScheduler(cfg, db).StartScan(ctx, groupID); err != nil {
						return nil, err
					}
					return &control.Response{OK: true}, nil
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Scan %s started.\n", groupID)
				return nil
			})
		},
	}
}

func newScanStopCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <group-id>",
		Short: "Stop a scan and cancel its agents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			groupID := args[0]
			return withStore(cmd, opts, func(ctx context.Context, cfg *config.Config, db *store.Store) error {
				resp, err := sendOrLocal(cfg, control.CmdStopScan, map[string]string{"group_id": groupID}, func() (*control.Response, error) {
					n, err := localScheduler(cfg, db).StopScan(ctx, groupID)
					if err != nil {
						return nil, err
					}
					return &control.Response{OK: true, Cancelled: n}, nil
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Scan %s stopped, %d agents cancelled.\n", groupID, resp.Cancelled)
				return nil
			})
		},
	}
}

func newScanStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <group-id>",
		Short: "Show scan progress and tool statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, cfg *config.Config, db *store.Store) error {
				g, err := db.GetGroup(ctx, args[0])
				if err != nil {
					return err
				}
				if g == nil {
					return fmt.Errorf("group %s not found", args[0])
				}

				counts, err := db.CountTasksByStatus(ctx, g.ID)
				if err != nil {
					return err
				}
				stats, err := dedup.New(db, cfg.Dedup).Stats(ctx, g.ID)
				if err != nil {
					return err
				}
				discs, err := db.ListDiscoveries(ctx, g.ID, 0)
				if err != nil {
					return err
				}

				printStatus(cmd.OutOrStdout(), g, counts, stats, discs)
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, g *store.Group, counts map[store.TaskStatus]int, stats dedup.Stats, discs []store.Discovery) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Scan:\t%s (%s)\n", g.ID, g.Name)
	fmt.Fprintf(tw, "Status:\t%s\n", g.Status)
	fmt.Fprintf(tw, "Target:\t%s\n", g.Config.Target)
	if g.Config.Schedule != "" {
		line := schedule.Describe(g.Config.Schedule)
		if g.NextScanAt != nil {
			line += ", next " + g.NextScanAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "Schedule:\t%s\n", line)
	}

	var parts []string
	for _, st := range []store.TaskStatus{store.TaskPending, store.TaskRunning, store.TaskCompleted, store.TaskFailed, store.TaskCancelled} {
		parts = append(parts, fmt.Sprintf("%s=%d", st, counts[st]))
	}
	fmt.Fprintf(tw, "Tasks:\t%s\n", strings.Join(parts, " "))
	fmt.Fprintf(tw, "Attempts:\t%d total, %d tools, %d targets, %d in the last hour\n",
		stats.Total, stats.UniqueTools, stats.UniqueTargets, stats.RecentActivity)

	findings := 0
	for _, d := range discs {
		if d.Kind == store.DiscoveryFinding {
			findings++
		}
	}
	fmt.Fprintf(tw, "Discoveries:\t%d (%d findings)\n", len(discs), findings)
	_ = tw.Flush()

	if len(stats.ByTool) == 0 {
		return
	}
	names := make([]string, 0, len(stats.ByTool))
	for name := range stats.ByTool {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOOL\tSUCCESS\tFAILURE\tSKIPPED")
	for _, name := range names {
		ts := stats.ByTool[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", name, ts.Success, ts.Failure, ts.Skipped)
	}
	_ = tw.Flush()
}

func newScanAgentsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents [group-id]",
		Short: "List the agents running in the daemon",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			var groupID string
			if len(args) == 1 {
				groupID = args[0]
			}

			resp, err := control.Send(cfg.NATS.ClientURL(), control.CmdListAgents, map[string]string{"group_id": groupID}, controlTimeout)
			if err != nil {
				return err
			}
			if resp.Error != "" {
				return errors.New(resp.Error)
			}

			out := cmd.OutOrStdout()
			if len(resp.Agents) == 0 {
				fmt.Fprintln(out, "No agents running.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AGENT\tROLE\tGROUP\tSINCE")
			for _, m := range resp.Agents {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.AgentID, m.Role, m.GroupID, m.JoinedAt.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newScanMessageCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "message <agent-id> <text>",
		Short:   "Send a priority instruction to a running agent",
		Example: `  phalanx scan message attacker-1a2b3c4d "stop brute forcing, focus on /api"`,
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			payload := map[string]string{"agent_id": args[0], "content": strings.Join(args[1:], " ")}
			resp, err := control.Send(cfg.NATS.ClientURL(), control.CmdMessageAgent, payload, controlTimeout)
			if err != nil {
				return err
			}
			if resp.Error != "" {
				return errors.New(resp.Error)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Message delivered.")
			return nil
		},
	}
}

func newScanExportCmd(opts *rootOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "export <group-id>",
		Short:   "Export a scan report as zstd-compressed JSON",
		Example: `  phalanx scan export acme -f acme.json.zst`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				return errors.New("missing -f flag")
			}
			return withStore(cmd, opts, func(ctx context.Context, cfg *config.Config, db *store.Store) error {
				report, err := buildReport(ctx, db, dedup.New(db, cfg.Dedup), args[0])
				if err != nil {
					return err
				}
				if err := writeReport(output, report); err != nil {
					return err
				}

				size := int64(0)
				if info, err := os.Stat(output); err == nil {
					size = info.Size()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Export complete: %d tasks, %d attempts, %d discoveries, %s\n",
					len(report.Tasks), len(report.Attempts), len(report.Discoveries), formatSize(size))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "file", "f", "", "output path (.json.zst)")
	return cmd
}
