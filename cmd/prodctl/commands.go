package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bobarin/adreel/internal/admin"
	"github.com/bobarin/adreel/internal/audit"
	"github.com/bobarin/adreel/internal/auth"
	"github.com/bobarin/adreel/internal/db"
	"github.com/bobarin/adreel/internal/lease"
	"github.com/bobarin/adreel/internal/logging"
	"github.com/bobarin/adreel/internal/production"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type options struct {
	databaseURL string
	timeout     time.Duration
	leaseTTL    time.Duration
	jsonOutput  bool
	logLevel    string
}

// app is the wired admin stack for one invocation.
type app struct {
	db     *db.DB
	prod   *production.Service
	admin  *admin.Service
	caller admin.Caller
}

func (a *app) Close() error {
	return a.db.Close()
}

var isTerminal = term.IsTerminal

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "prodctl",
		Short:         "Operate on video productions",
		Long:          `Inspect and repair productions: list stuck videos, cancel or complete them, free leases and read the audit trail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			logging.Init(logging.Config{Level: opts.logLevel, Format: "console", Component: "prodctl"})
			if opts.databaseURL == "" {
				opts.databaseURL = os.Getenv("DATABASE_URL")
			}
			if opts.databaseURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.databaseURL, "database-url", "", "database URL (default $DATABASE_URL)")
	flags.DurationVar(&opts.timeout, "timeout", envDuration("PRODUCTION_TIMEOUT", 15*time.Minute), "production timeout used by sweep")
	flags.DurationVar(&opts.leaseTTL, "lease-ttl", envDuration("LEASE_TTL", 20*time.Minute), "lease time-to-live")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print JSON instead of a table")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "log level")

	root.AddCommand(
		newMigrateCmd(opts),
		newStuckCmd(opts),
		newCancelCmd(opts),
		newCompleteCmd(opts),
		newUnlockCmd(opts),
		newSweepCmd(opts),
		newLogsCmd(opts),
	)
	return root
}

func openApp(opts *options) (*app, error) {
	database, err := db.New(opts.databaseURL)
	if err != nil {
		return nil, err
	}

	auditLog := audit.New(database)
	locker := lease.NewLocker(database, auditLog, opts.leaseTTL)
	prod := production.NewService(production.Deps{
		DB:     database,
		Locker: locker,
		Audit:  auditLog,
	}, production.Config{Timeout: opts.timeout})

	return &app{
		db:     database,
		prod:   prod,
		admin:  admin.NewService(database, prod, locker, auditLog),
		caller: admin.Caller{Actor: "cli:" + osUser(), Role: auth.RoleAdmin},
	}, nil
}

func withApp(opts *options, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func newMigrateCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// db.New migrates on open.
			return withApp(opts, func(ctx context.Context, a *app) error {
				fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied (%s)\n", a.db.Dialect())
				return nil
			})
		},
	}
}

func newStuckCmd(opts *options) *cobra.Command {
	var threshold time.Duration
	var limit int

	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List processing videos older than a threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				videos, err := a.admin.ListStuck(ctx, a.caller, threshold, limit)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), videos)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VIDEO\tCONVERSATION\tUSER\tMINUTES\tSTATE")
				for _, v := range videos {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", v.Video.VideoID, v.Video.ConversationID, v.UserEmail, v.MinutesRunning, v.WorkflowState)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", admin.DefaultStuckThreshold, "minimum processing age")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum videos to list")
	return cmd
}

func newCancelCmd(opts *options) *cobra.Command {
	var reason string
	var yes bool

	cmd := &cobra.Command{
		Use:   "cancel <video-id>",
		Short: "Cancel a processing video and refund its credits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes && !confirm(cmd, fmt.Sprintf("Cancel %s and refund its credits?", args[0])) {
				return fmt.Errorf("aborted")
			}
			return withApp(opts, func(ctx context.Context, a *app) error {
				settlement, err := a.admin.Cancel(ctx, a.caller, args[0], reason)
				if err != nil {
					return err
				}
				return printSettlement(cmd.OutOrStdout(), opts, settlement)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason shown to the user")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

func newCompleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <video-id> <video-url>",
		Short: "Mark a processing video completed with a delivered URL",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				settlement, err := a.admin.ForceComplete(ctx, a.caller, args[0], args[1])
				if err != nil {
					return err
				}
				return printSettlement(cmd.OutOrStdout(), opts, settlement)
			})
		},
	}
}

func newUnlockCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <conversation-id>",
		Short: "Release a conversation's production lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			convID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			return withApp(opts, func(ctx context.Context, a *app) error {
				previous, err := a.admin.ForceUnlock(ctx, a.caller, convID)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), previous)
				}
				if !previous.Locked {
					fmt.Fprintln(cmd.OutOrStdout(), "Lease was not held")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Released lease (%s)\n", previous.Reason)
				return nil
			})
		},
	}
}

func newSweepCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Time out processing videos past the production timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(ctx context.Context, a *app) error {
				settled, err := a.prod.SweepTimeouts(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Timed out %d video(s)\n", settled)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum videos to settle")
	return cmd
}

func newLogsCmd(opts *options) *cobra.Command {
	var videoID, conversation string
	var limit int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show audit entries for a video or conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var convID *uuid.UUID
			if conversation != "" {
				id, err := uuid.Parse(conversation)
				if err != nil {
					return fmt.Errorf("invalid conversation id %q", conversation)
				}
				convID = &id
			}
			return withApp(opts, func(ctx context.Context, a *app) error {
				entries, err := a.admin.GetLogs(ctx, a.caller, videoID, convID, limit)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tOPERATION\tOUTCOME\tACTOR\tDETAIL")
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Operation, e.Outcome, e.Actor, e.Detail)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&videoID, "video", "", "video correlation id")
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries")
	return cmd
}

func printSettlement(w io.Writer, opts *options, s *production.Settlement) error {
	if opts.jsonOutput {
		return writeJSON(w, s)
	}
	if !s.Applied {
		fmt.Fprintf(w, "No change: video is already %s\n", s.Video.Status)
		return nil
	}
	fmt.Fprintf(w, "Video %s is now %s (refunded %.1f credits)\n", s.Video.VideoID, s.Video.Status, s.Refunded)
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// confirm asks on an interactive terminal. Non-interactive input never confirms.
func confirm(cmd *cobra.Command, question string) bool {
	if !isTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N]: ", question)
	answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func osUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "unknown"
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}
