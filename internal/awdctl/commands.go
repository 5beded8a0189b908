package awdctl

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/LeonardoBeccarini/awd_irrigation/internal/model/entities"
)

var (
	version = "dev"
	commit  = "none"
)

// SetVersion sets the version information
func SetVersion(v, c string) {
	version = v
	commit = c
}

type rootOptions struct {
	apiURL  string
	timeout time.Duration
}

func (o *rootOptions) client() *Client { return NewClient(o.apiURL, o.timeout) }

// NewRootCommand builds the awdctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "awdctl",
		Short: "Operate AWD irrigation sessions",
		Long: `awdctl drives the irrigation controller: start a flooding session on a field,
stop it, and inspect its state, anomalies and performance.`,
		SilenceUsage: true,
	}

	def := strings.TrimSpace(os.Getenv("AWD_API"))
	if def == "" {
		def = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&opts.apiURL, "api", def, "controller base URL (env AWD_API)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(newStartCmd(opts), newStopCmd(opts), newStatusCmd(opts), newHealthCmd(opts), newVersionCmd())
	return root
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	var (
		cfg  entities.IrrigationConfig
		flow float64
	)
	cmd := &cobra.Command{
		Use:   "start FIELD_ID",
		Short: "Start an irrigation session",
		Long: `Start an irrigation session on a field. The gate opens and the controller
monitors the water level until the target is reached or the session times out.

Examples:
  awdctl start field1 --target 8
  awdctl start field1 --target 6 --tolerance 0.3 --flow 0.25`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.FieldID = args[0]
			if cmd.Flags().Changed("flow") {
				cfg.TargetFlowRateM3s = &flow
			}
			s, err := opts.client().Start(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), RenderSession(s))
			return nil
		},
	}
	f := cmd.Flags()
	f.Float64Var(&cfg.TargetLevelCm, "target", 0, "target water level [cm]")
	f.Float64Var(&cfg.ToleranceCm, "tolerance", 0.5, "accepted shortfall below target [cm]")
	f.Float64Var(&cfg.MaxDurationMinutes, "max-minutes", 240, "session timeout [min]")
	f.Float64Var(&cfg.SensorCheckIntervalSeconds, "interval", 60, "sensor check interval [s]")
	f.Float64Var(&cfg.MinFlowRateCmPerMin, "min-flow", 0.01, "minimum expected rise rate [cm/min]")
	f.Float64Var(&cfg.EmergencyStopLevelCm, "emergency-level", 0, "stop immediately above this level [cm], 0 disables")
	f.Float64Var(&flow, "flow", 0, "gate flow [m3/s]; estimated from the field profile when omitted")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "stop SESSION_ID",
		Short: "Stop a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().Stop(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), RenderSession(s))
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded on the session")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		anomalies bool
		watch     time.Duration
	)
	cmd := &cobra.Command{
		Use:     "status SESSION_ID",
		Aliases: []string{"show"},
		Short:   "Show a session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			id := args[0]
			for {
				s, err := c.Session(cmd.Context(), id)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, RenderSession(s))

				if s.Status.Terminal() {
					if p, err := c.Performance(cmd.Context(), id); err == nil {
						fmt.Fprintln(out, RenderPerformance(p))
					}
				}
				if anomalies {
					list, err := c.Anomalies(cmd.Context(), id)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, RenderAnomalies(list))
				}
				if watch <= 0 || s.Status.Terminal() {
					return nil
				}
				if err := sleep(cmd.Context(), watch); err != nil {
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&anomalies, "anomalies", "a", false, "also list detected anomalies")
	cmd.Flags().DurationVarP(&watch, "watch", "w", 0, "refresh every interval until the session ends")
	return cmd
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show controller health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := opts.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), RenderHealth(h))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "awdctl %s (%s)\n", version, commit)
		},
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
