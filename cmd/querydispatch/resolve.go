package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/CDCgov/nhsnlink-sub007/frequency"
	"github.com/CDCgov/nhsnlink-sub007/schedule"
)

type resolveFlags struct {
	frequency string
	at        string
	event     string
	delay     string
}

func newResolveCommand(load func() (Settings, error)) *cobra.Command {
	var f resolveFlags
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the reporting period containing an instant",
		Long: `Resolve prints the reporting period of a frequency that contains the
given instant, using the configured week start and timezone. With --event
and --delay it also prints when a dispatch triggered at that instant would
fire.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := load()
			if err != nil {
				return err
			}
			cfg, err := s.Engine.EngineConfig()
			if err != nil {
				return err
			}
			r := frequency.NewResolver(
				frequency.WithWeekStart(cfg.WeekStart),
				frequency.WithLocation(cfg.Location()),
			)
			return resolve(cmd.OutOrStdout(), r, f, time.Now().UTC())
		},
	}
	cmd.Flags().StringVarP(&f.frequency, "frequency", "f", "", "daily, weekly, monthly or an ISO-8601 interval")
	cmd.Flags().StringVar(&f.at, "at", "", "RFC 3339 reference instant (default now)")
	cmd.Flags().StringVar(&f.event, "event", "", "trigger event for a dispatch schedule")
	cmd.Flags().StringVar(&f.delay, "delay", "", "ISO-8601 dispatch delay, e.g. PT10S")
	_ = cmd.MarkFlagRequired("frequency")
	cmd.MarkFlagsRequiredTogether("event", "delay")
	return cmd
}

func resolve(out io.Writer, r *frequency.Resolver, f resolveFlags, now time.Time) error {
	freq, err := frequency.Parse(f.frequency)
	if err != nil {
		return err
	}
	at := now
	if f.at != "" {
		if at, err = time.Parse(time.RFC3339, f.at); err != nil {
			return fmt.Errorf("--at: %w", err)
		}
	}

	p, err := r.ResolvePeriod(freq, at)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "period:  %s\n", p)

	next, err := r.Next(freq, p)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "next:    %s\n", next)

	if f.event != "" {
		ds, err := schedule.Parse(f.event, f.delay)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "fire at: %s\n", schedule.ComputeFireTime(ds, at).Format(time.RFC3339))
	}
	return nil
}
