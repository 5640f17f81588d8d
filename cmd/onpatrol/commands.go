package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"onpatrol/internal/app"
	"onpatrol/internal/config"
	"onpatrol/internal/event"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the notification pipeline and block until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.env()
			if err != nil {
				return err
			}
			a, err := app.NewApp(app.Options{Env: e})
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx := cmd.Context()
			if err := a.Start(ctx); err != nil {
				_ = a.Close()
				return err
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigs:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			case <-ctx.Done():
				reason = app.StopAppStop
			}
			fatal := a.Err()
			if err := a.Stop(context.Background(), reason); err != nil {
				return err
			}
			return fatal
		},
	}
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every target's token and chat and print a status table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.env()
			if err != nil {
				return err
			}
			a, err := app.NewApp(app.Options{Env: e})
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			targets := a.Verify(ctx)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tACTIVE\tSTATUS\tBOT\tCHAT")
			for _, t := range targets {
				v := t.Verification
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", t.Name, v.Active, v.Reason, v.BotUsername, v.ChatTitle)
			}
			return w.Flush()
		},
	}
}

func newCheckConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Parse and validate the config file without contacting Telegram",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.env()
			if err != nil {
				return err
			}
			cfg, err := config.NewConfigManager(e.ConfigPath).Parse()
			if err != nil {
				return err
			}
			e.Apply(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d clusters, %d targets, %d profiles)\n",
				e.ConfigPath, len(cfg.Clusters), len(cfg.Targets), len(cfg.Profiles))
			return nil
		},
	}
}

func newTestCommand(opts *rootOptions) *cobra.Command {
	var (
		camera string
		media  []string
	)
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Send a test notification through the full pipeline, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.env()
			if err != nil {
				return err
			}
			a, err := app.NewApp(app.Options{Env: e})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.Start(ctx); err != nil {
				_ = a.Close()
				return err
			}
			ev := event.Event{
				CameraName: strings.TrimSpace(camera),
				EventTypes: []string{event.TestNotification},
				Time:       time.Now(),
			}.WithMedia(media...)
			if err := a.Submit(ctx, ev); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			return a.Stop(context.Background(), app.StopAppStop)
		},
	}
	cmd.Flags().StringVar(&camera, "camera", "Test camera", "camera name shown in the notification")
	cmd.Flags().StringSliceVar(&media, "media", nil, "media files to attach")
	return cmd
}
