// Package main implements the Tor Weather service: it watches subscribed
// Tor relays via the onionoo API and emails operators when a relay goes
// down or runs an outdated version.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"torweather/check"
	"torweather/pkg/weather"
	"torweather/server"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "torweather",
	Short:         "Email notifications for Tor relay operators",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web frontend and the periodic checks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		scheduler, err := check.NewScheduler(a.monitor, a.logger)
		if err != nil {
			return fmt.Errorf("initialize scheduler: %w", err)
		}
		scheduler.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			scheduler.Stop(stopCtx)
		}()

		srv := server.New(&server.Config{
			Manager: a.manager,
			Checker: a.monitor,
			Logger:  a.logger,
			BaseURL: a.baseURL,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.ListenAndServe(a.port)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			a.logger.Info("Shutdown signal received")
			return nil
		}
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run every notification check once and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		return a.monitor.RunAll(cmd.Context())
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe FINGERPRINT",
	Short: "Subscribe an email address to relay notifications",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		emails, _ := cmd.Flags().GetStringSlice("email")
		kindNames, _ := cmd.Flags().GetStringSlice("kind")
		grace, _ := cmd.Flags().GetInt("grace")

		kinds := make([]weather.Notif, 0, len(kindNames))
		for _, name := range kindNames {
			kind, err := weather.ParseNotif(name)
			if err != nil {
				return err
			}
			kinds = append(kinds, kind)
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		sub, err := a.manager.Subscribe(cmd.Context(), args[0], emails, kinds, grace)
		if err != nil {
			return err
		}

		fmt.Printf("Subscribed %s to %d notification kind(s)\n", sub.Fingerprint, len(sub.Notifs))
		return nil
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe FINGERPRINT",
	Short: "Remove notifications for a relay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		emailAddr, _ := cmd.Flags().GetString("email")
		kindName, _ := cmd.Flags().GetString("kind")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if kindName == "" {
			if err := a.manager.UnsubscribeAll(cmd.Context(), args[0], emailAddr); err != nil {
				return err
			}
			fmt.Println("Removed all notifications for the relay")
			return nil
		}

		kind, err := weather.ParseNotif(kindName)
		if err != nil {
			return err
		}
		if err := a.manager.UnsubscribeNotif(cmd.Context(), args[0], emailAddr, kind); err != nil {
			return err
		}
		fmt.Printf("Removed %s notifications for the relay\n", kind)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status FINGERPRINT",
	Short: "Show the subscription record for a relay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		sub, err := a.manager.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Relay:      %s\n", sub.Fingerprint)
		for _, e := range sub.Emails {
			fmt.Printf("Recipient:  %s\n", e)
		}
		for kind, state := range sub.Notifs {
			line := fmt.Sprintf("  %-24s sent=%t", kind, state.Sent)
			if state.Duration > 0 {
				line += fmt.Sprintf("  grace=%dh", state.Duration)
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	subscribeCmd.Flags().StringSlice("email", nil, "Recipient address (repeatable)")
	subscribeCmd.Flags().StringSlice("kind", []string{"NODE_DOWN"}, "Notification kind (repeatable)")
	subscribeCmd.Flags().Int("grace", 0, "Node-down grace period in hours (default 48)")

	unsubscribeCmd.Flags().String("email", "", "Recipient address on the subscription")
	unsubscribeCmd.Flags().String("kind", "", "Only remove this notification kind")
	_ = unsubscribeCmd.MarkFlagRequired("email")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(unsubscribeCmd)
	rootCmd.AddCommand(statusCmd)
}
