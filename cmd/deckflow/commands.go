package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"deckflow/internal/deck"
	"deckflow/internal/logging"
	"deckflow/internal/mockserver"
	"deckflow/internal/orchestrator"
)

func newStatusCmd(flags *globalFlags, _ *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status <artifact-id>",
		Short: "Show the backend status of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wireApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.client.ResolveStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", bold(result.ArtifactID), statusColor(result.Status))
			if result.Error != "" {
				fmt.Fprintf(out, "%s %s\n", red("reason:"), result.Error)
			}
			return nil
		},
	}
}

func newStartCmd(flags *globalFlags, _ *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "start <artifact-id>",
		Short: "Trigger generation for an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wireApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.client.Start(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s generation started for %s\n", green("✓"), args[0])
			return nil
		},
	}
}

func newHistoryCmd(flags *globalFlags, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <artifact-id>",
		Short: "Print the reconciled history of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format := strings.ToLower(v.GetString("history-format"))
			if format != "table" && format != "json" {
				return fmt.Errorf("unknown format %q (want table or json)", format)
			}

			a, err := wireApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			history, err := a.client.FetchHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if format == "json" {
				return renderHistoryJSON(cmd.OutOrStdout(), args[0], history)
			}
			renderHistoryTable(cmd.OutOrStdout(), args[0], history)
			return nil
		},
	}
	cmd.Flags().String("format", "table", "output format: table or json")
	_ = v.BindPFlag("history-format", cmd.Flags().Lookup("format"))
	return cmd
}

func newWatchCmd(flags *globalFlags, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <artifact-id>",
		Short: "Follow a generation run until it settles",
		Long: `watch checks the artifact status, starts generation when it is queued, loads
the existing history and follows the live stream. It exits once the run is
ready and fails when the run ends in an error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := wireApp(cmd, flags)
			if err != nil {
				return err
			}
			defer a.close()

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			defer orch.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := &watcher{
				out:      cmd.OutOrStdout(),
				orch:     orch,
				followUp: strings.TrimSpace(v.GetString("watch-follow-up")),
				printed:  make(map[string]struct{}),
				logger:   a.logger,
			}
			return w.run(ctx, args[0])
		},
	}
	cmd.Flags().String("follow-up", "", "send this request once the run is ready, then follow it too")
	_ = v.BindPFlag("watch-follow-up", cmd.Flags().Lookup("follow-up"))
	return cmd
}

// watcher prints the transcript of one orchestrated session as it grows.
type watcher struct {
	out      io.Writer
	orch     *orchestrator.Orchestrator
	followUp string
	logger   logging.Logger

	printed    map[string]struct{}
	lastStatus deck.HookStatus
	lastSlides int
	// settleAfter ignores views published before the follow-up went out.
	settleAfter uint64
}

func (w *watcher) run(ctx context.Context, artifactID string) error {
	views, cancel := w.orch.Subscribe()
	defer cancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- w.orch.Initialize(ctx, artifactID)
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(w.out, gray("interrupted"))
			return nil
		case err := <-initErr:
			initErr = nil
			if err != nil {
				w.printLogs()
				return err
			}
		case view, ok := <-views:
			if !ok {
				return errors.New("session closed")
			}
			done, err := w.handle(ctx, view)
			if done || err != nil {
				return err
			}
		}
	}
}

func (w *watcher) handle(ctx context.Context, view orchestrator.View) (bool, error) {
	w.printLogs()
	w.printSlides()

	if view.Status != w.lastStatus {
		w.lastStatus = view.Status
		fmt.Fprintf(w.out, "%s %s", gray("──"), hookColor(view.Status))
		if view.Phase != "" {
			fmt.Fprintf(w.out, " %s", gray("phase "+string(view.Phase)))
		}
		fmt.Fprintln(w.out)
	}

	if view.Version <= w.settleAfter {
		return false, nil
	}
	switch view.Status {
	case deck.HookError:
		return true, fmt.Errorf("session %s failed: %s", view.ArtifactID, view.Error)
	case deck.HookReady:
		if w.followUp == "" {
			w.printSummary(view)
			return true, nil
		}
		text := w.followUp
		w.followUp = ""
		w.settleAfter = w.orch.Store().Version()
		fmt.Fprintf(w.out, "%s sending follow-up\n", gray("──"))
		if err := w.orch.SubmitFollowUp(ctx, text); err != nil {
			return true, fmt.Errorf("follow-up: %w", err)
		}
	}
	return false, nil
}

func (w *watcher) printLogs() {
	for _, entry := range w.orch.Store().Snapshot().Logs {
		// Pending entries print once the backend confirms them.
		if entry.Pending {
			continue
		}
		key := logKey(entry)
		if _, ok := w.printed[key]; ok {
			continue
		}
		w.printed[key] = struct{}{}
		fmt.Fprintln(w.out, formatLog(entry))
	}
}

func (w *watcher) printSlides() {
	snapshot := w.orch.Store().Snapshot()
	done := completeSlides(snapshot.Slides)
	if done == w.lastSlides {
		return
	}
	w.lastSlides = done
	total := snapshot.Session.TotalSlides
	if total < len(snapshot.Slides) {
		total = len(snapshot.Slides)
	}
	fmt.Fprintf(w.out, "%s slides %d/%d\n", gray("──"), done, total)
}

func (w *watcher) printSummary(view orchestrator.View) {
	snapshot := w.orch.Store().Snapshot()
	phases := make([]string, 0, len(view.CompletedPhases))
	for _, p := range view.CompletedPhases {
		phases = append(phases, string(p))
	}
	fmt.Fprintf(w.out, "%s %s ready: %d logs, %d slides", green("✓"), view.ArtifactID, len(snapshot.Logs), len(snapshot.Slides))
	if len(phases) > 0 {
		fmt.Fprintf(w.out, " (%s)", strings.Join(phases, ", "))
	}
	fmt.Fprintln(w.out)
	w.logger.Debug("watch %s settled at version %d", view.ArtifactID, view.Version)
}

func logKey(entry deck.LogEntry) string {
	if entry.ID != "" {
		return "id:" + entry.ID
	}
	return fmt.Sprintf("%s|%s|%s", entry.Author, entry.EffectiveTime().Format("20060102T150405.000"), entry.Content)
}

func newMockServerCmd(flags *globalFlags, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run an in-memory presentation backend for local development",
		Long: `mock-server serves the status, generate, history and message endpoints plus
the websocket stream from scripted scenarios. Without --scenario it serves a
demo artifact named "demo".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd, flags)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			base := logging.Configure(observabilityLogConfig(cfg))
			logger := logging.FromObservabilityWithComponent(base, "mockserver")

			scenarios := []mockserver.Scenario{mockserver.DemoScenario("demo")}
			if path := v.GetString("mock-scenario"); path != "" {
				scenarios, err = mockserver.LoadScenarios(path)
				if err != nil {
					return err
				}
			}

			server := mockserver.New(mockserver.Options{
				Token:  cfg.Token,
				Debug:  strings.EqualFold(cfg.Observability.Logging.Level, "debug"),
				Logger: logger,
			}, scenarios...)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ids := make([]string, 0, len(scenarios))
			for _, sc := range scenarios {
				ids = append(ids, sc.ArtifactID)
			}
			addr := v.GetString("mock-addr")
			fmt.Fprintf(cmd.OutOrStdout(), "%s mock backend on %s serving %s\n", green("●"), addr, strings.Join(ids, ", "))
			return server.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("scenario", "", "YAML scenario file")
	_ = v.BindPFlag("mock-addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("mock-scenario", cmd.Flags().Lookup("scenario"))
	return cmd
}
