// Command sre-debate runs one multi-agent root-cause debate session over
// an incident description and prints its final result.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sredebate/engine/internal/config"
	"github.com/sredebate/engine/internal/obslog"
	"github.com/sredebate/engine/internal/sessionsvc"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		title      string
		summary    string
		service    string
		environment string
		logPath    string
	)

	root := &cobra.Command{
		Use:   "sre-debate",
		Short: "Run a multi-agent SRE root-cause debate over an incident",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start an investigation and block until it reaches a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvestigation(cmd.Context(), investigationArgs{
				configPath:  configPath,
				title:       title,
				summary:     summary,
				service:     service,
				environment: environment,
				logPath:     logPath,
			})
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML configuration overlay (optional)")
	runCmd.Flags().StringVar(&title, "title", "", "short incident title")
	runCmd.Flags().StringVar(&summary, "summary", "", "incident summary")
	runCmd.Flags().StringVar(&service, "service", "", "affected service name")
	runCmd.Flags().StringVar(&environment, "environment", "production", "affected environment")
	runCmd.Flags().StringVar(&logPath, "log-file", "", "path to a raw log excerpt file")
	_ = runCmd.MarkFlagRequired("title")
	_ = runCmd.MarkFlagRequired("summary")

	root.AddCommand(runCmd, newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("sre-debate (development build)")
		},
	}
}

type investigationArgs struct {
	configPath  string
	title       string
	summary     string
	service     string
	environment string
	logPath     string
}

func runInvestigation(ctx context.Context, a investigationArgs) error {
	process := obslog.NewProcessLogger()

	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			process.Error("failed to load configuration", "error", err)
			return err
		}
		cfg = loaded
	}

	var logContent string
	if a.logPath != "" {
		raw, err := os.ReadFile(a.logPath)
		if err != nil {
			process.Error("failed to read log file", "error", err)
			return err
		}
		logContent = string(raw)
	}

	svc := sessionsvc.New(cfg, sessionsvc.Deps{
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
	})

	sess := svc.Create(sessionsvc.Incident{
		Title:       a.title,
		Description: a.summary,
		Service:     a.service,
		Environment: a.environment,
		LogContent:  logContent,
	})

	events, unsubscribe := svc.Dispatcher().Subscribe(sess.ID, 0)
	defer unsubscribe()
	go func() {
		for ev := range events {
			process.Info("event", "type", string(ev.Type), "phase", string(ev.Phase), "agent", ev.AgentName)
		}
	}()

	if err := svc.Start(ctx, sess.ID); err != nil {
		process.Error("session run failed", "error", err, "status", string(sess.Status), "error_code", string(sess.ErrorCode))
		return err
	}

	out, err := json.MarshalIndent(struct {
		SessionID string                 `json:"session_id"`
		Status    string                 `json:"status"`
		ErrorCode string                 `json:"error_code,omitempty"`
		Result    interface{}            `json:"final_result,omitempty"`
	}{
		SessionID: sess.ID,
		Status:    string(sess.Status),
		ErrorCode: string(sess.ErrorCode),
		Result:    sess.Result,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
