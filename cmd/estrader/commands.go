package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"estrader/internal/agent"
	"estrader/internal/app"
	brcfg "estrader/internal/config"
	"estrader/internal/logger"
	"estrader/internal/trace"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "estrader",
		Short:         "Intraday futures session orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env 缺失不是错误
			_ = godotenv.Load(opts.envFile)
			if opts.configPath == "" {
				opts.configPath = os.Getenv("ESTRADER_CONFIG")
			}
			if opts.configPath == "" {
				opts.configPath = "configs/config.yaml"
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path (env ESTRADER_CONFIG)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before config")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newWindowCmd(opts))
	root.AddCommand(newCalendarCmd(opts))
	return root
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator, reconciler, calendar refresher and HTTP control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := brcfg.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("读取配置失败: %w", err)
			}
			closers, err := setupOutputs(cfg.App)
			if err != nil {
				return err
			}
			defer closeAll(closers)

			if err := trace.Init(cfg.App.Tracing, nil); err != nil {
				logger.Warnf("[trace] 初始化失败: %v", err)
			}
			defer func() {
				shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = trace.Shutdown(shCtx)
			}()
			logger.Infof("✓ 配置加载成功（环境=%s，合约=%s，券商=%s）", cfg.App.Env, cfg.Session.Symbol, cfg.Broker.Mode)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.NewApp(cfg, brcfg.NewWatcher(opts.configPath, cfg))
			if err != nil {
				return fmt.Errorf("初始化应用失败: %w", err)
			}
			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("运行失败: %w", err)
			}
			return nil
		},
	}
}

func newWindowCmd(opts *rootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "window",
		Short: "Print the admissibility verdict for a timestamp using the cached calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := brcfg.Load(opts.configPath)
			if err != nil {
				return err
			}
			loc, err := cfg.Session.Location()
			if err != nil {
				return err
			}
			ts := time.Now()
			if strings.TrimSpace(at) != "" {
				if ts, err = parseAt(at, loc); err != nil {
					return err
				}
			}
			cal, err := app.BuildCalendar(cfg)
			if err != nil {
				return err
			}
			orch := agent.NewOrchestrator(agent.OrchestratorParams{
				Config:   agent.StaticConfig{Config: cfg},
				Holidays: cal.Holidays,
				Events:   cal.Events,
			})
			v, events, err := orch.Verdict(ts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n", ts.In(loc).Format("2006-01-02 15:04 MST"), cfg.Session.Symbol)
			return printJSON(out, map[string]any{"verdict": v, "events": events})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", `timestamp, RFC3339 or "2006-01-02T15:04:05" in session timezone`)
	return cmd
}

func newCalendarCmd(opts *rootOptions) *cobra.Command {
	calCmd := &cobra.Command{
		Use:   "calendar",
		Short: "Holiday and economic event calendar management",
	}
	calCmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Force a calendar refresh and print the cached week",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := brcfg.Load(opts.configPath)
			if err != nil {
				return err
			}
			cal, err := app.BuildCalendar(cfg)
			if err != nil {
				return err
			}
			if cal.Refresher == nil {
				return fmt.Errorf("no calendar source configured (holidays/events source_file or feed_url)")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			refreshErr := cal.Refresher.RefreshNow(ctx, true)

			week := map[string]any{}
			if cal.Holidays != nil {
				week["holidays"] = cal.Holidays.Week()
			}
			if cal.Events != nil {
				week["events"] = cal.Events.Week()
			}
			if err := printJSON(cmd.OutOrStdout(), week); err != nil {
				return err
			}
			return refreshErr
		},
	})
	return calCmd
}

var atLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"}

// parseAt 接受 RFC3339；不带时区的时间按交易时区解释。
func parseAt(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	for _, layout := range atLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid --at %q", raw)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// setupOutputs 把日志同时写到 stdout 与 log_path，并按配置打开模型交互日志。
func setupOutputs(cfg brcfg.AppConfig) ([]io.Closer, error) {
	var closers []io.Closer
	if f, err := openAppend(cfg.LogPath); err != nil {
		return nil, fmt.Errorf("初始化日志文件失败: %w", err)
	} else if f != nil {
		mw := io.MultiWriter(os.Stdout, f)
		log.SetOutput(mw)
		logger.SetOutput(mw)
		closers = append(closers, f)
	}
	logger.SetLLMWriter(nil)
	if cfg.LLMDump {
		f, err := openAppend(cfg.LLMLog)
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("初始化 LLM 日志失败: %w", err)
		}
		if f != nil {
			logger.SetLLMWriter(f)
			closers = append(closers, f)
		}
	}
	logger.SetLevel(cfg.LogLevel)
	logger.EnableLLMPayloadDump(cfg.LLMDump)
	return closers, nil
}

func openAppend(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	if dir := filepath.Dir(trimmed); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
