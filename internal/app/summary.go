package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	brcfg "estrader/internal/config"
)

type StartupSummary struct {
	Session  SessionSummary
	Calendar CalendarSummary
	Broker   string
	Capture  string
	Oracle   string
	HTTPAddr string
	Prompts  map[string]string
}

type SessionSummary struct {
	Symbol         string
	Timezone       string
	Window         string
	NoNewTrades    []string
	ForceClose     string
	DefaultSeconds int
	Schedule       []string
	RunnerTarget   int
}

type CalendarSummary struct {
	Holidays string
	Events   string
}

func newStartupSummary(cfg *brcfg.Config, cal Calendar) *StartupSummary {
	s := &StartupSummary{
		Session: SessionSummary{
			Symbol:         cfg.Session.Symbol,
			Timezone:       cfg.Session.Timezone,
			Window:         cfg.Session.BeginTime + "-" + cfg.Session.EndTime,
			NoNewTrades:    cfg.Session.NoNewTrades,
			ForceClose:     cfg.Session.ForceCloseTime,
			DefaultSeconds: cfg.Session.DefaultIntervalSeconds,
			RunnerTarget:   cfg.Position.RunnerTargetSize,
		},
		Broker:   cfg.Broker.Mode,
		Capture:  cfg.Capture.Mode,
		Oracle:   cfg.Oracle.Model,
		HTTPAddr: cfg.App.HTTPAddr,
		Prompts: map[string]string{
			"system": cfg.Oracle.SystemPrompt,
			"none":   cfg.Oracle.Prompts.Flat,
			"long":   cfg.Oracle.Prompts.Long,
			"short":  cfg.Oracle.Prompts.Short,
			"runner": cfg.Oracle.Prompts.Runner,
		},
	}
	for _, r := range cfg.Session.Schedule {
		s.Session.Schedule = append(s.Session.Schedule, r.Range+"="+r.Interval)
	}
	s.Calendar.Holidays = "disabled"
	if cal.Holidays != nil {
		week := cal.Holidays.Week()
		s.Calendar.Holidays = fmt.Sprintf("week %s~%s, %d special days", week.WeekStart, week.WeekEnd, len(week.Holidays))
	}
	s.Calendar.Events = "disabled"
	if cal.Events != nil {
		week := cal.Events.Week()
		s.Calendar.Events = fmt.Sprintf("week %s~%s, %d events", week.WeekStart, week.WeekEnd, len(week.Events))
	}
	return s
}

func (s *StartupSummary) Print() { s.Fprint(os.Stdout) }

func (s *StartupSummary) Fprint(w io.Writer) {
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[交易时段 (SESSION)]")
	fmt.Fprintf(w, "  合约: %s (%s)\n", s.Session.Symbol, orDash(s.Session.Timezone))
	fmt.Fprintf(w, "  时段: %s\n", s.Session.Window)
	fmt.Fprintf(w, "  禁止开仓: %s\n", formatList(s.Session.NoNewTrades))
	fmt.Fprintf(w, "  强平时间: %s\n", orDash(s.Session.ForceClose))
	fmt.Fprintf(w, "  默认间隔: %ds\n", s.Session.DefaultSeconds)
	fmt.Fprintf(w, "  分时间隔: %s\n", formatList(s.Session.Schedule))
	fmt.Fprintf(w, "  Runner 手数: %d\n", s.Session.RunnerTarget)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[日历 (CALENDAR)]")
	fmt.Fprintf(w, "  节假日: %s\n", s.Calendar.Holidays)
	fmt.Fprintf(w, "  经济事件: %s\n", s.Calendar.Events)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[依赖 (GATEWAYS)]")
	fmt.Fprintf(w, "  券商: %s\n", orDash(s.Broker))
	fmt.Fprintf(w, "  截图: %s\n", orDash(s.Capture))
	fmt.Fprintf(w, "  模型: %s\n", orDash(s.Oracle))
	fmt.Fprintf(w, "  HTTP: %s\n", orDash(s.HTTPAddr))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[提示词 (PROMPTS)]")
	for _, name := range []string{"system", "none", "long", "short", "runner"} {
		content := s.Prompts[name]
		if strings.TrimSpace(content) == "" {
			fmt.Fprintf(w, "  [%s] (未配置)\n", name)
			continue
		}
		preview := content
		if lines := strings.Split(content, "\n"); len(lines) > 3 {
			preview = strings.Join(lines[:3], "\n") + "\n... (truncated)"
		}
		fmt.Fprintf(w, "  [%s]\n    %s\n", name, strings.ReplaceAll(preview, "\n", "\n    "))
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
