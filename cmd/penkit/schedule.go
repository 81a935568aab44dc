package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/log"
	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/service"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

const reloadDebounce = 500 * time.Millisecond

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "run the scans configured in schedules until interrupted",
		Long: `schedule runs the modules listed in the schedules section of the
config file. The config file is watched and the jobs are replaced when it
changes.`,
		RunE: doSchedule,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list configured schedules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := service.JobsFromConfig(newRegistry(cmd.Context()), config.Schedules); err != nil {
				pterm.Warning.Println(err.Error())
			}
			data := pterm.TableData{{"Name", "Module", "Cron", "Every"}}
			for _, s := range config.Schedules {
				data = append(data, []string{s.Name, s.Module, s.Cron, s.Every})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	})
	return cmd
}

func doSchedule(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("penkit",
		slog.String("cmd", "schedule"),
	))

	out, err := newOutputs(ctx, "")
	if err != nil {
		return err
	}
	runs := make(chan service.Run)
	sched, err := service.NewScheduler(out.sinks(), service.WithRuns(runs))
	if err != nil {
		return err
	}

	reg := newRegistry(ctx)
	jobs, err := service.JobsFromConfig(reg, config.Schedules)
	if err != nil {
		slog.WarnContext(ctx, "some schedules are invalid", "error", err)
	}
	if err := sched.Replace(jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		pterm.Warning.Println("No schedules configured, waiting for config changes")
	}
	printNextRuns(sched)

	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.Do(ctx)
	}()
	if configPath != "" {
		go func() {
			err := service.Watch(ctx, configPath, reloadDebounce, func() {
				if err := reload(ctx, reg, sched); err != nil {
					slog.ErrorContext(ctx, "reloading schedules failed", "error", err)
					printError(err)
					return
				}
				printNextRuns(sched)
			})
			if err != nil {
				slog.ErrorContext(ctx, "watching config failed", "error", err)
			}
		}()
	}

	for {
		select {
		case r := <-runs:
			if r.Err != nil {
				pterm.Error.Printfln("%s failed after %s: %s", r.Job, r.End.Sub(r.Start).Round(time.Millisecond), r.Err)
				continue
			}
			pterm.Success.Printfln("%s finished in %s: %d hosts, %d vulnerabilities",
				r.Job, r.End.Sub(r.Start).Round(time.Millisecond), len(r.Output.Scan.Hosts), len(r.Output.Scan.Vulnerabilities))
		case err := <-errCh:
			if errors.Is(ctx.Err(), context.Canceled) {
				return err
			}
			return fmt.Errorf("scheduler stopped: %w", err)
		}
	}
}

// reload reads the config file again and replaces the scheduled jobs
func reload(ctx context.Context, reg service.Registry, sched *service.Scheduler) error {
	v, err := newSettings(configPath, penkitHome)
	if err != nil {
		return err
	}
	cfg, err := model.ValidateSettings(v.AllSettings())
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.ErrorContext(ctx, d.String(), d.Attr("config"))
		}
		return fmt.Errorf("%w: %w", model.ErrConfiguration, err)
	}
	jobs, jerr := service.JobsFromConfig(reg, cfg.Schedules)
	if err := sched.Replace(jobs); err != nil {
		return err
	}
	slog.InfoContext(ctx, "schedules reloaded", "jobs", sched.Jobs())
	return jerr
}

func printNextRuns(sched *service.Scheduler) {
	for _, name := range sched.Jobs() {
		next, err := sched.NextRun(name)
		if err != nil || next.IsZero() {
			pterm.Info.Printfln("%s scheduled", name)
			continue
		}
		pterm.Info.Printfln("%s next run at %s", name, next.Format(time.DateTime))
	}
}
