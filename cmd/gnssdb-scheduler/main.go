// Command gnssdb-scheduler runs the daily batch scheduler over a date
// range, invoking the configured processing command once per date.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/gnsslab/gnssdb/pkg/util/log"
	"github.com/gnsslab/gnssdb/productdb"
	"github.com/gnsslab/gnssdb/productdb/scheduler"
)

type globals struct {
	Config string `help:"Configuration file." short:"c" env:"GNSSDB_CONFIG" required:""`
}

type runCmd struct {
	Start string `help:"Override the configured start date (2006-01-02)."`
	End   string `help:"Override the configured end date."`
	Order string `help:"Override the processing order."`
}

type stopCmd struct{}
type restartCmd struct{}

var cli struct {
	globals

	Run     runCmd     `cmd:"" help:"Process the configured date range."`
	Stop    stopCmd    `cmd:"" help:"Ask running workers to stop after their current date."`
	Restart restartCmd `cmd:"" help:"Remove the stop file so workers run again."`
}

func main() {
	kctx := kong.Parse(&cli)
	kctx.FatalIfErrorf(kctx.Run(&cli.globals))
}

func load(g *globals) (productdb.Config, error) {
	cfg, err := productdb.Load(g.Config)
	if err != nil {
		return cfg, err
	}
	log.InitLogger(cfg.LogLevel)
	return cfg, nil
}

func (cmd *runCmd) Run(g *globals) error {
	cfg, err := load(g)
	if err != nil {
		return err
	}

	scfg := cfg.Scheduler
	if cmd.Start != "" {
		scfg.StartDate = cmd.Start
	}
	if cmd.End != "" {
		scfg.EndDate = cmd.End
	}
	if cmd.Order != "" {
		scfg.Order = scheduler.Order(cmd.Order)
	}
	if scfg.Command == "" {
		return errors.New("no processing command configured")
	}

	pctx, err := productdb.New(cfg)
	if err != nil {
		return err
	}
	defer pctx.Close()

	mirror := pctx.SchedulerMirror()

	cb := func(ctx context.Context, t scheduler.Task) error {
		args, err := commandArgs(t, scfg.Command)
		if err != nil {
			return err
		}
		c := exec.CommandContext(ctx, args[0], args[1:]...)
		c.Dir = t.TargetDir
		c.Stdout = os.Stdout
		c.Stderr = os.Stderr
		return c.Run()
	}

	s, err := scheduler.New(scfg, cb, mirror)
	if err != nil {
		return err
	}

	stats, err := s.Run(context.Background())
	if err != nil {
		return err
	}
	level.Info(log.Logger).Log("msg", "run finished",
		"completed", stats.Completed, "failed", stats.Failed,
		"skipped", stats.Skipped, "prereq_fails", stats.PrereqFails,
		"stop_reason", stats.StopReason)
	fmt.Printf("completed %d, failed %d, skipped %d\n",
		stats.Completed, stats.Failed, stats.Skipped)
	return nil
}

// commandArgs expands the processing command for one date and splits it
// into argv. A command expanding to nothing is an error, not a panic.
func commandArgs(t scheduler.Task, command string) ([]string, error) {
	line, err := t.Expand(command)
	if err != nil {
		return nil, err
	}
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil, errors.Errorf("command %q expands to nothing for %s",
			command, t.Date.Format("2006-01-02"))
	}
	return args, nil
}

func (cmd *stopCmd) Run(g *globals) error {
	cfg, err := load(g)
	if err != nil {
		return err
	}
	if cfg.Scheduler.StopFile == "" {
		return errors.New("no stop_file configured")
	}
	return os.WriteFile(cfg.Scheduler.StopFile, []byte("stop requested\n"), 0o644)
}

func (cmd *restartCmd) Run(g *globals) error {
	cfg, err := load(g)
	if err != nil {
		return err
	}
	if cfg.Scheduler.StopFile == "" {
		return errors.New("no stop_file configured")
	}
	err = os.Remove(cfg.Scheduler.StopFile)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
