// Command gnssdb-fetch requests GNSS reference products through the
// configured archives and cache.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"

	"github.com/gnsslab/gnssdb/pkg/util/log"
	"github.com/gnsslab/gnssdb/productdb"
	"github.com/gnsslab/gnssdb/productdb/archive"
	"github.com/gnsslab/gnssdb/productdb/archive/local"
	"github.com/gnsslab/gnssdb/productdb/cache"
	"github.com/gnsslab/gnssdb/productdb/catalog"
	"github.com/gnsslab/gnssdb/productdb/request"
	"github.com/gnsslab/gnssdb/productdb/resolver"
)

// exit codes reported to callers scripting around the fetcher
const (
	exitOK          = 0
	exitError       = 1
	exitPending     = 2
	exitDelayed     = 3
	exitUnavailable = 4
)

type globals struct {
	Config string `help:"Configuration file." short:"c" env:"GNSSDB_CONFIG" required:""`
}

type fetchCmd struct {
	Date       string `help:"Day to fetch (2006-01-02)." required:""`
	EndDate    string `help:"Last day of the span; defaults to --date."`
	Type       string `help:"Product type, e.g. ORB." required:""`
	Subtype    string `help:"Subtype, NAME+ for this priority or higher, empty for all with priority > 0."`
	Station    string `help:"Station code for station-bound products."`
	Job        string `help:"Job id owning the request." default:"cli"`
	TargetDir  string `help:"Directory the files are delivered to."`
	Archive    string `help:"Restrict resolution to this archive."`
	NoQueue    bool   `help:"Do not keep the request queued."`
	NoDownload bool   `help:"Only queue and predict, do not download."`
}

type listTypesCmd struct{}

var cli struct {
	globals

	Fetch     fetchCmd     `cmd:"" help:"Fetch one product request."`
	ListTypes listTypesCmd `cmd:"" name:"list-types" help:"Print the product catalog."`
}

func main() {
	kctx := kong.Parse(&cli)
	kctx.FatalIfErrorf(kctx.Run(&cli.globals))
}

func open(g *globals, onlyArchive string) (*productdb.Context, error) {
	cfg, err := productdb.Load(g.Config)
	if err != nil {
		return nil, err
	}
	log.InitLogger(cfg.LogLevel)

	if onlyArchive != "" {
		var kept []archive.Config
		for _, a := range cfg.Archives {
			if a.Name == onlyArchive {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			return nil, errors.Errorf("unknown archive %q", onlyArchive)
		}
		cfg.Archives = kept
	}

	return productdb.New(cfg)
}

func (cmd *fetchCmd) Run(g *globals) error {
	pctx, err := open(g, cmd.Archive)
	if err != nil {
		return err
	}
	defer pctx.Close() // the success path exits via exitCode and closes itself

	start, err := time.Parse("2006-01-02", cmd.Date)
	if err != nil {
		return errors.Wrap(err, "date")
	}
	end := start
	if cmd.EndDate != "" {
		if end, err = time.Parse("2006-01-02", cmd.EndDate); err != nil {
			return errors.Wrap(err, "end date")
		}
	}

	req := &request.Request{
		JobID:   cmd.Job,
		Type:    cmd.Type,
		Subtype: cmd.Subtype,
		Station: cmd.Station,
		Start:   start,
		End:     end,
	}

	var target archive.Archive
	if cmd.TargetDir != "" {
		common, err := archive.NewCommon(archive.Config{Name: "target"}, pctx.Catalog)
		if err != nil {
			return err
		}
		if target, err = local.New(local.Config{Path: cmd.TargetDir}, common); err != nil {
			return err
		}
	}

	ctx := context.Background()
	if err := pctx.Connect(ctx); err != nil {
		level.Warn(log.Logger).Log("msg", "archive connect failed", "err", err)
	}

	var next time.Time
	if pctx.Cache != nil {
		next, err = pctx.Cache.GetData(ctx, req, target, cache.Options{
			Download: !cmd.NoDownload,
			Queue:    !cmd.NoQueue,
		})
		if err != nil {
			return err
		}
	} else {
		if target == nil {
			return errors.New("no cache configured, a --target-dir is required")
		}
		o := pctx.Resolver.Resolve(ctx, req, resolver.Sink{
			Archive: target,
			Map: func(s catalog.FileSpec) catalog.FileSpec {
				s.Path = ""
				return s
			},
		})
		req.Status = o.Status
		req.SuppliedSubtype = o.SuppliedSubtype
		req.AvailableDate = o.AvailableDate
		req.Message = o.Message
	}

	fmt.Printf("status: %s\n", req.Status)
	if req.SuppliedSubtype != "" {
		fmt.Printf("supplied subtype: %s\n", req.SuppliedSubtype)
	}
	if !next.IsZero() {
		fmt.Printf("next check: %s\n", next.UTC().Format(time.RFC3339))
	}
	if req.Message != "" {
		fmt.Printf("message: %s\n", req.Message)
	}

	_ = pctx.Close()
	os.Exit(exitCode(req.Status))
	return nil
}

func exitCode(st request.Status) int {
	switch st {
	case request.StatusCompleted:
		return exitOK
	case request.StatusPending, request.StatusRequested:
		return exitPending
	case request.StatusDelayed:
		return exitDelayed
	case request.StatusUnavailable:
		return exitUnavailable
	default:
		return exitError
	}
}

func (cmd *listTypesCmd) Run(g *globals) error {
	pctx, err := open(g, "")
	if err != nil {
		return err
	}
	defer pctx.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Type", "Subtype", "Priority", "Cadence", "Latency", "Filename")
	for _, typ := range pctx.Catalog.Types() {
		for _, pt := range pctx.Catalog.Subtypes(typ) {
			if err := table.Append(
				pt.Type, pt.Subtype,
				fmt.Sprintf("%d", pt.Priority),
				pt.Cadence.String(),
				pt.Latency.String(),
				pt.Filename.String(),
			); err != nil {
				return err
			}
		}
	}
	return table.Render()
}
