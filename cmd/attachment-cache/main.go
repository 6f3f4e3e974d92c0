// Command attachment-cache manages a local attachment cache: it syncs
// attachments out of a saved HTML page and inspects or edits the cached
// record set.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	attachcache "github.com/wolfeidau/attachment-cache"
	"github.com/wolfeidau/attachment-cache/cache"
	"github.com/wolfeidau/attachment-cache/discover"
	"github.com/wolfeidau/attachment-cache/telemetry"
)

var version = "dev"

type globals struct {
	Dir      string `help:"Cache directory." default:"./attachments" env:"ATTACHMENT_CACHE_DIR"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"OTLP_ENDPOINT"`
	MetricsAddr  string `help:"Serve Prometheus metrics on this address (e.g. :9090)."`

	logger  *slog.Logger
	cache   *cache.Cache
	metrics *telemetry.Metrics
}

type cli struct {
	globals

	Sync   syncCmd   `cmd:"" help:"Discover and download attachments from an HTML document."`
	List   listCmd   `cmd:"" help:"List cached attachments."`
	Get    getCmd    `cmd:"" help:"Write one attachment's payload to a file or stdout."`
	Delete deleteCmd `cmd:"" help:"Delete one attachment."`
	Clear  clearCmd  `cmd:"" help:"Remove every cached attachment."`
	Usage  usageCmd  `cmd:"" help:"Show cache usage totals."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("attachment-cache"),
		kong.Description("Category-partitioned, content-deduplicated attachment cache."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	if err := c.setup(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer c.teardown()

	kctx.FatalIfErrorf(kctx.Run(&c.globals))
}

func (g *globals) setup() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", g.LogLevel, err)
	}

	g.logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(g.logger)

	if g.OTLPEndpoint != "" || g.MetricsAddr != "" {
		m, err := telemetry.Setup(context.Background(), telemetry.Config{
			ServiceName:      "attachment-cache",
			ServiceVersion:   version,
			OTLPEndpoint:     g.OTLPEndpoint,
			EnablePrometheus: g.MetricsAddr != "",
		})
		if err != nil {
			return fmt.Errorf("setting up metrics: %w", err)
		}
		g.metrics = m

		if g.MetricsAddr != "" {
			go func() {
				g.logger.Info("serving metrics", "address", g.MetricsAddr)
				if err := http.ListenAndServe(g.MetricsAddr, m.Handler()); err != nil {
					g.logger.Error("metrics server failed", "error", err)
				}
			}()
		}
	}

	ac, err := cache.New(g.Dir,
		cache.WithLogger(g.logger),
		cache.WithMetrics(g.metrics),
	)
	if err != nil {
		return err
	}
	g.cache = ac
	return nil
}

func (g *globals) teardown() {
	if err := g.cache.Close(); err != nil {
		g.logger.Warn("closing cache", "error", err)
	}
	if g.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.metrics.Shutdown(ctx); err != nil {
			g.logger.Warn("shutting down metrics", "error", err)
		}
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type syncCmd struct {
	Document string            `arg:"" help:"Path to the HTML document to scan."`
	BaseURL  string            `help:"Base URL for resolving relative payload links."`
	Selector map[string]string `help:"Selector override per category (e.g. videos='.clip')."`
}

func (s *syncCmd) Run(g *globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	f, err := os.Open(s.Document)
	if err != nil {
		return fmt.Errorf("opening document: %w", err)
	}
	defer f.Close()

	var opts []discover.HTMLOption
	if s.BaseURL != "" {
		base, err := url.Parse(s.BaseURL)
		if err != nil {
			return fmt.Errorf("parsing base URL: %w", err)
		}
		opts = append(opts, discover.WithBaseURL(base))
	}
	opts = append(opts, discover.WithLogger(g.logger))

	source, err := discover.NewHTMLSource(f, opts...)
	if err != nil {
		return err
	}

	selectors := discover.Selectors{}
	for name, sel := range s.Selector {
		category, err := attachcache.ParseCategory(name)
		if err != nil {
			return err
		}
		selectors[category] = sel
	}

	result, err := g.cache.SyncAttachments(ctx, source, cache.SyncOptions{
		Selectors: selectors,
		OnProgress: func(index, total int, title string, category attachcache.Category) {
			fmt.Printf("[%d/%d] %s (%s)\n", index+1, total, title, category)
		},
		OnError: func(err error, title string) {
			fmt.Fprintf(os.Stderr, "  failed: %s: %v\n", title, err)
		},
	})
	if err != nil {
		return err
	}

	fmt.Printf("\nsynced: %d saved, %d skipped, %d failed, %d bytes\n",
		result.Success, result.Skipped, result.Errors, result.TotalSize)
	return nil
}

type listCmd struct {
	Category string `help:"Restrict to one category (videos, audios, documents, forms)."`
}

func (l *listCmd) Run(g *globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	var categories []attachcache.Category
	if l.Category != "" {
		category, err := attachcache.ParseCategory(l.Category)
		if err != nil {
			return err
		}
		categories = append(categories, category)
	}

	recs, err := g.cache.ListFiles(ctx, categories...)
	if err != nil {
		return err
	}

	for _, rec := range recs {
		fmt.Printf("%-10d %-10s %-12s %10d  %s  %s\n",
			rec.ID, rec.Category, rec.Hash.ShortString(), rec.Size,
			rec.CreatedAt.Format(time.RFC3339), rec.Title)
	}
	fmt.Printf("%d records\n", len(recs))
	return nil
}

type getCmd struct {
	Category string `arg:"" help:"Record category."`
	ID       uint64 `arg:"" help:"Record id."`
	Output   string `short:"o" help:"Write the payload here instead of stdout."`
}

func (gc *getCmd) Run(g *globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	category, err := attachcache.ParseCategory(gc.Category)
	if err != nil {
		return err
	}

	rec, err := g.cache.GetFile(ctx, category, gc.ID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no %s record with id %d", category, gc.ID)
	}

	if gc.Output != "" {
		if err := os.WriteFile(gc.Output, rec.Blob, 0o600); err != nil {
			return fmt.Errorf("writing payload: %w", err)
		}
		fmt.Printf("wrote %d bytes to %s (%s)\n", rec.Size, gc.Output, rec.MIME)
		return nil
	}

	_, err = os.Stdout.Write(rec.Blob)
	return err
}

type deleteCmd struct {
	Category string `arg:"" help:"Record category."`
	ID       uint64 `arg:"" help:"Record id."`
}

func (d *deleteCmd) Run(g *globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	category, err := attachcache.ParseCategory(d.Category)
	if err != nil {
		return err
	}
	return g.cache.DeleteFile(ctx, category, d.ID)
}

type clearCmd struct {
	Force bool `help:"Skip the confirmation prompt." short:"f"`
}

func (cc *clearCmd) Run(g *globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	if !cc.Force {
		fmt.Print("remove every cached attachment? [y/N] ")
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("aborted")
			return nil
		}
	}
	return g.cache.ClearAll(ctx)
}

type usageCmd struct{}

func (u *usageCmd) Run(g *globals) error {
	ctx, cancel := signalContext()
	defer cancel()

	usage, err := g.cache.GetUsage(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("total: %d files, %d bytes\n", usage.TotalFiles, usage.TotalSize)
	for _, category := range attachcache.Categories() {
		cu := usage.Categories[category]
		fmt.Printf("  %-10s %d files, %d bytes\n", category, cu.Files, cu.Size)
	}
	return nil
}
