package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robertmeta/feedpoll/config"
	"github.com/robertmeta/feedpoll/opml"
	"github.com/robertmeta/feedpoll/store"
	"github.com/urfave/cli/v2"
)

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitDataError    = 3
)

func main() {
	app := &cli.App{
		Name:    "feedpoll",
		Usage:   "Poll RSS/Atom feeds into a deduplicated article corpus",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "feedpoll.yaml",
				Usage:   "Configuration file (missing file means defaults)",
				EnvVars: []string{"FEEDPOLL_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Poll all sources on the configured interval and serve the control API",
				Action: runDaemon,
			},
			{
				Name:  "poll",
				Usage: "Run one polling round and exit",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "source",
						Aliases: []string{"s"},
						Usage:   "Poll only this feed URL",
					},
				},
				Action: pollOnce,
			},
			{
				Name:  "articles",
				Usage: "List articles",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"l"},
						Value:   50,
						Usage:   "Maximum number of articles to return",
					},
					&cli.IntFlag{
						Name:    "offset",
						Aliases: []string{"o"},
						Usage:   "Offset for pagination",
					},
					&cli.StringFlag{
						Name:  "since",
						Usage: "Show articles published since duration (e.g., 12h, 7d, 2w)",
					},
					&cli.StringFlag{
						Name:    "source",
						Aliases: []string{"s"},
						Usage:   "Filter by source feed URL",
					},
					&cli.BoolFlag{
						Name:  "db",
						Usage: "Read from the primary store instead of the mirror",
					},
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Value:   "json",
						Usage:   "Output format: json or table",
					},
				},
				Action: listArticles,
			},
			{
				Name:      "show",
				Usage:     "Show article details",
				ArgsUsage: "<article-id>",
				Action:    showArticle,
			},
			{
				Name:  "sources",
				Usage: "Manage feed sources",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List configured sources",
						Action: listSources,
					},
					{
						Name:      "add",
						Usage:     "Add a feed after checking that it can be read",
						ArgsUsage: "<feed-url>",
						Flags: []cli.Flag{
							&cli.BoolFlag{
								Name:    "discover",
								Aliases: []string{"d"},
								Usage:   "Treat the URL as a web page and add the first feed found on it",
							},
						},
						Action: addSource,
					},
					{
						Name:      "remove",
						Usage:     "Remove a source",
						ArgsUsage: "<feed-url>",
						Action:    removeSource,
					},
				},
			},
			{
				Name:      "discover",
				Usage:     "List the feeds advertised by a web page",
				ArgsUsage: "<page-url>",
				Action:    discoverFeeds,
			},
			{
				Name:      "upsert",
				Usage:     "Write selected articles to the primary store now",
				ArgsUsage: "<article-id>...",
				Action:    upsertArticles,
			},
			{
				Name:   "status",
				Usage:  "Show corpus, source and database status",
				Action: showStatus,
			},
			{
				Name:      "import",
				Usage:     "Import sources from OPML file",
				ArgsUsage: "<opml-file>",
				Action:    importOPML,
			},
			{
				Name:  "export",
				Usage: "Export sources to OPML file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file (default: stdout)",
					},
				},
				Action: exportOPML,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitGeneralError)
	}
}

func loadConfig(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Logger()
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// open loads the configuration and wires the pipeline.
func open(c *cli.Context, withImages bool) (*app, error) {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return nil, cli.Exit(err.Error(), ExitUsageError)
	}

	a, err := newApp(c.Context, cfg, logger, withImages)
	if err != nil {
		return nil, cli.Exit(err.Error(), ExitDataError)
	}
	return a, nil
}

func outputJSON(v interface{}) error {
	return writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func runDaemon(c *cli.Context) error {
	a, err := open(c, true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.Info("starting", "sources", len(a.registry.List()), "interval", a.cfg.Poll.Interval)
	if err := a.run(ctx); err != nil {
		return cli.Exit(err.Error(), ExitGeneralError)
	}
	return nil
}

func pollOnce(c *cli.Context) error {
	a, err := open(c, false)
	if err != nil {
		return err
	}
	defer a.close()

	if u := c.String("source"); u != "" {
		src, ok := a.registry.Find(u)
		if !ok {
			return cli.Exit(fmt.Sprintf("Source not configured: %s", u), ExitUsageError)
		}
		res := a.poller.PollSource(c.Context, src)
		out := map[string]interface{}{
			"source":  res.Source.FeedURL,
			"fetched": res.Fetched,
			"new":     res.New,
			"updated": res.Updated,
		}
		if res.Err != nil {
			out["error"] = res.Err.Error()
		}
		if res.StoreErr != nil {
			out["store_error"] = res.StoreErr.Error()
		}
		if err := outputJSON(out); err != nil {
			return err
		}
		if res.Failed() {
			return cli.Exit("", ExitDataError)
		}
		return nil
	}

	stats := a.poller.Round(c.Context)
	return outputJSON(map[string]interface{}{
		"round":   stats,
		"pending": a.gateway.Pending(),
		"sources": a.poller.Status(),
	})
}

func listArticles(c *cli.Context) error {
	opts, err := store.BuildQueryOptions(
		c.Int("limit"),
		c.Int("offset"),
		c.String("since"),
		c.String("source"),
	)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Invalid query options: %v", err), ExitUsageError)
	}

	format := c.String("format")
	if format != "json" && format != "table" {
		return cli.Exit("Format must be json or table", ExitUsageError)
	}

	a, err := open(c, false)
	if err != nil {
		return err
	}
	defer a.close()

	articles := a.service.Articles(opts)
	if c.Bool("db") {
		if a.store == nil {
			return cli.Exit("No primary store configured", ExitUsageError)
		}
		articles, err = a.store.Articles(c.Context, opts)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to get articles: %v", err), ExitDataError)
		}
	}

	if format == "table" {
		return writeTable(os.Stdout, articles, tableWidth())
	}

	return outputJSON(map[string]interface{}{
		"count":    len(articles),
		"limit":    opts.Limit,
		"offset":   opts.Offset,
		"articles": articles,
	})
}

func showArticle(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedpoll show <article-id>", ExitUsageError)
	}

	a, err := open(c, false)
	if err != nil {
		return err
	}
	defer a.close()

	article, ok := a.service.Article(c.Args().Get(0))
	if !ok {
		return cli.Exit("Article not found", ExitDataError)
	}
	return outputJSON(article)
}

func listSources(c *cli.Context) error {
	a, err := open(c, false)
	if err != nil {
		return err
	}
	defer a.close()

	return outputJSON(a.service.Sources())
}

func addSource(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedpoll sources add [--discover] <feed-url>", ExitUsageError)
	}

	a, err := open(c, false)
	if err != nil {
		return err
	}
	defer a.close()

	add := a.service.AddSource
	if c.Bool("discover") {
		add = a.service.AddDiscovered
	}

	src, err := add(c.Context, c.Args().Get(0))
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to add source: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"source":  src,
	})
}

func removeSource(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedpoll sources remove <feed-url>", ExitUsageError)
	}

	a, err := open(c, false)
	if err != nil {
		return err
	}
	defer a.close()

	url := c.Args().Get(0)
	if err := a.service.RemoveSource(url); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to remove source: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"success": true,
		"removed": url,
	})
}

func discoverFeeds(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedpoll discover <page-url>", ExitUsageError)
	}

	a, err := open(c, false)
	if err != nil {
		return err
	}
	defer a.close()

	page := c.Args().Get(0)
	feeds, err := a.service.DiscoverFeeds(c.Context, page)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to discover feeds: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"page":  page,
		"feeds": feeds,
	})
}

func upsertArticles(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedpoll upsert <article-id>...", ExitUsageError)
	}

	a, err := open(c, false)
	if err != nil {
		return err
	}
	defer a.close()

	n, err := a.service.UpsertSelected(c.Context, c.Args().Slice())
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to upsert articles: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"upserted":  n,
		"requested": c.NArg(),
	})
}

func showStatus(c *cli.Context) error {
	a, err := open(c, false)
	if err != nil {
		return err
	}
	defer a.close()

	st := a.service.Status()
	return outputJSON(map[string]interface{}{
		"articles": st.Articles,
		"sources":  a.service.Sources(),
		"pending":  st.Pending,
		"mirror":   a.gateway.Mirror().Path(),
		"database": a.dbStatus(c.Context),
	})
}

func importOPML(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: feedpoll import <opml-file>", ExitUsageError)
	}

	opmlPath := c.Args().Get(0)

	file, err := os.Open(opmlPath)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to open OPML file: %v", err), ExitDataError)
	}
	defer file.Close()

	sources, err := opml.Parse(file)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to parse OPML: %v", err), ExitDataError)
	}

	a, err := open(c, false)
	if err != nil {
		return err
	}
	defer a.close()

	imported, err := a.service.ImportSources(sources)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to import sources: %v", err), ExitDataError)
	}

	return outputJSON(map[string]interface{}{
		"success":  true,
		"imported": imported,
		"skipped":  len(sources) - imported,
		"total":    len(sources),
	})
}

func exportOPML(c *cli.Context) error {
	a, err := open(c, false)
	if err != nil {
		return err
	}
	defer a.close()

	sources := a.service.Sources()

	outputPath := c.String("output")
	var writer io.Writer

	if outputPath == "" {
		writer = os.Stdout
	} else {
		file, err := os.Create(outputPath)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to create output file: %v", err), ExitDataError)
		}
		defer file.Close()
		writer = file
	}

	if err := opml.Generate(writer, sources, time.Now()); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to generate OPML: %v", err), ExitDataError)
	}

	if outputPath != "" {
		return outputJSON(map[string]interface{}{
			"success": true,
			"file":    outputPath,
			"count":   len(sources),
		})
	}

	return nil
}
