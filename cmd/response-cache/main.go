// Command response-cache serves, fetches into and maintains a disk-backed
// response cache.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	responsecache "github.com/wolfeidau/response-cache"
	"github.com/wolfeidau/response-cache/cache"
	"github.com/wolfeidau/response-cache/lifecycle"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config    kong.ConfigFlag  `help:"TOML configuration file." type:"existingfile" env:"RESPONSE_CACHE_CONFIG"`
	Version   kong.VersionFlag `help:"Print version and exit."`
	LogLevel  string           `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"RESPONSE_CACHE_LOG_LEVEL"`
	LogFormat string           `help:"Log format." default:"text" enum:"text,json" env:"RESPONSE_CACHE_LOG_FORMAT"`
	LogFile   string           `help:"Write logs to a rotated file instead of stderr." type:"path"`

	Root       string `help:"Cache root directory (default: <user cache dir>/AGKCache)." type:"path" env:"RESPONSE_CACHE_ROOT"`
	MaxSize    string `help:"Byte budget enforced by trim, e.g. 10MiB." default:"10MiB" env:"RESPONSE_CACHE_MAX_SIZE"`
	Scale      int    `help:"Display density for image entries (1, 2 or 3)." default:"1"`
	Digest     string `help:"Digest naming entry directories." default:"blake3" enum:"blake3,sha1,sha256"`
	TrimPolicy string `help:"When lifecycle events trim the cache." default:"on-transition" enum:"on-transition,none"`
	Index      string `help:"URL index file (default: <root>.index.db)." type:"path"`
	NoIndex    bool   `help:"Disable the URL index."`
}

// CLI is the command line interface.
type CLI struct {
	Globals

	Serve ServeCmd `cmd:"" help:"Run the HTTP front end."`
	Get   GetCmd   `cmd:"" help:"Fetch a URL through the cache."`
	Stat  StatCmd  `cmd:"" help:"Show the cache entry for a URL."`
	Rm    RmCmd    `cmd:"" help:"Delete cache entries."`
	Trim  TrimCmd  `cmd:"" help:"Drop expired entries and evict down to the byte budget."`
	Ls    LsCmd    `cmd:"" help:"List cache entries."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("response-cache"),
		kong.Description("A disk-backed, TTL and size bounded response cache."),
		kong.UsageOnError(),
		kong.Configuration(TOML),
		kong.Vars{"version": version},
	)

	logger, closeLog, err := newLogger(cli.LogLevel, cli.LogFormat, cli.LogFile)
	ctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	err = ctx.Run(&cli.Globals, logger)
	_ = closeLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cacheConfig builds the cache configuration from the global flags.
func (g *Globals) cacheConfig(logger *slog.Logger) (cache.Config, error) {
	cfg := cache.DefaultConfig()
	cfg.Logger = logger
	cfg.Scale = g.Scale

	root := g.Root
	if root == "" {
		r, err := cache.DefaultRoot()
		if err != nil {
			return cfg, err
		}
		root = r
	}
	cfg.Root = root

	maxSize, err := humanize.ParseBytes(g.MaxSize)
	if err != nil {
		return cfg, fmt.Errorf("invalid max size %q: %w", g.MaxSize, err)
	}
	if maxSize == 0 {
		return cfg, fmt.Errorf("max size must be positive")
	}
	cfg.MaxSize = int64(maxSize)

	alg, err := responsecache.ParseAlgorithm(g.Digest)
	if err != nil {
		return cfg, err
	}
	cfg.Digest = alg

	policy, ok := lifecycle.ParsePolicy(g.TrimPolicy)
	if !ok {
		return cfg, fmt.Errorf("invalid trim policy %q", g.TrimPolicy)
	}
	cfg.TrimPolicy = policy

	if !g.NoIndex {
		cfg.IndexPath = g.Index
		if cfg.IndexPath == "" {
			cfg.IndexPath = filepath.Clean(root) + ".index.db"
		}
	}
	return cfg, nil
}

// openCache opens the cache described by the global flags.
func (g *Globals) openCache(logger *slog.Logger, mutate ...func(*cache.Config)) (*cache.Cache, error) {
	cfg, err := g.cacheConfig(logger)
	if err != nil {
		return nil, err
	}
	for _, m := range mutate {
		m(&cfg)
	}
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(cfg.Root)), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache parent dir: %w", err)
	}
	c, err := cache.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	return c, nil
}
