// Package main is the entry point for the compaction CLI.
//
// The CLI reads a JSONL conversation transcript, runs one of the two
// pipelines against a token budget, and writes the reduced transcript as
// JSONL. Exit code 0 means a result was produced, even when the pipeline
// fell back to lossy strategies.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/ctxkit/compactor/external"
	"github.com/ctxkit/compactor/internal/archive"
	"github.com/ctxkit/compactor/internal/compactor"
	"github.com/ctxkit/compactor/internal/compress"
	"github.com/ctxkit/compactor/internal/config"
	"github.com/ctxkit/compactor/internal/history"
	"github.com/ctxkit/compactor/internal/memory"
	"github.com/ctxkit/compactor/internal/monitoring"
	"github.com/ctxkit/compactor/internal/summarize"
	"github.com/ctxkit/compactor/internal/tokens"
)

var version = "dev" // set via -ldflags at release time

// loadEnvFiles loads .env from standard locations.
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}
	configEnv := filepath.Join(homeDir, ".config", "compactor", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}
	// Local .env can override.
	_ = godotenv.Load()
}

func main() {
	loadEnvFiles()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "compact":
			runPipeline(os.Args[2:], false)
			return
		case "compress":
			runPipeline(os.Args[2:], true)
			return
		case "recover":
			runRecover(os.Args[2:])
			return
		case "version", "-v", "--version":
			fmt.Printf("compactor %s\n", version)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}
	printHelp()
	os.Exit(2)
}

func printHelp() {
	fmt.Print(`compactor - conversation context compaction

Usage:
  compactor compact  [flags]   summarize history into a single message
  compactor compress [flags]   structure-preserving five-stage compression
  compactor recover  [flags]   print an archived snapshot from the archive db
  compactor version            print version

Flags (compact / compress):
  -config path     YAML config file (optional, defaults apply)
  -in path         input transcript JSONL (default: stdin)
  -out path        output transcript JSONL (default: stdout)
  -target n        token budget (required)
  -model name      model for token counting (overrides config)

Flags (recover):
  -config path     YAML config file naming the archive db
  -id string       archive ID (default: latest for the session)
`)
}

// loadConfig resolves the config: explicit flag, else defaults.
func loadConfig(path string) *config.Config {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// setupLogging applies the configured logger, switching to console format
// when stderr is a terminal and no explicit format was chosen.
func setupLogging(cfg *config.Config) {
	if cfg.Logging.Format == "" && term.IsTerminal(int(os.Stderr.Fd())) {
		cfg.Logging.Format = "console"
	}
	monitoring.Global(cfg.Logging)
}

func runPipeline(args []string, enhanced bool) {
	fs := flag.NewFlagSet("pipeline", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	inPath := fs.String("in", "", "input JSONL (default stdin)")
	outPath := fs.String("out", "", "output JSONL (default stdout)")
	target := fs.Int("target", 0, "token budget")
	model := fs.String("model", "", "model for token counting")
	_ = fs.Parse(args)

	if *target <= 0 {
		fmt.Fprintln(os.Stderr, "-target is required and must be positive")
		os.Exit(2)
	}

	cfg := loadConfig(*configPath)
	if *model != "" {
		cfg.Compactor.Model = *model
		cfg.Compress.Model = *model
	}
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messages := readTranscript(*inPath)
	counter := tokens.NewTiktokenCounter()
	metrics := monitoring.NewMetrics()

	var result []history.Message
	var err error
	if enhanced {
		result, err = runCompress(ctx, cfg, counter, metrics, messages, *target)
	} else {
		result, err = runCompact(ctx, cfg, counter, metrics, messages, *target)
	}
	if err != nil {
		log.Error().Err(err).Msg("pipeline failed")
		os.Exit(1)
	}
	writeTranscript(*outPath, result)
	log.Info().Interface("stats", metrics.Stats()).Msg("run metrics")
}

func runCompact(ctx context.Context, cfg *config.Config, counter tokens.Counter, metrics *monitoring.Metrics, messages []history.Message, target int) ([]history.Message, error) {
	var summarizer summarize.Summarizer
	if cfg.LLM.Provider != "" {
		summarizer = summarize.NewLLM(cfg.LLM, external.NewClient(nil))
	}

	opts := []compactor.Option{compactor.WithMetrics(metrics)}
	if cfg.Memory.Enabled {
		store := memory.NewFactStore(cfg.Memory.TTL)
		defer store.Close()
		opts = append(opts, compactor.WithFlusher(memory.NewStoreFlusher(store)))
	}

	c := compactor.New(cfg.Compactor, counter, summarizer, opts...)
	result, err := c.Compact(ctx, messages, target)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("original_tokens", result.OriginalTokens).
		Int("total_tokens", result.TotalTokens).
		Float64("ratio", result.CompressionRatio).
		Bool("fallback", result.UsedFallback).
		Msg("compact finished")
	return result.Messages, nil
}

func runCompress(ctx context.Context, cfg *config.Config, counter tokens.Counter, metrics *monitoring.Metrics, messages []history.Message, target int) ([]history.Message, error) {
	opts := []compress.Option{compress.WithMetrics(metrics)}
	if cfg.Archive.Enabled && cfg.Archive.Path != "" {
		sink, err := archive.Open(cfg.Archive.Path)
		if err != nil {
			return nil, err
		}
		defer sink.Close()
		if cfg.Archive.Retention > 0 {
			if _, err := sink.Prune(cfg.Archive.Retention); err != nil {
				log.Warn().Err(err).Msg("archive prune failed")
			}
		}
		opts = append(opts, compress.WithArchiveSink(sink))
	}

	c := compress.New(cfg.Compress, counter, opts...)
	result, err := c.Compress(ctx, messages, target)
	if err != nil {
		return nil, err
	}
	log.Info().
		Int("original_tokens", result.OriginalTokens).
		Int("total_tokens", result.TotalTokens).
		Float64("ratio", result.CompressionRatio).
		Strs("stages", result.StagesApplied).
		Msg("compress finished")
	return result.Messages, nil
}

func runRecover(args []string) {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file")
	id := fs.String("id", "", "archive ID")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	setupLogging(cfg)
	if cfg.Archive.Path == "" {
		fmt.Fprintln(os.Stderr, "archive.path is not configured")
		os.Exit(1)
	}

	sink, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		log.Error().Err(err).Msg("open archive db")
		os.Exit(1)
	}
	defer sink.Close()

	var a compress.ContextArchive
	if *id != "" {
		a, err = sink.Load(*id)
	} else {
		a, err = sink.Latest(cfg.Compress.SessionID)
	}
	if err != nil {
		log.Error().Err(err).Msg("archive not found")
		os.Exit(1)
	}
	writeTranscript("", a.Messages)
}

func readTranscript(path string) []history.Message {
	var r io.Reader = os.Stdin
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open input: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		r = f
	}
	messages, err := history.DecodeJSONL(r)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse transcript: %v\n", err)
		os.Exit(1)
	}
	return messages
}

func writeTranscript(path string, messages []history.Message) {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create output: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}
	if err := history.EncodeJSONL(w, messages); err != nil {
		fmt.Fprintf(os.Stderr, "write transcript: %v\n", err)
		os.Exit(1)
	}
}
