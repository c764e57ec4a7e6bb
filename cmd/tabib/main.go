package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chriskillpack/tabib"
	"github.com/chriskillpack/tabib/internal/config"
	"github.com/chriskillpack/tabib/internal/imaging"
	"github.com/chriskillpack/tabib/internal/logging"
	"github.com/chriskillpack/tabib/locale"
)

var (
	configPath   = flag.String("config", "", "Path to a YAML config file")
	envFile      = flag.String("env", ".env", "Environment file to load, ignored if missing")
	port         = flag.String("port", "", "Port to listen on")
	blipServer   = flag.String("blip", "", "BLIP VQA inference endpoint, e.g. https://api-inference.huggingface.co/models/Salesforce/blip-vqa-base")
	blipToken    = flag.String("blip-token", "", "Bearer token for the BLIP endpoint")
	llamaServer  = flag.String("llama", "", "Address of running llama server, typically http://localhost:8080")
	llamaSeed    = flag.Int("seed", 385480504, "Random seed to llama")
	ollamaServer = flag.String("ollama", "", "Address of running ollama server, typically http://localhost:11434")
	ollamaModel  = flag.String("ollama-model", "", "Ollama vision model, defaults to llava")
	openAI       = flag.Bool("openai", false, "Use OpenAI, the key is read from OPENAI_API_KEY")
	openAIModel  = flag.String("openai-model", "", "OpenAI model")
	dbPath       = flag.String("db", "", "Path to the usage ledger, no ledger when empty")
	batchDir     = flag.String("batch", "", "Analyze every image under this directory and exit")
	lang         = flag.String("lang", "", "Output language for batch mode, en or ar")
	modality     = flag.String("modality", "", "Image modality for batch mode: xray, ct, mri, ultrasound or photo")
	question     = flag.String("question", "", "Question to ask about each image in batch mode")
	count        = flag.Int("count", -1, "Number of images to process in batch mode")
	logLevel     = flag.String("log-level", "", "Log level: debug, info, warn or error")
)

const shutdownGrace = 30 * time.Second

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "blip":
			cfg.Backend.Blip = *blipServer
		case "blip-token":
			cfg.Backend.BlipToken = *blipToken
		case "llama":
			cfg.Backend.Llama = *llamaServer
		case "seed":
			cfg.Backend.LlamaSeed = *llamaSeed
		case "ollama":
			cfg.Backend.Ollama = *ollamaServer
		case "ollama-model":
			cfg.Backend.OllamaModel = *ollamaModel
		case "openai":
			cfg.Backend.OpenAI = *openAI
		case "openai-model":
			cfg.Backend.OpenAIModel = *openAIModel
		case "db":
			cfg.App.DBPath = *dbPath
		case "lang":
			cfg.App.Language = *lang
		case "modality":
			cfg.App.Modality = *modality
		case "log-level":
			cfg.App.LogLevel = *logLevel
		}
	})
}

func run(ctx, drain context.Context, cfg *config.Config, logger *zap.Logger) error {
	t, err := tabib.Init(tabib.InitOptions{
		BlipServer:   cfg.Backend.Blip,
		BlipToken:    cfg.Backend.BlipToken,
		LlamaServer:  cfg.Backend.Llama,
		LlamaSeed:    cfg.Backend.LlamaSeed,
		OllamaServer: cfg.Backend.Ollama,
		OllamaModel:  cfg.Backend.OllamaModel,
		OpenAI:       cfg.Backend.OpenAI,
		OpenAIModel:  cfg.Backend.OpenAIModel,
		HttpClient: &http.Client{
			Timeout: cfg.Backend.HTTPTimeout,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	var db *tabib.DB
	if cfg.App.DBPath != "" {
		if db, err = tabib.NewDB(ctx, cfg.App.DBPath); err != nil {
			return err
		}
		defer db.Close()
	}

	a := tabib.NewAnalyzer(t.Describer, tabib.AnalyzerOptions{
		Timeout: cfg.App.AnalysisTimeout,
		DB:      db,
		Logger:  logger,
	})

	if *batchDir != "" {
		// Batch mode needs the model right away.
		if !t.IsHealthy(ctx) {
			return fmt.Errorf("%s server is not responding", t.Name())
		}
		l, err := locale.Parse(cfg.App.Language)
		if err != nil {
			return err
		}
		return runBatch(ctx, drain, a, batchOptions{
			Root:        *batchDir,
			Language:    l,
			Modality:    imaging.ParseModality(cfg.App.Modality),
			Question:    *question,
			Concurrency: cfg.App.BatchConcurrency,
			Count:       *count,
			Out:         os.Stdout,
			Progress:    os.Stderr,
		})
	}

	// The page reports the model status, a model that is still loading is
	// not fatal.
	if !t.IsHealthy(ctx) {
		logger.Warn("describer is not responding", zap.String("describer", t.Name()))
	}

	srv := NewServer(a, db, cfg.Server, logger)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-drain.Done():
		case <-gctx.Done():
		}
		// A second SIGINT cancels ctx and cuts the grace period short.
		sctx, cancel := context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

func sighandler(ch chan os.Signal, drain, cancel context.CancelFunc) {
	lameduck := false
	for {
		<-ch
		if lameduck {
			// Already in lame duck, hard stop
			fmt.Println("Exiting")
			cancel()
			return
		}
		fmt.Println("SIGINT received, stopping...")
		lameduck = true
		drain()
	}
}

func main() {
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	applyFlags(cfg)

	logger, err := logging.New(cfg.App.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	drain, stop := context.WithCancel(ctx)
	defer stop()
	go sighandler(sigch, stop, cancel)

	if err := run(ctx, drain, cfg, logger); err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
}
