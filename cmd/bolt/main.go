package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-bolt/internal/config"
	"github.com/23skdu/longbow-bolt/internal/engine"
	"github.com/23skdu/longbow-bolt/internal/logger"
	"github.com/23skdu/longbow-bolt/internal/model"
	"github.com/23skdu/longbow-bolt/internal/sampler"
	"github.com/23skdu/longbow-bolt/internal/weightsource"
)

var (
	weightsPath = flag.String("weights", "", "Path to an Arrow IPC tensor file")
	flightAddr  = flag.String("flight", "", "Arrow Flight address to fetch tensors from")
	flightName  = flag.String("flight-ticket", "default", "Flight ticket naming the tensor set")
	randomSeed  = flag.Int64("random-seed", 0, "Initialize random weights with this seed instead of loading")

	dim       = flag.Int("dim", 64, "Model dimension")
	hiddenDim = flag.Int("hidden-dim", 256, "FFN hidden dimension")
	layers    = flag.Int("layers", 2, "Number of transformer layers")
	heads     = flag.Int("heads", 4, "Number of attention heads")
	kvHeads   = flag.Int("kv-heads", 2, "Number of KV heads (GQA)")
	vocab     = flag.Int("vocab", 100, "Vocabulary size")

	quantBits = flag.Int("quant-bits", 8, "Weight quantization bits (4 or 8)")
	groupSize = flag.Int("group-size", 64, "Quantization group size")

	prompt      = flag.String("prompt", "1,2,3", "Comma-separated prompt token ids")
	numTokens   = flag.Int("n", 20, "Number of tokens to generate")
	temperature = flag.Float64("temp", 0, "Sampling temperature (0 = greedy)")
	topK        = flag.Int("top-k", 0, "Top-K truncation (0 = off)")
	topP        = flag.Float64("top-p", 0, "Nucleus sampling threshold (0 = off)")
	seed        = flag.Int64("seed", 0, "Sampling seed (0 = time-based)")

	speculative = flag.Bool("speculative", false, "Enable speculative decoding")
	draftTokens = flag.Int("draft-tokens", 4, "Draft candidates per speculative round")

	observe = flag.Bool("observe", false, "Log activation checkpoints every layer")

	logLevel    = flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	logFormat   = flag.String("log-format", "text", "Log format (text or json)")
	metricsAddr = flag.String("metrics", ":9090", "Address to serve Prometheus metrics")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)
	log := logger.Log.With("bolt")

	cfg := config.Default()
	cfg.Dim = *dim
	cfg.HiddenDim = *hiddenDim
	cfg.Layers = *layers
	cfg.Heads = *heads
	cfg.KVHeads = *kvHeads
	cfg.HeadDim = *dim / *heads
	cfg.VocabSize = *vocab
	cfg.QuantBits = *quantBits
	cfg.GroupSize = *groupSize
	cfg.UseSpeculative = *speculative
	cfg.DraftTokens = *draftTokens
	cfg.Seed = *seed
	if *observe {
		cfg.CheckpointInterval = 1
	}

	var opts []engine.Option
	if *observe {
		opts = append(opts, engine.WithObserver(model.LogObserver{Log: log}))
	}

	eng, err := engine.New(cfg, opts...)
	if err != nil {
		log.Error("engine construction failed", "error", err.Error())
		os.Exit(1)
	}

	if err := loadWeights(eng, log); err != nil {
		log.Error("weight loading failed", "error", err.Error())
		os.Exit(1)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", eng.MetricsHandler())
		log.Info("metrics serving", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			log.Warn("metrics server stopped", "error", err.Error())
		}
	}()

	promptTokens, err := parsePrompt(*prompt)
	if err != nil {
		log.Error("bad prompt", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	params := sampler.Params{
		Temperature: *temperature,
		TopK:        *topK,
		TopP:        *topP,
		Seed:        *seed,
	}

	start := time.Now()
	out, err := eng.Generate(ctx, promptTokens, *numTokens, params)
	elapsed := time.Since(start)
	if err != nil {
		log.Error("generation failed", "error", err.Error(), "partial", len(out))
		os.Exit(1)
	}

	stats := eng.Stats()
	log.Info("generation complete",
		"tokens", len(out),
		"elapsed", elapsed.String(),
		"tokens_per_second", stats.TokensPerSecond,
		"acceptance_rate", stats.AcceptanceRate,
		"cache_bytes", stats.CacheBytes,
	)
	fmt.Println(formatTokens(out))
}

func loadWeights(eng *engine.Engine, log *logger.Logger) error {
	switch {
	case *flightAddr != "":
		src := weightsource.NewFlightSource(*flightAddr, *flightName)
		if err := src.Connect(); err != nil {
			return err
		}
		defer src.Close()
		tensors, err := src.Fetch(context.Background())
		if err != nil {
			return err
		}
		return eng.LoadWeights(tensors)

	case *weightsPath != "":
		f, err := os.Open(*weightsPath)
		if err != nil {
			return err
		}
		defer f.Close()
		tensors, err := weightsource.ReadIPC(f)
		if err != nil {
			return err
		}
		return eng.LoadWeights(tensors)

	default:
		log.Warn("no weights source given, using random weights", "seed", *randomSeed)
		return eng.LoadRandom(*randomSeed)
	}
}

func parsePrompt(s string) ([]uint32, error) {
	parts := strings.Split(s, ",")
	tokens := make([]uint32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token %q: %w", p, err)
		}
		tokens = append(tokens, uint32(v))
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty prompt")
	}
	return tokens, nil
}

func formatTokens(tokens []uint32) string {
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = strconv.FormatUint(uint64(t), 10)
	}
	return strings.Join(parts, ",")
}
