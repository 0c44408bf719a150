package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"k8s.io/klog/v2"

	"clipforge/internal/config"
	"clipforge/internal/trainer"
)

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "configs/clip.yaml", "Path to YAML config")
	name := flag.String("name", "", "Run name")
	trainRoots := flag.String("train-roots", "", "Comma separated training roots")
	epochs := flag.Int("epochs", 0, "Number of epochs")
	batchSize := flag.Int("batch-size", 0, "Per-rank batch size")
	numWorkers := flag.Int("num-workers", 0, "Number of data loader workers")
	seed := flag.Int64("seed", 0, "PRNG seed")
	accumFreq := flag.Int("accum-freq", 0, "Micro-batches per optimizer step")
	logEvery := flag.Int("log-every", 0, "Log every N optimizer steps")
	precision := flag.String("precision", "", "Precision mode")
	worldSize := flag.Int("world-size", 0, "Number of in-process ranks")
	resume := flag.String("resume", "", "Checkpoint to resume from")

	flag.Parse()
	defer klog.Flush()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		klog.Fatalf("failed to load config: %v", err)
	}

	var roots []string
	for _, r := range strings.Split(*trainRoots, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roots = append(roots, r)
		}
	}
	cfg.ApplyOverrides(config.Overrides{
		Name:       *name,
		TrainRoots: roots,
		Epochs:     *epochs,
		BatchSize:  *batchSize,
		NumWorkers: *numWorkers,
		Seed:       *seed,
		AccumFreq:  *accumFreq,
		LogEvery:   *logEvery,
		Precision:  *precision,
		WorldSize:  *worldSize,
		Resume:     *resume,
	})
	if cfg.WorldSize > 1 {
		cfg.Distributed = true
	}

	if err := cfg.Validate(); err != nil {
		klog.Fatalf("invalid config: %v", err)
	}
	klog.Infof("run=%s model=%s roots=%d epochs=%d batch=%d accum=%d precision=%s world=%d",
		cfg.Name, cfg.Model, len(cfg.TrainRoots), cfg.Epochs, cfg.BatchSize, cfg.AccumFreq, cfg.Precision, cfg.WorldSize)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := trainer.Run(ctx, cfg); err != nil {
		klog.Errorf("training failed: %v", err)
		klog.Flush()
		os.Exit(1)
	}
}
