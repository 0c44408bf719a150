package trainer

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"clipforge/internal/checkpoint"
	"clipforge/internal/config"
	"clipforge/internal/dataset"
	"clipforge/internal/distributed"
	"clipforge/internal/loss"
	"clipforge/internal/model"
	"clipforge/internal/optim"
	"clipforge/internal/preprocess"
	"clipforge/internal/tokenizer"
	"clipforge/internal/tracking"
)

// Run executes cfg.Epochs epochs on cfg.WorldSize in-process ranks.
func Run(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	prec, err := config.ParsePrecision(cfg.Precision)
	if err != nil {
		return err
	}

	// Sinks are opened before any rank starts so an unavailable one fails
	// the run up front.
	sink, err := tracking.Open(cfg.ReportTo, cfg.TrackingDir)
	if err != nil {
		return errors.Wrap(err, "tracking")
	}
	if sink != nil {
		defer sink.Close()
	}

	group := distributed.NewGroup(cfg.WorldSize)
	return distributed.Launch(ctx, group, func(ctx context.Context, rank int) error {
		var rankSink tracking.Sink
		if distributed.IsPrimary(rank) {
			rankSink = sink
		}
		return runRank(ctx, cfg, prec, group, rank, rankSink)
	})
}

func runRank(ctx context.Context, cfg *config.Config, prec config.Precision, group *distributed.Group, rank int, sink tracking.Sink) error {
	text := dataset.TextCaption
	if cfg.TextEmbedDim > 0 {
		text = dataset.TextEmbedding
	}
	source, err := dataset.NewLoader(ctx, dataset.LoaderOptions{
		Roots:      cfg.TrainRoots,
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
		Rank:       rank,
		WorldSize:  cfg.WorldSize,
		Text:       text,
	})
	if err != nil {
		return errors.Wrap(err, "data source")
	}
	if distributed.IsPrimary(rank) {
		klog.Infof("data: %d samples, %d batches per rank", source.NumSamples(), source.NumBatches())
	}

	adapter := &preprocess.Adapter{
		Transform:  preprocess.GridTransform(cfg.ImageGrid),
		ImageShape: []int{3, cfg.ImageGrid, cfg.ImageGrid},
		EmbedDim:   cfg.TextEmbedDim,
		InputDType: prec.InputDType,
		Workers:    cfg.NumWorkers,
	}
	vocab := cfg.VocabSize
	if cfg.TextEmbedDim == 0 {
		if adapter.Tokenizer, vocab, err = newTokenizer(cfg); err != nil {
			return err
		}
	}
	if err := adapter.Validate(); err != nil {
		return err
	}

	family := model.ResolveFamily(cfg.Model)
	if cfg.ClipGradToUnit != nil {
		family.ClipGradToUnit = *cfg.ClipGradToUnit
	}
	encoderCfg := encoderConfig(cfg, family, vocab)
	mdl, err := model.NewDualEncoder(encoderCfg)
	if err != nil {
		return err
	}

	var lossFn loss.Loss = loss.ClipLoss{}
	var teacher model.Forwarder
	if cfg.Distill {
		lossFn = loss.DistillClipLoss{}
		if teacher, err = loadTeacher(cfg.DistillCheckpoint, encoderCfg); err != nil {
			return err
		}
	}

	opt, err := newOptimizer(cfg, mdl)
	if err != nil {
		return err
	}
	var sync Synchronizer
	if cfg.Distributed {
		so := distributed.NewSyncOptimizer(opt, group)
		opt, sync = so, so
	}

	var scaler optim.Scaler
	if prec.Scaled {
		scaler = optim.NewGradScaler(optim.DefaultGradScalerOptions())
	}

	totalSteps := source.NumBatches() / cfg.AccumFreq * cfg.Epochs
	sched, err := optim.NewScheduler(cfg.LRScheduler, opt, cfg.LR, cfg.Warmup, totalSteps)
	if err != nil {
		return err
	}

	startEpoch := 0
	if cfg.Resume != "" {
		if startEpoch, err = resume(cfg.Resume, mdl, opt, scaler); err != nil {
			return err
		}
		if distributed.IsPrimary(rank) {
			klog.Infof("resumed from %s at epoch %d", cfg.Resume, startEpoch)
		}
	}

	var writer *checkpoint.Writer
	if cfg.SaveLogs && distributed.IsPrimary(rank) {
		writer = &checkpoint.Writer{Dir: cfg.CheckpointDir, Every: cfg.SaveEvery, KeepLatestOnly: cfg.DeletePrev}
	}

	var clip float64
	if cfg.GradClipNorm != nil {
		clip = *cfg.GradClipNorm
	}
	tr, err := New(Options{
		Model:         mdl,
		Loss:          lossFn,
		Optimizer:     opt,
		Source:        source,
		Preparer:      adapter,
		Teacher:       teacher,
		Scaler:        scaler,
		Scheduler:     sched,
		SkipScheduler: cfg.SkipSchedule,
		Sync:          sync,
		Distributed:   cfg.Distributed,
		Family:        family,
		AccumFreq:     cfg.AccumFreq,
		GradClipNorm:  clip,
		Autocast:      prec.Autocast,
		Name:          cfg.Name,
		Rank:          rank,
		WorldSize:     cfg.WorldSize,
		LogEvery:      cfg.LogEvery,
		Checkpoints:   writer,
		Tracker:       sink,
	})
	if err != nil {
		return err
	}

	for epoch := startEpoch; epoch < cfg.Epochs; epoch++ {
		stats, err := tr.TrainOneEpoch(ctx, epoch)
		if err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}
		if !distributed.IsPrimary(rank) {
			continue
		}
		klog.Infof("epoch %d done: %d batches, %d steps, loss %.5g", epoch, stats.Batches, stats.Steps, stats.Losses[loss.TotalKey])
		if cfg.SaveLogs {
			c := tr.snapshot(stats.LastStep+1, epoch+1)
			path := checkpoint.EpochPath(cfg.CheckpointDir, epoch+1)
			if err := checkpoint.Save(c, path); err != nil {
				return err
			}
			klog.Infof("saved %s", path)
		}
	}
	return nil
}

func newOptimizer(cfg *config.Config, m model.Model) (optim.Optimizer, error) {
	if cfg.Optimizer == "sgd" {
		return optim.NewSGD(m.Parameters(), cfg.LR, cfg.Momentum), nil
	}
	return optim.NewAdamW(m.Parameters(), optim.AdamWOptions{
		LR:          cfg.LR,
		Beta1:       cfg.Beta1,
		Beta2:       cfg.Beta2,
		Eps:         cfg.Eps,
		WeightDecay: cfg.WeightDecay,
	})
}

// newTokenizer prefers a tokenizer.json vocabulary and falls back to hashing.
// It also returns the embedding table size the tokenizer needs.
func newTokenizer(cfg *config.Config) (tokenizer.Tokenizer, int, error) {
	if cfg.TokenizerPath == "" {
		tok, err := tokenizer.NewHash(cfg.VocabSize, cfg.ContextLength)
		return tok, cfg.VocabSize, err
	}
	tok, err := tokenizer.LoadBPE(cfg.TokenizerPath, cfg.ContextLength)
	if err != nil {
		return nil, 0, err
	}
	return tok, tok.VocabSize(), nil
}

func encoderConfig(cfg *config.Config, family model.Family, vocab int) model.DualEncoderConfig {
	ec := model.DualEncoderConfig{
		ImageDim:  3 * cfg.ImageGrid * cfg.ImageGrid,
		TextDim:   cfg.TextEmbedDim,
		EmbedDim:  cfg.EmbedDim,
		LogitBias: family.LogitBias,
		Seed:      cfg.Seed,
	}
	if cfg.TextEmbedDim == 0 {
		ec.TextDim = cfg.EmbedDim
		ec.VocabSize = vocab
	}
	return ec
}

func loadTeacher(path string, ec model.DualEncoderConfig) (model.Forwarder, error) {
	c, err := checkpoint.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "distillation teacher")
	}
	teacher, err := model.NewDualEncoder(ec)
	if err != nil {
		return nil, err
	}
	if err := teacher.LoadStateDict(c.Model); err != nil {
		return nil, errors.Wrap(err, "distillation teacher")
	}
	return teacher, nil
}

// resume restores state from path and returns the epoch to continue from.
func resume(path string, m model.Model, opt optim.Optimizer, scaler optim.Scaler) (int, error) {
	c, err := checkpoint.Load(path)
	if err != nil {
		return 0, errors.Wrap(err, "resume")
	}
	if err := m.LoadStateDict(c.Model); err != nil {
		return 0, errors.Wrap(err, "resume model")
	}
	if err := opt.LoadStateDict(c.Optimizer); err != nil {
		return 0, errors.Wrap(err, "resume optimizer")
	}
	if scaler != nil && c.Scaler != nil {
		if err := scaler.LoadStateDict(c.Scaler); err != nil {
			return 0, errors.Wrap(err, "resume scaler")
		}
	}
	return c.Epoch, nil
}
