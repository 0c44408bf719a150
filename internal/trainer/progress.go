package trainer

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"clipforge/internal/loss"
	"clipforge/internal/metrics"
	"clipforge/internal/tracking"
)

// progress renders the per-window training line and tracking record.
type progress struct {
	logf func(format string, args ...any)
	sink tracking.Sink

	every           int
	accumFreq       int
	worldSize       int
	batchesPerEpoch int
	samplesPerEpoch int
	sampleDigits    int

	losses    *metrics.MeterSet
	batchTime metrics.AverageMeter
	dataTime  metrics.AverageMeter
}

func newProgress(logf func(string, ...any), sink tracking.Sink, every, accumFreq, worldSize, batchesPerEpoch, samplesPerEpoch int) *progress {
	return &progress{
		logf:            logf,
		sink:            sink,
		every:           every,
		accumFreq:       accumFreq,
		worldSize:       worldSize,
		batchesPerEpoch: batchesPerEpoch,
		samplesPerEpoch: samplesPerEpoch,
		sampleDigits:    int(math.Ceil(math.Log10(float64(samplesPerEpoch + 1)))),
		losses:          metrics.NewMeterSet(),
	}
}

// due reports whether the step at window index iAccum is logged.
func (p *progress) due(iAccum int) bool {
	return iAccum%p.every == 0 || iAccum+1 == p.batchesPerEpoch
}

// stepReport is what one optimizer step contributes to the log.
type stepReport struct {
	epoch      int
	step       int
	iAccum     int
	batchSize  int
	lr         float64
	logitScale *float64
	losses     *loss.Dict
}

// emit updates the loss meters, logs one line and records the window. The
// timing meters are reset afterwards; loss meters run for the whole epoch.
func (p *progress) emit(r stepReport) error {
	batchCount := r.iAccum + 1
	numSamples := batchCount * r.batchSize * p.accumFreq * p.worldSize
	percent := 100.0 * float64(batchCount) / float64(p.batchesPerEpoch)

	values := r.losses.Values()
	for _, name := range r.losses.Names() {
		p.losses.Update(name, values[name], r.batchSize)
	}

	var sps, spsPerWorker float64
	if p.batchTime.Val > 0 {
		sps = float64(p.accumFreq*r.batchSize*p.worldSize) / p.batchTime.Val
		spsPerWorker = float64(p.accumFreq*r.batchSize) / p.batchTime.Val
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Train Epoch: %d [%*d/%d (%.0f%%)] ", r.epoch, p.sampleDigits, numSamples, p.samplesPerEpoch, percent)
	fmt.Fprintf(&b, "Data (t): %.3f ", p.dataTime.Avg)
	fmt.Fprintf(&b, "Batch (t): %.3f, %#g/s, %#g/s/gpu ", p.batchTime.Avg, sps, spsPerWorker)
	fmt.Fprintf(&b, "LR: %5f ", r.lr)
	if r.logitScale != nil {
		fmt.Fprintf(&b, "Logit Scale: %.3f ", *r.logitScale)
	}
	parts := make([]string, 0, len(p.losses.Names()))
	for _, name := range p.losses.Names() {
		m := p.losses.Get(name)
		parts = append(parts, fmt.Sprintf("%s: %#.5g (%#.5g)", capitalize(name), m.Val, m.Avg))
	}
	b.WriteString(strings.Join(parts, " "))
	p.logf("%s", b.String())

	if p.sink != nil {
		record := map[string]float64{
			"train/data_time":                  p.dataTime.Val,
			"train/batch_time":                 p.batchTime.Val,
			"train/samples_per_second":         sps,
			"train/samples_per_second_per_gpu": spsPerWorker,
			"train/lr":                         r.lr,
		}
		if r.logitScale != nil {
			record["train/scale"] = *r.logitScale
		}
		for _, name := range p.losses.Names() {
			record["train/"+name] = p.losses.Get(name).Val
		}
		if err := p.sink.Log(r.step, record); err != nil {
			return err
		}
	}

	p.batchTime.Reset()
	p.dataTime.Reset()
	return nil
}

// capitalize upper-cases the first rune and lower-cases the rest.
func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
