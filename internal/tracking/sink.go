package tracking

import (
	"bufio"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

// ErrSinkUnavailable is returned for a requested sink this build cannot serve.
var ErrSinkUnavailable = errors.New("tracking: sink unavailable")

// Sink receives step-tagged scalar records.
type Sink interface {
	Log(step int, values map[string]float64) error
	Close() error
}

// Open builds one sink per comma-separated kind. An empty list yields nil.
func Open(kinds, dir string) (Sink, error) {
	var sinks Multi
	for _, kind := range strings.Split(kinds, ",") {
		kind = strings.TrimSpace(kind)
		switch kind {
		case "", "none":
			continue
		case "jsonl":
			s, err := NewJSONL(filepath.Join(dir, "train.jsonl"))
			if err != nil {
				sinks.Close()
				return nil, err
			}
			sinks = append(sinks, s)
		default:
			sinks.Close()
			return nil, errors.Wrapf(ErrSinkUnavailable, "%q", kind)
		}
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

// JSONL appends one JSON object per record to a file.
type JSONL struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// NewJSONL opens path for appending, creating parent directories.
func NewJSONL(path string) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "tracking dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open tracking file")
	}
	return &JSONL{f: f, w: bufio.NewWriter(f)}, nil
}

// Log writes {"step": step, ...values} and flushes. Non-finite values are
// written as the strings "NaN", "Infinity" and "-Infinity".
func (j *JSONL) Log(step int, values map[string]float64) error {
	rec := make(map[string]any, len(values)+1)
	for k, v := range values {
		rec[k] = jsonValue(v)
		if _, ok := rec[k].(string); ok {
			klog.Warningf("tracking: step %d %s is %v", step, k, v)
		}
	}
	rec["step"] = step
	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode tracking record")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "write tracking record")
	}
	return errors.Wrap(j.w.Flush(), "flush tracking record")
}

func jsonValue(v float64) any {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	}
	return v
}

func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.w.Flush(); err != nil {
		j.f.Close()
		return err
	}
	return j.f.Close()
}

// Multi fans records out to several sinks.
type Multi []Sink

func (m Multi) Log(step int, values map[string]float64) error {
	for _, s := range m {
		if err := s.Log(step, values); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Memory keeps records in memory.
type Memory struct {
	mu      sync.Mutex
	Records []Record
}

// Record is one logged entry.
type Record struct {
	Step   int
	Values map[string]float64
}

func (m *Memory) Log(step int, values map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]float64, len(values))
	for k, v := range values {
		cp[k] = v
	}
	m.Records = append(m.Records, Record{Step: step, Values: cp})
	return nil
}

func (m *Memory) Close() error { return nil }

// Keys returns the sorted keys of r.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r.Values))
	for k := range r.Values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
