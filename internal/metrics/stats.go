package metrics

// AverageMeter tracks the latest value and running mean of a scalar stream.
type AverageMeter struct {
	Val   float64
	Sum   float64
	Count int
	Avg   float64
}

// Update records val observed n times.
func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += n
	if m.Count > 0 {
		m.Avg = m.Sum / float64(m.Count)
	}
}

// Reset clears the meter.
func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}

// MeterSet holds one AverageMeter per name, remembering first-seen order.
type MeterSet struct {
	names  []string
	meters map[string]*AverageMeter
}

// NewMeterSet returns an empty set.
func NewMeterSet() *MeterSet {
	return &MeterSet{meters: make(map[string]*AverageMeter)}
}

// Update records val for name, creating the meter on first use.
func (s *MeterSet) Update(name string, val float64, n int) {
	m, ok := s.meters[name]
	if !ok {
		m = &AverageMeter{}
		s.meters[name] = m
		s.names = append(s.names, name)
	}
	m.Update(val, n)
}

// Names lists meters in first-seen order.
func (s *MeterSet) Names() []string { return s.names }

// Get returns the named meter or nil.
func (s *MeterSet) Get(name string) *AverageMeter { return s.meters[name] }

// Reset clears every meter but keeps their order.
func (s *MeterSet) Reset() {
	for _, m := range s.meters {
		m.Reset()
	}
}
