package gpu

import "fmt"

// GPU is one accelerator reading.
type GPU struct {
	Index       int
	Name        string
	MemUsedMiB  float64
	MemTotalMiB float64
	Utilization float64
}

// MemoryFraction is memory used over memory total.
func (g GPU) MemoryFraction() float64 {
	return g.MemUsedMiB / g.MemTotalMiB
}

// IsIdle reports whether less than fraction of memory is in use.
func (g GPU) IsIdle(fraction float64) bool {
	return g.MemoryFraction() < fraction
}

// Snapshot is an immutable set of readings taken together.
type Snapshot struct {
	gpus []GPU
}

// GPUs returns a copy of the readings in index order as reported.
func (s *Snapshot) GPUs() []GPU {
	return append([]GPU(nil), s.gpus...)
}

func (s *Snapshot) Count() int { return len(s.gpus) }

// IdleGPUs returns the readings below fraction memory use.
func (s *Snapshot) IdleGPUs(fraction float64) []GPU {
	var idle []GPU
	for _, g := range s.gpus {
		if g.IsIdle(fraction) {
			idle = append(idle, g)
		}
	}
	return idle
}

// CheckParallelism inspects whether a model split across tp devices is using
// them evenly. It returns false with an explanation when some GPU is idle or
// memory use varies by more than ten percentage points.
func (s *Snapshot) CheckParallelism(tp int, fraction float64) (bool, string) {
	if tp != len(s.gpus) {
		return false, fmt.Sprintf("tensor parallel size %d does not match %d GPUs", tp, len(s.gpus))
	}
	if idle := s.IdleGPUs(fraction); len(idle) > 0 {
		return false, fmt.Sprintf("%d of %d GPUs idle", len(idle), len(s.gpus))
	}
	if len(s.gpus) < 2 {
		return true, "single GPU in use"
	}

	var sum float64
	for _, g := range s.gpus {
		sum += g.MemoryFraction() * 100
	}
	avg := sum / float64(len(s.gpus))
	var variance float64
	for _, g := range s.gpus {
		d := g.MemoryFraction()*100 - avg
		variance += d * d
	}
	variance /= float64(len(s.gpus))
	if variance >= 100 {
		return false, fmt.Sprintf("uneven memory use across GPUs (variance %.0f)", variance)
	}
	return true, fmt.Sprintf("all %d GPUs in use", len(s.gpus))
}
