package builder

import "sync"

// Phase names one stage of a build as seen by status polling.
type Phase string

const (
	PhasePending       Phase = "pending"
	PhaseChunking      Phase = "chunking"
	PhaseClustering    Phase = "clustering"
	PhaseSummarizing   Phase = "summarizing"
	PhaseLayerComplete Phase = "layer_complete"
	PhaseDone          Phase = "done"
	PhaseFailed        Phase = "failed"
)

// Progress is a build's observable state. A nil *Progress is valid and
// records nothing.
type Progress struct {
	mu    sync.Mutex
	phase Phase
	layer int
	nodes int
	err   string
}

// View is a point-in-time copy for status responses.
type View struct {
	Phase Phase  `json:"phase"`
	Layer int    `json:"layer"`
	Nodes int    `json:"nodes"`
	Error string `json:"error,omitempty"`
}

func NewProgress() *Progress {
	return &Progress{phase: PhasePending}
}

func (p *Progress) set(phase Phase, layer, nodes int) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.phase = phase
	p.layer = layer
	p.nodes = nodes
	p.mu.Unlock()
}

// Fail marks the build failed with the given error message.
func (p *Progress) Fail(msg string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.phase = PhaseFailed
	p.err = msg
	p.mu.Unlock()
}

func (p *Progress) Snapshot() View {
	if p == nil {
		return View{Phase: PhasePending}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return View{Phase: p.phase, Layer: p.layer, Nodes: p.nodes, Error: p.err}
}
