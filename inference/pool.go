package inference

import (
	"fmt"
	"sync/atomic"
)

// Pool fans PredictBatch calls out over multiple sessions of the same model
// so several search workers can run forward passes in parallel.
//
// Note: ORT environment initialization is process-global; OnnxNet handles
// that internally.
type Pool struct {
	nets []*OnnxNet
	rr   atomic.Uint64
}

// NewPool loads sessions copies of the model at modelPath.
func NewPool(modelPath string, sessions int, cfg Config) (*Pool, error) {
	if sessions <= 0 {
		sessions = 1
	}
	nets := make([]*OnnxNet, 0, sessions)
	for i := 0; i < sessions; i++ {
		n, err := NewOnnxNet(modelPath, cfg)
		if err != nil {
			for _, created := range nets {
				_ = created.Close()
			}
			return nil, fmt.Errorf("create onnx session %d/%d: %w", i+1, sessions, err)
		}
		nets = append(nets, n)
	}
	return &Pool{nets: nets}, nil
}

func (p *Pool) Close() error {
	var firstErr error
	for _, n := range p.nets {
		if err := n.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pool) InputValues() int { return p.nets[0].InputValues() }

func (p *Pool) PolicySize() int { return p.nets[0].PolicySize() }

func (p *Pool) IsPolicyMap() bool { return p.nets[0].IsPolicyMap() }

func (p *Pool) Version() int { return p.nets[0].Version() }

func (p *Pool) PredictBatch(inputPlanes []float32, batch int, valueOut, policyOut []float32) error {
	idx := int(p.rr.Add(1)-1) % len(p.nets)
	return p.nets[idx].PredictBatch(inputPlanes, batch, valueOut, policyOut)
}
