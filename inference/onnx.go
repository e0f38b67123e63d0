// Package inference wraps ONNX Runtime sessions behind the search core's
// network contract. The search workers assemble their own mini-batches, so
// unlike request-queue designs the client here runs exactly one forward pass
// per call and serializes concurrent callers on the session.
package inference

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Config describes the model's tensor layout.
type Config struct {
	// Planes, Rows, Cols give the input shape per position.
	Planes int
	Rows   int
	Cols   int

	// PolicySize is the length of the policy head output per position.
	PolicySize int

	// PolicyIsMap reports whether the policy head emits probabilities
	// rather than logits.
	PolicyIsMap bool

	// Version of the input encoding the model was trained with.
	Version int

	// InputName and output names of the ONNX graph.
	InputName  string
	PolicyName string
	ValueName  string

	// UseCUDA appends the CUDA execution provider when available.
	UseCUDA bool
}

func (c *Config) applyDefaults() {
	if c.InputName == "" {
		c.InputName = "input"
	}
	if c.PolicyName == "" {
		c.PolicyName = "policy"
	}
	if c.ValueName == "" {
		c.ValueName = "value"
	}
}

// OnnxNet is one ONNX Runtime session. Safe for concurrent PredictBatch
// calls; they serialize on the session mutex.
type OnnxNet struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	cfg     Config
}

var ortInitOnce sync.Once
var ortInitErr error

// NewOnnxNet loads the model at modelPath.
func NewOnnxNet(modelPath string, cfg Config) (*OnnxNet, error) {
	cfg.applyDefaults()
	if cfg.Planes <= 0 || cfg.Rows <= 0 || cfg.Cols <= 0 || cfg.PolicySize <= 0 {
		return nil, fmt.Errorf("incomplete tensor config: %+v", cfg)
	}

	if runtime.GOOS == "linux" {
		if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		} else {
			cwd, _ := os.Getwd()
			candidates := []string{
				"libonnxruntime.so",
				"libonnxruntime.so.1",
			}
			for _, name := range candidates {
				abs := filepath.Join(cwd, name)
				if _, err := os.Stat(abs); err == nil {
					ort.SetSharedLibraryPath(abs)
					break
				}
			}
		}
	}

	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", ortInitErr)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	// the search workers provide the parallelism; keep ORT threads at 1 to
	// avoid contention.
	options.SetIntraOpNumThreads(1)
	options.SetInterOpNumThreads(1)

	if cfg.UseCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err == nil {
			defer cudaOptions.Destroy()
			if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
				fmt.Println("Failed to append CUDA provider:", err)
			}
		} else {
			fmt.Println("Failed to create CUDA options:", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{cfg.InputName}, []string{cfg.PolicyName, cfg.ValueName}, options)
	if err != nil {
		return nil, fmt.Errorf("create session for %s: %w", modelPath, err)
	}

	return &OnnxNet{session: session, cfg: cfg}, nil
}

func (n *OnnxNet) Close() error {
	return n.session.Destroy()
}

func (n *OnnxNet) InputValues() int { return n.cfg.Planes * n.cfg.Rows * n.cfg.Cols }

func (n *OnnxNet) PolicySize() int { return n.cfg.PolicySize }

func (n *OnnxNet) IsPolicyMap() bool { return n.cfg.PolicyIsMap }

func (n *OnnxNet) Version() int { return n.cfg.Version }

// PredictBatch runs one forward pass over batch positions. inputPlanes must
// hold batch*InputValues() floats; valueOut and policyOut receive one value
// and one policy vector per position.
func (n *OnnxNet) PredictBatch(inputPlanes []float32, batch int, valueOut, policyOut []float32) error {
	if batch <= 0 {
		return fmt.Errorf("batch must be positive, got %d", batch)
	}
	perInput := n.InputValues()
	if len(inputPlanes) < batch*perInput {
		return fmt.Errorf("input planes hold %d floats, need %d", len(inputPlanes), batch*perInput)
	}

	inputShape := ort.NewShape(int64(batch), int64(n.cfg.Planes), int64(n.cfg.Rows), int64(n.cfg.Cols))
	inputTensor, err := ort.NewTensor(inputShape, inputPlanes[:batch*perInput])
	if err != nil {
		return fmt.Errorf("create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batch), int64(n.cfg.PolicySize)))
	if err != nil {
		return fmt.Errorf("create policy tensor: %w", err)
	}
	defer policyTensor.Destroy()

	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(batch), 1))
	if err != nil {
		return fmt.Errorf("create value tensor: %w", err)
	}
	defer valueTensor.Destroy()

	n.mu.Lock()
	err = n.session.Run([]ort.Value{inputTensor}, []ort.Value{policyTensor, valueTensor})
	n.mu.Unlock()
	if err != nil {
		return fmt.Errorf("run session: %w", err)
	}

	copy(policyOut[:batch*n.cfg.PolicySize], policyTensor.GetData())
	copy(valueOut[:batch], valueTensor.GetData())
	return nil
}
