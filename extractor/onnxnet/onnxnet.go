// Package onnxnet runs the frozen feature extractor through ONNX Runtime.
// The model is read from a bundled file or downloaded, and only its named
// feature output is wired to the session.
package onnxnet

import (
	"context"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"appletrainer/buffer"
	"appletrainer/extractor"
)

// DefaultFeatureOutput is the output name of the penultimate layer exported
// with the bundled model.
const DefaultFeatureOutput = "features"

const maxModelBytes = 512 << 20

var (
	envOnce sync.Once
	envErr  error
)

// Config describes how to build a session from model bytes.
type Config struct {
	// FeatureOutput names the embedding output. It must exist in the model.
	FeatureOutput string
	// InputName selects the image input; empty means the first input.
	InputName string
	// LibraryPath points at the onnxruntime shared library.
	LibraryPath string
	Registry    *buffer.Registry
	Logger      *zap.SugaredLogger
}

func (c Config) logger() *zap.SugaredLogger {
	if c.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return c.Logger
}

func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		if ort.IsInitialized() {
			return
		}
		envErr = errors.Wrap(ort.InitializeEnvironment(), "initialize onnxruntime")
	})
	return envErr
}

// FileSource loads a model shipped alongside the binary.
type FileSource struct {
	Path string
	Config
}

func (s *FileSource) Name() string { return "file:" + s.Path }

func (s *FileSource) Open(ctx context.Context) (extractor.Network, error) {
	if s.Path == "" {
		return nil, errors.New("no bundled model path")
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, errors.Wrap(err, "open bundled model")
	}
	defer f.Close()
	data, err := readModel(f)
	if err != nil {
		return nil, err
	}
	return newNetwork(data, s.Config)
}

// HTTPSource downloads the model.
type HTTPSource struct {
	URL    string
	Client *http.Client
	Config
}

func (s *HTTPSource) Name() string { return s.URL }

func (s *HTTPSource) Open(ctx context.Context) (extractor.Network, error) {
	if s.URL == "" {
		return nil, errors.New("no remote model url")
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build model request")
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download model")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("download model: unexpected status %s", resp.Status)
	}
	data, err := readModel(resp.Body)
	if err != nil {
		return nil, err
	}
	s.logger().Infow("downloaded model", "url", s.URL, "bytes", len(data), "elapsed", time.Since(start))
	return newNetwork(data, s.Config)
}

func readModel(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxModelBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "read model")
	}
	if len(data) > maxModelBytes {
		return nil, errors.Errorf("model larger than %d bytes", maxModelBytes)
	}
	if len(data) == 0 {
		return nil, errors.New("empty model")
	}
	return data, nil
}

// Network is an extractor.Network backed by an ONNX Runtime session.
type Network struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	reg     *buffer.Registry
	in      ort.InputOutputInfo
	out     ort.InputOutputInfo
	closed  bool
}

func newNetwork(data []byte, cfg Config) (*Network, error) {
	if cfg.Registry == nil {
		return nil, errors.New("onnxnet: nil buffer registry")
	}
	if err := initEnvironment(cfg.LibraryPath); err != nil {
		return nil, err
	}
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(data)
	if err != nil {
		return nil, errors.Wrap(err, "inspect model")
	}
	feature := cfg.FeatureOutput
	if feature == "" {
		feature = DefaultFeatureOutput
	}
	in, out, err := selectIO(inputs, outputs, cfg.InputName, feature)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSessionWithONNXData(data,
		[]string{in.Name}, []string{out.Name}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create session")
	}
	cfg.logger().Debugw("onnx session ready",
		"input", in.Name, "input_dims", in.Dimensions,
		"output", out.Name, "output_dims", out.Dimensions)
	return &Network{session: session, reg: cfg.Registry, in: in, out: out}, nil
}

// selectIO picks the image input and requires the named feature output, so a
// model without it fails at load instead of silently using the logits.
func selectIO(inputs, outputs []ort.InputOutputInfo, inputName, feature string) (ort.InputOutputInfo, ort.InputOutputInfo, error) {
	var in, out ort.InputOutputInfo
	if len(inputs) == 0 {
		return in, out, errors.New("model declares no inputs")
	}
	in = inputs[0]
	if inputName != "" {
		found := false
		for _, i := range inputs {
			if i.Name == inputName {
				in, found = i, true
				break
			}
		}
		if !found {
			return in, out, errors.Errorf("model has no input %q", inputName)
		}
	}
	for _, o := range outputs {
		if o.Name == feature {
			return in, o, nil
		}
	}
	names := make([]string, len(outputs))
	for i, o := range outputs {
		names[i] = o.Name
	}
	return in, out, errors.Errorf("model has no feature output %q (outputs: %v)", feature, names)
}

func dims(s ort.Shape) []int {
	out := make([]int, len(s))
	for i, d := range s {
		out[i] = int(d)
	}
	return out
}

func (n *Network) InputShape() []int  { return dims(n.in.Dimensions) }
func (n *Network) OutputShape() []int { return dims(n.out.Dimensions) }

// Embed runs a single image through the session.
func (n *Network) Embed(ctx context.Context, input *buffer.Buffer) (*buffer.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := input.Float32s()
	if err != nil {
		return nil, errors.Wrap(err, "read input")
	}
	shape := input.Shape()
	inShape := make(ort.Shape, len(shape))
	for i, d := range shape {
		inShape[i] = int64(d)
	}
	// Unknown output dims are batch-like for a single image.
	outShape := make(ort.Shape, len(n.out.Dimensions))
	for i, d := range n.out.Dimensions {
		if d <= 0 {
			d = 1
		}
		outShape[i] = d
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errors.New("session closed")
	}

	inT, err := ort.NewTensor(inShape, data)
	if err != nil {
		return nil, errors.Wrap(err, "input tensor")
	}
	defer inT.Destroy()
	outT, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		return nil, errors.Wrap(err, "output tensor")
	}
	defer outT.Destroy()

	if err := n.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
		return nil, errors.Wrap(err, "run session")
	}
	emb := append([]float32(nil), outT.GetData()...)
	return n.reg.FromFloat32s("extractor:embedding", emb, dims(outShape)...)
}

// Close destroys the session. It is safe to call more than once.
func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	return errors.Wrap(n.session.Destroy(), "destroy session")
}
