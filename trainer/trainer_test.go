package trainer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"appletrainer/buffer"
	"appletrainer/extractor"
	"appletrainer/memory"
	"appletrainer/mlerr"
	"appletrainer/neuralnet"
	"appletrainer/preprocess"
)

// colorNet embeds an image as its mean channel values plus two contrasts,
// reported with a 4-D shape to exercise flattening.
type colorNet struct {
	reg *buffer.Registry
}

func (n *colorNet) InputShape() []int  { return []int{-1, 224, 224, 3} }
func (n *colorNet) OutputShape() []int { return []int{-1, 1, 1, 6} }
func (n *colorNet) Close() error       { return nil }

func (n *colorNet) Embed(ctx context.Context, input *buffer.Buffer) (*buffer.Buffer, error) {
	vals, err := input.Float32s()
	if err != nil {
		return nil, err
	}
	var sum [3]float32
	for i, v := range vals {
		sum[i%3] += v
	}
	px := float32(len(vals) / 3)
	r, g, b := sum[0]/px, sum[1]/px, sum[2]/px
	return n.reg.FromFloat32s("test:embedding", []float32{r, g, b, r - g, 1 - r, 1 - g}, 1, 1, 1, 6)
}

type netSource struct {
	net extractor.Network
}

func (s netSource) Name() string { return "test" }
func (s netSource) Open(context.Context) (extractor.Network, error) {
	return s.net, nil
}

type env struct {
	reg     *buffer.Registry
	tracker *memory.Tracker
	loader  *extractor.Loader
	trainer *Trainer
}

func newEnv(t *testing.T, factory ModelFactory) *env {
	t.Helper()
	reg := buffer.NewRegistry()
	tracker := memory.New(reg, memory.Options{GC: func() {}})
	loader := extractor.NewLoader(extractor.Options{Bundled: netSource{&colorNet{reg: reg}}})
	tr := New(Options{
		Registry: reg,
		Tracker:  tracker,
		Loader:   loader,
		Decoder:  preprocess.NewDecoder(reg),
		Seed:     11,
		NewModel: factory,
	})
	t.Cleanup(tr.Close)
	return &env{reg: reg, tracker: tracker, loader: loader, trainer: tr}
}

func pngRef(t *testing.T, c color.Color) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func example(t *testing.T, i int, label Label) LabeledExample {
	c := color.RGBA{R: 220, G: uint8(20 + i), B: 30, A: 255}
	if label == LabelNotApple {
		c = color.RGBA{R: 30, G: 200, B: uint8(40 + i), A: 255}
	}
	return LabeledExample{
		ID:         fmt.Sprintf("ex-%d", i),
		ImageRef:   pngRef(t, c),
		Label:      label,
		CapturedAt: time.Unix(int64(1700000000+i), 0),
	}
}

func balanced(t *testing.T, n int) []LabeledExample {
	out := make([]LabeledExample, n)
	for i := range out {
		label := LabelApple
		if i%2 == 1 {
			label = LabelNotApple
		}
		out[i] = example(t, i, label)
	}
	return out
}

// onlyHeadBuffers fails if anything other than head weights and optimizer
// state is still live.
func onlyHeadBuffers(t *testing.T, reg *buffer.Registry) {
	t.Helper()
	for _, info := range reg.Live() {
		if !strings.HasPrefix(info.Tag, "head:") && !strings.HasPrefix(info.Tag, "adam:") {
			t.Errorf("leaked buffer %d (%s %v)", info.ID, info.Tag, info.Shape)
		}
	}
}

func TestHyperparametersFor(t *testing.T) {
	tests := []struct {
		n    int
		want Hyperparameters
	}{
		{2, Hyperparameters{LearningRate: 0.0005, Epochs: 10, BatchSize: 2}},
		{4, Hyperparameters{LearningRate: 0.0005, Epochs: 10, BatchSize: 2}},
		{5, Hyperparameters{LearningRate: 0.0005, Epochs: 10, BatchSize: 2, ValidationSplit: 0.2}},
		{8, Hyperparameters{LearningRate: 0.001, Epochs: 16, BatchSize: 4, ValidationSplit: 0.2}},
		{10, Hyperparameters{LearningRate: 0.001, Epochs: 20, BatchSize: 5, ValidationSplit: 0.2}},
		{11, Hyperparameters{LearningRate: 0.002, Epochs: 20, BatchSize: 5, ValidationSplit: 0.2}},
		{20, Hyperparameters{LearningRate: 0.002, Epochs: 20, BatchSize: 8, ValidationSplit: 0.2}},
	}
	for _, tt := range tests {
		if got := HyperparametersFor(tt.n); got != tt.want {
			t.Errorf("HyperparametersFor(%d) = %+v; want %+v", tt.n, got, tt.want)
		}
	}
}

func TestValidateExamples(t *testing.T) {
	apple := LabeledExample{ID: "a", ImageRef: "data:a", Label: LabelApple}
	pear := LabeledExample{ID: "p", ImageRef: "data:p", Label: LabelNotApple}

	tests := []struct {
		name     string
		examples []LabeledExample
		contains string
	}{
		{"empty", nil, "at least 2"},
		{"single", []LabeledExample{apple}, "at least 2"},
		{"only apples", []LabeledExample{apple, {ID: "b", ImageRef: "data:b", Label: LabelApple}}, "not_apple"},
		{"only not apples", []LabeledExample{pear, {ID: "q", ImageRef: "data:q", Label: LabelNotApple}}, "class apple"},
		{"missing id", []LabeledExample{apple, {ImageRef: "data:x", Label: LabelNotApple}}, "no id"},
		{"missing ref", []LabeledExample{apple, {ID: "x", Label: LabelNotApple}}, "image reference"},
		{"missing label", []LabeledExample{apple, {ID: "x", ImageRef: "data:x"}}, "missing label"},
		{"unknown label", []LabeledExample{apple, {ID: "x", ImageRef: "data:x", Label: "banana"}}, "banana"},
		{"duplicate id", []LabeledExample{apple, pear, {ID: "a", ImageRef: "data:z", Label: LabelNotApple}}, "duplicate id"},
	}
	for _, tt := range tests {
		_, err := ValidateExamples(tt.examples)
		var ve *mlerr.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("%s: err = %v; want *mlerr.ValidationError", tt.name, err)
			continue
		}
		if !strings.Contains(ve.Error(), tt.contains) {
			t.Errorf("%s: err = %q; want it to mention %q", tt.name, ve.Error(), tt.contains)
		}
	}

	warnings, err := ValidateExamples([]LabeledExample{apple, pear})
	if err != nil || len(warnings) != 0 {
		t.Errorf("ValidateExamples(apple, pear) = %v, %v; want no warnings", warnings, err)
	}
}

func TestValidateExamplesWarnings(t *testing.T) {
	var examples []LabeledExample
	for i := 0; i < 6; i++ {
		examples = append(examples, LabeledExample{ID: fmt.Sprint(i), ImageRef: fmt.Sprintf("data:%d", i), Label: LabelApple})
	}
	examples = append(examples, LabeledExample{ID: "p", ImageRef: "data:0", Label: LabelNotApple})

	warnings, err := ValidateExamples(examples)
	if err != nil {
		t.Fatalf("ValidateExamples: %v", err)
	}
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v; want duplicate image and imbalance", warnings)
	}
	if !strings.Contains(warnings[0], "same image") || !strings.Contains(warnings[1], "imbalanced 6:1") {
		t.Errorf("warnings = %q", warnings)
	}
}

func TestTrainRejectsInvalidData(t *testing.T) {
	e := newEnv(t, nil)
	for _, examples := range [][]LabeledExample{nil, {example(t, 0, LabelApple)}} {
		if err := e.trainer.Train(context.Background(), examples); mlerr.KindOf(err) != mlerr.KindValidation {
			t.Errorf("Train(%d examples) kind = %v; want validation", len(examples), mlerr.KindOf(err))
		}
	}
	if e.trainer.IsReadyForClassification() {
		t.Error("ready for classification after rejected training")
	}
}

func TestTrainTwoExamples(t *testing.T) {
	e := newEnv(t, nil)
	if e.trainer.IsReadyForTraining() {
		t.Error("IsReadyForTraining() = true before the extractor loaded")
	}
	examples := []LabeledExample{example(t, 0, LabelApple), example(t, 1, LabelNotApple)}
	if err := e.trainer.Train(context.Background(), examples); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if !e.trainer.IsReadyForTraining() || !e.trainer.IsReadyForClassification() {
		t.Error("not ready after successful training")
	}
	run := e.trainer.LastRun()
	if run == nil || run.Examples != 2 || run.EmbeddingSize != 6 || run.Hyperparameters.Epochs != 10 {
		t.Errorf("LastRun() = %+v", run)
	}
	onlyHeadBuffers(t, e.reg)

	h := e.tracker.History()
	if len(h) != 2 || h[0].Context != "train:before" || h[1].Context != "train:after" {
		t.Errorf("tracker history = %+v; want train before/after", h)
	}
}

func TestTrainLearnsColors(t *testing.T) {
	e := newEnv(t, nil)
	if err := e.trainer.Train(context.Background(), balanced(t, 12)); err != nil {
		t.Fatalf("Train: %v", err)
	}
	head := e.trainer.Head()
	dec := preprocess.NewDecoder(e.reg)
	handle := e.loader.Handle()

	predict := func(c color.Color) float64 {
		img, err := dec.Decode(context.Background(), pngRef(t, c))
		if err != nil {
			t.Fatal(err)
		}
		defer img.Dispose()
		emb, err := handle.Embed(context.Background(), img)
		if err != nil {
			t.Fatal(err)
		}
		defer emb.Dispose()
		p, err := head.Predict(emb)
		if err != nil {
			t.Fatal(err)
		}
		return p
	}
	red := predict(color.RGBA{R: 230, G: 25, B: 30, A: 255})
	green := predict(color.RGBA{R: 25, G: 210, B: 45, A: 255})
	if red <= green {
		t.Errorf("apple probability red = %v, green = %v; want red higher", red, green)
	}
	onlyHeadBuffers(t, e.reg)
}

func TestTrainOnClassSortedExamples(t *testing.T) {
	e := newEnv(t, nil)
	// All apples first, then the minority class, as a folder walk returns them.
	var examples []LabeledExample
	for i := 0; i < 8; i++ {
		examples = append(examples, example(t, i, LabelApple))
	}
	for i := 8; i < 10; i++ {
		examples = append(examples, example(t, i, LabelNotApple))
	}
	if err := e.trainer.Train(context.Background(), examples); err != nil {
		t.Fatalf("Train: %v", err)
	}
	run := e.trainer.LastRun()
	if run.Hyperparameters.ValidationSplit == 0 {
		t.Fatalf("LastRun() = %+v; want a validation split for 10 examples", run)
	}

	head := e.trainer.AcquireHead()
	defer head.Release()
	dec := preprocess.NewDecoder(e.reg)
	img, err := dec.Decode(context.Background(), pngRef(t, color.RGBA{R: 25, G: 210, B: 45, A: 255}))
	if err != nil {
		t.Fatal(err)
	}
	defer img.Dispose()
	emb, err := e.loader.Handle().Embed(context.Background(), img)
	if err != nil {
		t.Fatal(err)
	}
	defer emb.Dispose()
	p, err := head.Predict(emb)
	if err != nil {
		t.Fatal(err)
	}
	if p >= 0.5 {
		t.Errorf("apple probability of a not_apple image = %v; want below 0.5", p)
	}
}

func TestTrainNamesFailingExample(t *testing.T) {
	e := newEnv(t, nil)
	examples := balanced(t, 4)
	examples[2].ImageRef = "ftp://example.com/apple.png"

	err := e.trainer.Train(context.Background(), examples)
	var te *mlerr.TrainingError
	if !errors.As(err, &te) {
		t.Fatalf("Train err = %v; want *mlerr.TrainingError", err)
	}
	if te.Index != 2 || te.Stage != "decode" {
		t.Errorf("TrainingError = index %d stage %s; want index 2 stage decode", te.Index, te.Stage)
	}
	var ipe *mlerr.ImageProcessingError
	if !errors.As(err, &ipe) {
		t.Error("TrainingError does not carry the decode failure")
	}
	if e.trainer.IsReadyForClassification() {
		t.Error("partial head installed after failed run")
	}
	if live := e.reg.Live(); len(live) != 0 {
		t.Errorf("live buffers after failed run = %+v; want none", live)
	}
}

type failingModel struct {
	Model
}

func (m failingModel) Fit(ctx context.Context, x, y *buffer.Buffer, cfg neuralnet.FitConfig) (neuralnet.History, error) {
	return neuralnet.History{}, errors.New("loss diverged")
}

func TestFailedTrainingPreservesHead(t *testing.T) {
	fail := false
	var e *env
	e = newEnv(t, func(inputSize int, hp Hyperparameters) (Model, error) {
		m, err := DefaultModelFactory(e.reg, nil, 3)(inputSize, hp)
		if err != nil || !fail {
			return m, err
		}
		return failingModel{m}, nil
	})
	examples := balanced(t, 6)
	if err := e.trainer.Train(context.Background(), examples); err != nil {
		t.Fatalf("first Train: %v", err)
	}
	first := e.trainer.Head()
	firstRun := e.trainer.LastRun()
	liveAfterFirst := e.reg.Usage().Buffers

	fail = true
	err := e.trainer.Train(context.Background(), examples)
	var te *mlerr.TrainingError
	if !errors.As(err, &te) || te.Stage != "fit" || te.Index != -1 {
		t.Fatalf("second Train err = %v; want fit TrainingError", err)
	}
	if !e.trainer.IsReadyForClassification() || e.trainer.Head() != first {
		t.Error("failed training replaced or removed the previous head")
	}
	if e.trainer.LastRun().CompletedAt != firstRun.CompletedAt {
		t.Error("failed training overwrote LastRun")
	}
	if got := e.reg.Usage().Buffers; got != liveAfterFirst {
		t.Errorf("live buffers = %d; want %d (partial head disposed)", got, liveAfterFirst)
	}

	img, _ := preprocess.NewDecoder(e.reg).Decode(context.Background(), examples[0].ImageRef)
	defer img.Dispose()
	emb, _ := e.loader.Handle().Embed(context.Background(), img)
	defer emb.Dispose()
	if _, err := first.Predict(emb); err != nil {
		t.Errorf("previous head Predict after failed run: %v", err)
	}
}

type blockingModel struct {
	Model
	started chan struct{}
}

func (m blockingModel) Fit(ctx context.Context, x, y *buffer.Buffer, cfg neuralnet.FitConfig) (neuralnet.History, error) {
	close(m.started)
	<-ctx.Done()
	return neuralnet.History{}, ctx.Err()
}

func TestEmergencyCleanupAbortsTraining(t *testing.T) {
	started := make(chan struct{})
	var e *env
	e = newEnv(t, func(inputSize int, hp Hyperparameters) (Model, error) {
		m, err := DefaultModelFactory(e.reg, nil, 3)(inputSize, hp)
		if err != nil {
			return nil, err
		}
		return blockingModel{Model: m, started: started}, nil
	})

	done := make(chan error, 1)
	go func() { done <- e.trainer.Train(context.Background(), balanced(t, 4)) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("fit never started")
	}
	e.tracker.PerformEmergencyCleanup()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) || mlerr.KindOf(err) != mlerr.KindTraining {
			t.Errorf("Train err = %v; want cancelled TrainingError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Train did not return after emergency cleanup")
	}
	if live := e.reg.Live(); len(live) != 0 {
		t.Errorf("live buffers after aborted run = %+v; want none", live)
	}
}

func TestReset(t *testing.T) {
	e := newEnv(t, nil)
	if err := e.trainer.Train(context.Background(), balanced(t, 2)); err != nil {
		t.Fatal(err)
	}
	e.trainer.Reset()
	if e.trainer.IsReadyForClassification() || e.trainer.LastRun() != nil {
		t.Error("still ready after Reset")
	}
	if !e.trainer.IsReadyForTraining() {
		t.Error("Reset unloaded the extractor")
	}
	if live := e.reg.Live(); len(live) != 0 {
		t.Errorf("live buffers after Reset = %+v; want none", live)
	}
}

func TestAcquiredHeadOutlivesReplacement(t *testing.T) {
	e := newEnv(t, nil)
	examples := balanced(t, 4)
	if err := e.trainer.Train(context.Background(), examples); err != nil {
		t.Fatal(err)
	}
	held := e.trainer.AcquireHead()
	if held == nil {
		t.Fatal("AcquireHead() = nil after training")
	}
	oneHead := e.reg.Usage().Buffers

	if err := e.trainer.Train(context.Background(), examples); err != nil {
		t.Fatal(err)
	}
	if e.trainer.Head() == held {
		t.Fatal("retrain did not install a new head")
	}
	e.trainer.Reset()
	if e.trainer.AcquireHead() != nil {
		t.Error("AcquireHead() after Reset = non-nil")
	}
	if got := e.reg.Usage().Buffers; got != oneHead {
		t.Errorf("live buffers = %d; want %d (held head only)", got, oneHead)
	}

	img, _ := preprocess.NewDecoder(e.reg).Decode(context.Background(), examples[0].ImageRef)
	emb, _ := e.loader.Handle().Embed(context.Background(), img)
	img.Dispose()
	if _, err := held.Predict(emb); err != nil {
		t.Errorf("Predict on a held head after replacement: %v", err)
	}
	emb.Dispose()

	held.Release()
	if live := e.reg.Live(); len(live) != 0 {
		t.Errorf("live buffers after the last release = %+v; want none", live)
	}
}
