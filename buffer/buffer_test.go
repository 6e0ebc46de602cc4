package buffer

import (
	"errors"
	"testing"

	"gorgonia.org/tensor"
)

func TestDisposeIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	b, err := reg.FromFloat32s("t", []float32{1, 2, 3, 4}, 2, 2)
	if err != nil {
		t.Fatalf("FromFloat32s: %v", err)
	}
	if got := reg.Usage(); got.Buffers != 1 || got.Bytes != 16 {
		t.Errorf("Usage() = %+v; want {1 16}", got)
	}
	if err := b.Dispose(); err != nil {
		t.Errorf("first Dispose() = %v; want nil", err)
	}
	if err := b.Dispose(); err != nil {
		t.Errorf("second Dispose() = %v; want nil", err)
	}
	if got := reg.Usage(); got.Buffers != 0 || got.Bytes != 0 {
		t.Errorf("Usage() after dispose = %+v; want zero", got)
	}
	if !b.IsDisposed() {
		t.Error("IsDisposed() = false; want true")
	}
}

func TestDisposedBufferCannotBeRead(t *testing.T) {
	reg := NewRegistry()
	b, _ := reg.FromFloat64s("t", []float64{1, 2}, 1, 2)
	b.Dispose()
	if _, err := b.Float64s(); !errors.Is(err, ErrDisposed) {
		t.Errorf("Float64s() after dispose err = %v; want ErrDisposed", err)
	}
	if _, err := b.Values(); !errors.Is(err, ErrDisposed) {
		t.Errorf("Values() after dispose err = %v; want ErrDisposed", err)
	}
	if err := b.Reshape(2); !errors.Is(err, ErrDisposed) {
		t.Errorf("Reshape() after dispose err = %v; want ErrDisposed", err)
	}
	if b.Dtype() != tensor.Float64 {
		t.Errorf("Dtype() = %v; want float64", b.Dtype())
	}
}

func TestShapeMismatchRejected(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.FromFloat32s("t", []float32{1, 2, 3}, 2, 2); err == nil {
		t.Error("FromFloat32s with 3 values for [2 2] returned nil error")
	}
	if _, err := reg.Zeros("t", tensor.Float32, 0, 3); err == nil {
		t.Error("Zeros with a zero dimension returned nil error")
	}
	if got := reg.Usage().Buffers; got != 0 {
		t.Errorf("Usage().Buffers = %d; want 0", got)
	}
}

func TestLiveListsLeaks(t *testing.T) {
	reg := NewRegistry()
	a, _ := reg.Zeros("image", tensor.Float32, 1, 4)
	b, _ := reg.Zeros("embedding", tensor.Float32, 1, 2)
	a.Dispose()
	live := reg.Live()
	if len(live) != 1 || live[0].Tag != "embedding" || live[0].ID != b.ID() {
		t.Errorf("Live() = %+v; want only the embedding buffer", live)
	}
}

func TestFlattenRows(t *testing.T) {
	tests := []struct {
		shape []int
		want  []int
	}{
		{[]int{1, 7, 7, 4}, []int{1, 196}},
		{[]int{1, 1, 1, 8}, []int{1, 8}},
		{[]int{8}, []int{1, 8}},
		{[]int{1, 8}, []int{1, 8}},
	}
	reg := NewRegistry()
	for _, tt := range tests {
		n := 1
		for _, d := range tt.shape {
			n *= d
		}
		b, _ := reg.FromFloat32s("t", make([]float32, n), tt.shape...)
		if err := FlattenRows(b); err != nil {
			t.Fatalf("FlattenRows(%v): %v", tt.shape, err)
		}
		got := b.Shape()
		if len(got) != 2 || got[0] != tt.want[0] || got[1] != tt.want[1] {
			t.Errorf("FlattenRows(%v) shape = %v; want %v", tt.shape, got, tt.want)
		}
		b.Dispose()
	}
}

func TestStack(t *testing.T) {
	reg := NewRegistry()
	r1, _ := reg.FromFloat32s("row", []float32{1, 2, 3}, 1, 3)
	r2, _ := reg.FromFloat64s("row", []float64{4, 5, 6}, 1, 3)
	s, err := Stack(reg, "stacked", []*Buffer{r1, r2})
	if err != nil {
		t.Fatalf("Stack: %v", err)
	}
	got, _ := s.Float32s()
	want := []float32{1, 2, 3, 4, 5, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Stack[%d] = %v; want %v", i, got[i], want[i])
		}
	}
	if shape := s.Shape(); shape[0] != 2 || shape[1] != 3 {
		t.Errorf("Stack shape = %v; want [2 3]", shape)
	}

	r3, _ := reg.FromFloat32s("row", []float32{1, 2}, 1, 2)
	if _, err := Stack(reg, "bad", []*Buffer{r1, r3}); err == nil {
		t.Error("Stack with mismatched widths returned nil error")
	}
	r1.Dispose()
	if _, err := Stack(reg, "bad", []*Buffer{r1, r2}); !errors.Is(err, ErrDisposed) {
		t.Errorf("Stack with disposed row err = %v; want ErrDisposed", err)
	}
}
