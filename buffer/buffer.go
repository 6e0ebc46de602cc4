// Package buffer owns every numeric array the pipeline allocates. A Buffer
// wraps a gorgonia dense tensor and is accounted in a Registry until it is
// disposed; Dispose is the only way to release one and it is idempotent.
package buffer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrDisposed is returned when a disposed buffer is read.
var ErrDisposed = errors.New("buffer already disposed")

// Usage is the aggregate of all live buffers in a registry.
type Usage struct {
	Buffers int   `json:"buffers"`
	Bytes   int64 `json:"bytes"`
}

// Info describes one live buffer.
type Info struct {
	ID    uint64 `json:"id"`
	Tag   string `json:"tag"`
	Shape []int  `json:"shape"`
	Bytes int64  `json:"bytes"`
}

// Registry accounts live buffers.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	live   map[uint64]*Buffer
	bytes  int64
}

func NewRegistry() *Registry {
	return &Registry{live: make(map[uint64]*Buffer)}
}

// Usage returns the current live count and byte total.
func (r *Registry) Usage() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Usage{Buffers: len(r.live), Bytes: r.bytes}
}

// Live lists live buffers ordered by allocation. Anything still listed after
// an operation finished is a leak.
func (r *Registry) Live() []Info {
	r.mu.Lock()
	infos := make([]Info, 0, len(r.live))
	for _, b := range r.live {
		infos = append(infos, Info{ID: b.id, Tag: b.tag, Shape: append([]int(nil), b.shape...), Bytes: b.bytes})
	}
	r.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (r *Registry) track(b *Buffer) {
	r.mu.Lock()
	r.nextID++
	b.id = r.nextID
	r.live[b.id] = b
	r.bytes += b.bytes
	r.mu.Unlock()
}

func (r *Registry) release(b *Buffer) {
	r.mu.Lock()
	if _, ok := r.live[b.id]; ok {
		delete(r.live, b.id)
		r.bytes -= b.bytes
	}
	r.mu.Unlock()
}

// FromFloat32s wraps data in a new tracked buffer. The buffer takes ownership
// of data.
func (r *Registry) FromFloat32s(tag string, data []float32, shape ...int) (*Buffer, error) {
	if err := checkShape(len(data), shape); err != nil {
		return nil, err
	}
	t := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(shape...), tensor.WithBacking(data))
	return r.wrap(tag, t, int64(len(data))*4), nil
}

// FromFloat64s wraps data in a new tracked buffer. The buffer takes ownership
// of data.
func (r *Registry) FromFloat64s(tag string, data []float64, shape ...int) (*Buffer, error) {
	if err := checkShape(len(data), shape); err != nil {
		return nil, err
	}
	t := tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(shape...), tensor.WithBacking(data))
	return r.wrap(tag, t, int64(len(data))*8), nil
}

// Zeros allocates a zero filled buffer of the given dtype.
func (r *Registry) Zeros(tag string, dt tensor.Dtype, shape ...int) (*Buffer, error) {
	n, err := volume(shape)
	if err != nil {
		return nil, err
	}
	switch dt {
	case tensor.Float32:
		return r.FromFloat32s(tag, make([]float32, n), shape...)
	case tensor.Float64:
		return r.FromFloat64s(tag, make([]float64, n), shape...)
	}
	return nil, errors.Errorf("unsupported dtype %v", dt)
}

func (r *Registry) wrap(tag string, t *tensor.Dense, bytes int64) *Buffer {
	b := &Buffer{
		tag:   tag,
		reg:   r,
		t:     t,
		dtype: t.Dtype(),
		shape: append([]int(nil), t.Shape()...),
		bytes: bytes,
	}
	r.track(b)
	return b
}

// Buffer is a tracked n-dimensional float array.
type Buffer struct {
	id    uint64
	tag   string
	reg   *Registry
	bytes int64
	dtype tensor.Dtype

	mu       sync.RWMutex
	t        *tensor.Dense
	shape    []int
	disposed bool
}

func (b *Buffer) ID() uint64   { return b.id }
func (b *Buffer) Tag() string  { return b.tag }
func (b *Buffer) Bytes() int64 { return b.bytes }

// Shape returns a copy of the current shape.
func (b *Buffer) Shape() []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]int(nil), b.shape...)
}

// Len returns the number of elements.
func (b *Buffer) Len() int {
	n, _ := volume(b.Shape())
	return n
}

func (b *Buffer) Dtype() tensor.Dtype {
	return b.dtype
}

// Tensor returns the underlying dense tensor.
func (b *Buffer) Tensor() (*tensor.Dense, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.disposed {
		return nil, b.disposedErr()
	}
	return b.t, nil
}

// Float32s returns the backing slice of a float32 buffer.
func (b *Buffer) Float32s() ([]float32, error) {
	t, err := b.Tensor()
	if err != nil {
		return nil, err
	}
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("buffer %d is %v, not float32", b.id, t.Dtype())
	}
	return t.Float32s(), nil
}

// Float64s returns the backing slice of a float64 buffer.
func (b *Buffer) Float64s() ([]float64, error) {
	t, err := b.Tensor()
	if err != nil {
		return nil, err
	}
	if t.Dtype() != tensor.Float64 {
		return nil, errors.Errorf("buffer %d is %v, not float64", b.id, t.Dtype())
	}
	return t.Float64s(), nil
}

// Values copies the contents widened to float64, whatever the dtype.
func (b *Buffer) Values() ([]float64, error) {
	t, err := b.Tensor()
	if err != nil {
		return nil, err
	}
	switch t.Dtype() {
	case tensor.Float64:
		return append([]float64(nil), t.Float64s()...), nil
	case tensor.Float32:
		src := t.Float32s()
		out := make([]float64, len(src))
		for i, v := range src {
			out[i] = float64(v)
		}
		return out, nil
	}
	return nil, errors.Errorf("buffer %d has unsupported dtype %v", b.id, t.Dtype())
}

// Reshape changes the shape in place. The element count must not change.
func (b *Buffer) Reshape(shape ...int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return b.disposedErr()
	}
	if err := b.t.Reshape(shape...); err != nil {
		return errors.Wrapf(err, "reshape buffer %d to %v", b.id, shape)
	}
	b.shape = append([]int(nil), shape...)
	return nil
}

// Dispose releases the buffer. Disposing twice is a no-op.
func (b *Buffer) Dispose() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	b.t = nil
	b.mu.Unlock()
	b.reg.release(b)
	return nil
}

func (b *Buffer) IsDisposed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.disposed
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer#%d(%s %v)", b.id, b.tag, b.Shape())
}

func (b *Buffer) disposedErr() error {
	return errors.Wrapf(ErrDisposed, "buffer %d (%s)", b.id, b.tag)
}

func volume(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, errors.New("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, errors.Errorf("invalid dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	return n, nil
}

func checkShape(n int, shape []int) error {
	want, err := volume(shape)
	if err != nil {
		return err
	}
	if want != n {
		return errors.Errorf("shape %v needs %d elements, got %d", shape, want, n)
	}
	return nil
}
