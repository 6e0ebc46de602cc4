package buffer

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// FlattenRows reshapes b in place to [rows, rest], keeping the leading
// dimension. A rank 1 buffer becomes [1, n].
func FlattenRows(b *Buffer) error {
	shape := b.Shape()
	if len(shape) == 2 {
		return nil
	}
	n, err := volume(shape)
	if err != nil {
		return err
	}
	rows := 1
	if len(shape) > 1 {
		rows = shape[0]
	}
	return b.Reshape(rows, n/rows)
}

// Stack concatenates [1, D] row buffers into a new [N, D] float32 buffer. The
// inputs are left untouched; their owner still disposes them.
func Stack(reg *Registry, tag string, rows []*Buffer) (*Buffer, error) {
	if len(rows) == 0 {
		return nil, errors.New("stack: no rows")
	}
	width := rows[0].Len()
	out := make([]float32, 0, len(rows)*width)
	for i, row := range rows {
		if row.Len() != width {
			return nil, errors.Errorf("stack: row %d has %d values, want %d", i, row.Len(), width)
		}
		t, err := row.Tensor()
		if err != nil {
			return nil, errors.Wrapf(err, "stack: row %d", i)
		}
		switch t.Dtype() {
		case tensor.Float32:
			out = append(out, t.Float32s()...)
		case tensor.Float64:
			for _, v := range t.Float64s() {
				out = append(out, float32(v))
			}
		default:
			return nil, errors.Errorf("stack: row %d has unsupported dtype %v", i, t.Dtype())
		}
	}
	return reg.FromFloat32s(tag, out, len(rows), width)
}
