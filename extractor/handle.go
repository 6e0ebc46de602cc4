package extractor

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"appletrainer/buffer"
)

// Handle is a validated extractor. Its input shape never changes after load
// and it is shared read-only by training and inference.
type Handle struct {
	net           Network
	inputShape    []int
	embeddingSize int

	closeOnce sync.Once
	closeErr  error
}

func newHandle(net Network, expected []int) (*Handle, error) {
	in := net.InputShape()
	if len(in) == len(expected)+1 {
		in = in[1:]
	}
	if len(in) != len(expected) {
		return nil, errors.Errorf("input shape %v, want [batch %v]", net.InputShape(), expected)
	}
	for i := range expected {
		if in[i] != expected[i] {
			return nil, errors.Errorf("input shape %v, want [batch %v]", net.InputShape(), expected)
		}
	}

	size := 0
	if out := net.OutputShape(); len(out) > 1 {
		size = 1
		for _, d := range out[1:] {
			if d <= 0 {
				size = 0
				break
			}
			size *= d
		}
	}
	return &Handle{
		net:           net,
		inputShape:    append([]int(nil), expected...),
		embeddingSize: size,
	}, nil
}

// InputShape is the per-image input shape, batch dimension excluded.
func (h *Handle) InputShape() []int {
	return append([]int(nil), h.inputShape...)
}

// EmbeddingSize is the declared feature length, or 0 if the network declares
// a dynamic output and the length is only known after the first embedding.
func (h *Handle) EmbeddingSize() int {
	return h.embeddingSize
}

// Embed runs input through the network and returns a [1, D] embedding owned
// by the caller. The input is not disposed.
func (h *Handle) Embed(ctx context.Context, input *buffer.Buffer) (*buffer.Buffer, error) {
	shape := input.Shape()
	if len(shape) != len(h.inputShape)+1 || shape[0] != 1 {
		return nil, errors.Errorf("embed: input shape %v, want [1 %v]", shape, h.inputShape)
	}
	for i, d := range h.inputShape {
		if shape[i+1] != d {
			return nil, errors.Errorf("embed: input shape %v, want [1 %v]", shape, h.inputShape)
		}
	}

	out, err := h.net.Embed(ctx, input)
	if err != nil {
		return nil, errors.Wrap(err, "embed")
	}
	if err := buffer.FlattenRows(out); err != nil {
		out.Dispose()
		return nil, errors.Wrap(err, "embed: flatten")
	}
	if s := out.Shape(); s[0] != 1 || (h.embeddingSize > 0 && s[1] != h.embeddingSize) {
		out.Dispose()
		return nil, errors.Errorf("embed: output shape %v, want [1 %d]", s, h.embeddingSize)
	}
	return out, nil
}

func (h *Handle) close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.net.Close()
	})
	return h.closeErr
}
