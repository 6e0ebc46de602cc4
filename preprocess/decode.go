// Package preprocess turns image references into normalized model input.
package preprocess

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"appletrainer/buffer"
	"appletrainer/mlerr"
)

const (
	// InputSize is the edge length of the square model input.
	InputSize = 224
	// Channels is the number of colour channels fed to the model.
	Channels = 3

	defaultMaxPayload   = 20 << 20
	defaultRetries      = 2
	defaultRetryBackoff = 100 * time.Millisecond
)

// InputShape is the per-image input shape without the batch dimension.
var InputShape = []int{InputSize, InputSize, Channels}

// Decoder fetches and normalizes images into [1, 224, 224, 3] float32
// buffers with values in [0, 1].
type Decoder struct {
	reg        *buffer.Registry
	client     *http.Client
	log        *zap.SugaredLogger
	maxPayload int64
	size       int
	retries    int
	backoff    time.Duration
}

type Option func(*Decoder)

// WithHTTPClient sets the client used for remote references.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Decoder) { d.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(d *Decoder) { d.log = l }
}

// WithMaxPayload bounds the encoded image size in bytes.
func WithMaxPayload(n int64) Option {
	return func(d *Decoder) { d.maxPayload = n }
}

// WithRetries sets how often a remote fetch is retried after a transport
// error, a 429 or a 5xx. The wait starts at backoff and doubles.
func WithRetries(n int, backoff time.Duration) Option {
	return func(d *Decoder) { d.retries, d.backoff = n, backoff }
}

func NewDecoder(reg *buffer.Registry, opts ...Option) *Decoder {
	d := &Decoder{
		reg:        reg,
		client:     &http.Client{Timeout: 10 * time.Second},
		log:        zap.NewNop().Sugar(),
		maxPayload: defaultMaxPayload,
		size:       InputSize,
		retries:    defaultRetries,
		backoff:    defaultRetryBackoff,
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.Named("preprocess")
	return d
}

// Decode resolves ref, decodes it and returns a new [1, 224, 224, 3] buffer
// owned by the caller. Every failure is an *mlerr.ImageProcessingError and no
// buffer is returned with it.
func (d *Decoder) Decode(ctx context.Context, ref string) (*buffer.Buffer, error) {
	raw, err := d.fetch(ctx, ref)
	if err != nil {
		return nil, &mlerr.ImageProcessingError{Ref: ref, Cause: err}
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &mlerr.ImageProcessingError{Ref: ref, Cause: errors.Wrap(err, "decode image")}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, &mlerr.ImageProcessingError{Ref: ref, Cause: errors.New("empty image")}
	}

	out, err := d.normalize(img)
	if err != nil {
		return nil, &mlerr.ImageProcessingError{Ref: ref, Cause: err}
	}
	d.log.Debugw("decoded image", "format", format, "width", b.Dx(), "height", b.Dy(), "buffer", out.ID())
	return out, nil
}

// normalize resizes img bilinearly to size x size, scales by 1/255 and adds
// the batch dimension. The resized pixel buffer is released before returning.
func (d *Decoder) normalize(img image.Image) (*buffer.Buffer, error) {
	dst := image.NewNRGBA(image.Rect(0, 0, d.size, d.size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	pixels, err := d.reg.FromFloat32s("preprocess:resized", rgbPixels(dst), d.size, d.size, Channels)
	if err != nil {
		return nil, err
	}
	defer pixels.Dispose()

	src, err := pixels.Float32s()
	if err != nil {
		return nil, err
	}
	scaled := make([]float32, len(src))
	for i, v := range src {
		scaled[i] = v / 255
	}
	return d.reg.FromFloat32s("preprocess:input", scaled, 1, d.size, d.size, Channels)
}

// rgbPixels reads straight (non-premultiplied) colour, so translucent
// pixels keep their hue at full strength.
func rgbPixels(img *image.NRGBA) []float32 {
	b := img.Bounds()
	out := make([]float32, 0, b.Dx()*b.Dy()*Channels)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.NRGBAAt(x, y)
			out = append(out, float32(c.R), float32(c.G), float32(c.B))
		}
	}
	return out
}

func (d *Decoder) fetch(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "data:") {
		return decodeDataURI(ref)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, errors.Wrap(err, "parse image reference")
	}
	switch u.Scheme {
	case "http", "https":
		return d.fetchRemote(ctx, ref)
	case "file":
		return d.readFile(u.Path)
	}
	return nil, errors.Errorf("unsupported image reference scheme %q", u.Scheme)
}

func (d *Decoder) fetchRemote(ctx context.Context, ref string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			wait := d.backoff << uint(attempt-1)
			d.log.Debugw("retrying image fetch", "ref", ref, "attempt", attempt, "wait", wait, "error", lastErr)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, errors.Wrap(ctx.Err(), "fetch image")
			case <-timer.C:
			}
		}
		data, err := d.fetchOnce(ctx, ref)
		if err == nil {
			return data, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "gave up after %d attempts", d.retries+1)
}

func (d *Decoder) fetchOnce(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, &transientError{errors.Wrap(err, "fetch image")}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := errors.Errorf("fetch image: unexpected status %s", resp.Status)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &transientError{err}
		}
		return nil, err
	}
	return d.readLimited(resp.Body)
}

// transientError marks a fetch failure worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }
func (e *transientError) Cause() error  { return e.err }

func retryable(err error) bool {
	_, ok := err.(*transientError)
	return ok
}

func (d *Decoder) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()
	return d.readLimited(f)
}

func (d *Decoder) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, d.maxPayload+1))
	if err != nil {
		return nil, errors.Wrap(err, "read image")
	}
	if int64(len(data)) > d.maxPayload {
		return nil, errors.Errorf("image larger than %d bytes", d.maxPayload)
	}
	return data, nil
}

// decodeDataURI handles data:[<mediatype>][;base64],<payload>.
func decodeDataURI(ref string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, errors.New("malformed data reference: missing ','")
	}
	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(payload)
		}
		if err != nil {
			return nil, errors.Wrap(err, "decode base64 payload")
		}
		return data, nil
	}
	data, err := url.PathUnescape(payload)
	if err != nil {
		return nil, errors.Wrap(err, "unescape data payload")
	}
	return []byte(data), nil
}
