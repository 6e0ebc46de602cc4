package preprocess

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"appletrainer/buffer"
	"appletrainer/mlerr"
)

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func dataURI(raw []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)
}

func TestDecodeDataURI(t *testing.T) {
	reg := buffer.NewRegistry()
	d := NewDecoder(reg)
	red := color.RGBA{R: 255, A: 255}

	out, err := d.Decode(context.Background(), dataURI(solidPNG(t, 40, 30, red)))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	shape := out.Shape()
	want := []int{1, InputSize, InputSize, Channels}
	for i := range want {
		if shape[i] != want[i] {
			t.Fatalf("Decode shape = %v; want %v", shape, want)
		}
	}
	vals, _ := out.Float32s()
	for i, v := range vals {
		if v < 0 || v > 1 {
			t.Fatalf("value %d = %v; want in [0,1]", i, v)
		}
	}
	if vals[0] < 0.99 || vals[1] > 0.01 || vals[2] > 0.01 {
		t.Errorf("first pixel = %v; want red", vals[:3])
	}
	if got := reg.Usage().Buffers; got != 1 {
		t.Errorf("live buffers after Decode = %d; want 1 (intermediates released)", got)
	}
	out.Dispose()
}

func TestDecodeRemote(t *testing.T) {
	raw := solidPNG(t, 300, 300, color.RGBA{G: 255, A: 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/apple.png" {
			w.Write(raw)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	reg := buffer.NewRegistry()
	d := NewDecoder(reg, WithHTTPClient(srv.Client()))
	out, err := d.Decode(context.Background(), srv.URL+"/apple.png")
	if err != nil {
		t.Fatalf("Decode remote: %v", err)
	}
	out.Dispose()

	_, err = d.Decode(context.Background(), srv.URL+"/missing.png")
	var ipe *mlerr.ImageProcessingError
	if !errors.As(err, &ipe) {
		t.Errorf("Decode 404 err = %v; want *mlerr.ImageProcessingError", err)
	}
}

func TestDecodeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pear.png")
	if err := os.WriteFile(path, solidPNG(t, 8, 8, color.White), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := buffer.NewRegistry()
	out, err := NewDecoder(reg).Decode(context.Background(), "file://"+path)
	if err != nil {
		t.Fatalf("Decode file: %v", err)
	}
	vals, _ := out.Float32s()
	if vals[0] < 0.99 {
		t.Errorf("white pixel = %v; want 1", vals[0])
	}
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		name string
		ref  string
	}{
		{"unsupported scheme", "ftp://example.com/a.png"},
		{"no scheme", "apple.png"},
		{"malformed data", "data:image/png;base64"},
		{"bad base64", "data:image/png;base64,!!!"},
		{"not an image", "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))},
	}
	reg := buffer.NewRegistry()
	d := NewDecoder(reg)
	for _, tt := range tests {
		out, err := d.Decode(context.Background(), tt.ref)
		if out != nil {
			t.Errorf("%s: Decode returned a buffer with the error", tt.name)
		}
		if mlerr.KindOf(err) != mlerr.KindImageProcessing {
			t.Errorf("%s: KindOf(err) = %v; want image_processing", tt.name, mlerr.KindOf(err))
		}
	}
	if got := reg.Usage().Buffers; got != 0 {
		t.Errorf("live buffers after failures = %d; want 0", got)
	}
}

func TestDecodePayloadLimit(t *testing.T) {
	raw := solidPNG(t, 64, 64, color.Black)
	d := NewDecoder(buffer.NewRegistry(), WithMaxPayload(10))
	if _, err := d.Decode(context.Background(), "file://"+writeTemp(t, raw)); err == nil {
		t.Error("Decode over payload limit returned nil error")
	}
}

func writeTemp(t *testing.T, raw []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "img.png")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDecodeRemoteRetries(t *testing.T) {
	raw := solidPNG(t, 16, 16, color.RGBA{R: 255, A: 255})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch r.URL.Path {
		case "/flaky.png":
			if n == 1 {
				http.Error(w, "warming up", http.StatusServiceUnavailable)
				return
			}
			w.Write(raw)
		case "/down.png":
			http.Error(w, "down", http.StatusInternalServerError)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tests := []struct {
		path      string
		retries   int
		wantErr   bool
		wantCalls int32
	}{
		{"/flaky.png", 2, false, 2},
		{"/flaky.png", 0, true, 1},
		{"/down.png", 2, true, 3},
		{"/missing.png", 2, true, 1},
	}
	for _, tt := range tests {
		calls.Store(0)
		reg := buffer.NewRegistry()
		d := NewDecoder(reg, WithHTTPClient(srv.Client()), WithRetries(tt.retries, time.Millisecond))
		out, err := d.Decode(context.Background(), srv.URL+tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s with %d retries: err = %v; want error %v", tt.path, tt.retries, err, tt.wantErr)
		}
		if err != nil && mlerr.KindOf(err) != mlerr.KindImageProcessing {
			t.Errorf("%s: KindOf(err) = %v; want image_processing", tt.path, mlerr.KindOf(err))
		}
		if out != nil {
			out.Dispose()
		}
		if got := calls.Load(); got != tt.wantCalls {
			t.Errorf("%s with %d retries: %d requests; want %d", tt.path, tt.retries, got, tt.wantCalls)
		}
	}
}

func TestDecodeRemoteRetryStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewDecoder(buffer.NewRegistry(), WithHTTPClient(srv.Client()), WithRetries(5, time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := d.Decode(ctx, srv.URL+"/a.png"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Decode err = %v; want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Decode took %v; want the backoff cut short by the context", elapsed)
	}
}

func TestDecodeKeepsTranslucentColour(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 200, G: 40, B: 0, A: 128})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatal(err)
	}
	out, err := NewDecoder(buffer.NewRegistry()).Decode(context.Background(), dataURI(buf.Bytes()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	defer out.Dispose()
	vals, _ := out.Float32s()
	if r := vals[0]; r < 0.75 || r > 0.82 {
		t.Errorf("red of a half-transparent pixel = %v; want about %v", r, 200.0/255)
	}
}
