// Package dataset builds labelled training sets from files on disk.
package dataset

import (
	"bufio"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"appletrainer/buffer"
	"appletrainer/trainer"
)

// imageExts are the file extensions LoadDir picks up.
var imageExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
}

// FileRef returns the file:// reference for path.
func FileRef(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %s", path)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// LoadDir reads root/apple and root/not_apple. Every image file becomes one
// example with a fresh id; files are ordered by class, then name.
func LoadDir(root string) ([]trainer.LabeledExample, error) {
	var examples []trainer.LabeledExample
	for _, label := range []trainer.Label{trainer.LabelApple, trainer.LabelNotApple} {
		dir := filepath.Join(root, string(label))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "read %s", dir)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			info, err := e.Info()
			if err != nil {
				return nil, errors.Wrapf(err, "stat %s", e.Name())
			}
			ref, err := FileRef(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, err
			}
			examples = append(examples, trainer.LabeledExample{
				ID:         uuid.NewString(),
				ImageRef:   ref,
				Label:      label,
				CapturedAt: info.ModTime().UTC(),
			})
		}
	}
	return examples, nil
}

// ReadLabels reads class names, one per line. Blank lines and lines starting
// with '#' are skipped; an unknown class is an error.
func ReadLabels(r io.Reader) ([]trainer.Label, error) {
	var labels []trainer.Label
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		l := trainer.Label(text)
		if !l.Valid() {
			return nil, errors.Errorf("line %d: unknown class %q", line, text)
		}
		labels = append(labels, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read labels")
	}
	return labels, nil
}

// ReadLabelsFile is ReadLabels on the named file.
func ReadLabelsFile(path string) ([]trainer.Label, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open labels")
	}
	defer f.Close()
	return ReadLabels(f)
}

type manifest struct {
	Examples []trainer.LabeledExample `yaml:"examples"`
}

// LoadManifest reads a YAML list of examples. Missing ids are generated and
// image references without a scheme are resolved against the manifest's
// directory.
func LoadManifest(path string) ([]trainer.LabeledExample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "parse manifest %s", path)
	}
	base := filepath.Dir(path)
	now := time.Now().UTC()
	for i := range m.Examples {
		ex := &m.Examples[i]
		if ex.ID == "" {
			ex.ID = uuid.NewString()
		}
		if ex.ImageRef != "" && !strings.Contains(ex.ImageRef, ":") {
			p := ex.ImageRef
			if !filepath.IsAbs(p) {
				p = filepath.Join(base, p)
			}
			if ex.ImageRef, err = FileRef(p); err != nil {
				return nil, err
			}
		}
		if ex.CapturedAt.IsZero() {
			ex.CapturedAt = now
		}
	}
	return m.Examples, nil
}

// EncodePNG writes a decoded [1, H, W, 3] or [H, W, 3] buffer with values
// in [0, 1] as a PNG. It lets a developer see what the extractor sees.
func EncodePNG(w io.Writer, b *buffer.Buffer) error {
	shape := b.Shape()
	if len(shape) == 4 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 3 || shape[2] != 3 {
		return errors.Errorf("preview needs an [H, W, 3] image, got %v", b.Shape())
	}
	vals, err := b.Values()
	if err != nil {
		return err
	}
	h, wd := shape[0], shape[1]
	img := image.NewRGBA(image.Rect(0, 0, wd, h))
	for y := 0; y < h; y++ {
		for x := 0; x < wd; x++ {
			i := (y*wd + x) * 3
			img.Set(x, y, color.RGBA{R: to8(vals[i]), G: to8(vals[i+1]), B: to8(vals[i+2]), A: 255})
		}
	}
	return errors.Wrap(png.Encode(w, img), "encode preview")
}

func to8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}
