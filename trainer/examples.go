package trainer

import (
	"fmt"
	"time"

	"appletrainer/mlerr"
)

// Label is the class a user sorted an image into.
type Label string

const (
	LabelApple    Label = "apple"
	LabelNotApple Label = "not_apple"
)

// Valid reports whether l is a known class.
func (l Label) Valid() bool {
	return l == LabelApple || l == LabelNotApple
}

// Target is the binary training target: apple is 1.
func (l Label) Target() float64 {
	if l == LabelApple {
		return 1
	}
	return 0
}

// LabeledExample is one user-sorted image.
type LabeledExample struct {
	ID         string    `json:"id" yaml:"id"`
	ImageRef   string    `json:"imageRef" yaml:"image_ref"`
	Label      Label     `json:"label" yaml:"label"`
	CapturedAt time.Time `json:"capturedAt" yaml:"captured_at"`
}

// MaxImbalance is the majority:minority ratio above which a dataset is
// flagged as imbalanced.
const MaxImbalance = 5.0

// ValidateExamples rejects unusable datasets with a *mlerr.ValidationError.
// Problems that only degrade quality are returned as warnings.
func ValidateExamples(examples []LabeledExample) ([]string, error) {
	if len(examples) < 2 {
		return nil, &mlerr.ValidationError{Reason: fmt.Sprintf("need at least 2 examples, got %d", len(examples))}
	}

	ids := make(map[string]int, len(examples))
	refs := make(map[string]int, len(examples))
	counts := map[Label]int{}
	var warnings []string

	for i, ex := range examples {
		switch {
		case ex.ID == "":
			return nil, &mlerr.ValidationError{Reason: fmt.Sprintf("example %d has no id", i), Field: "id"}
		case ex.ImageRef == "":
			return nil, &mlerr.ValidationError{Reason: "missing image reference", Field: "imageRef", ExampleID: ex.ID}
		case ex.Label == "":
			return nil, &mlerr.ValidationError{Reason: "missing label", Field: "label", ExampleID: ex.ID}
		case !ex.Label.Valid():
			return nil, &mlerr.ValidationError{Reason: fmt.Sprintf("unknown label %q", ex.Label), Field: "label", ExampleID: ex.ID}
		}
		if j, dup := ids[ex.ID]; dup {
			return nil, &mlerr.ValidationError{Reason: fmt.Sprintf("duplicate id shared by examples %d and %d", j, i), Field: "id", ExampleID: ex.ID}
		}
		ids[ex.ID] = i
		if j, dup := refs[ex.ImageRef]; dup {
			warnings = append(warnings, fmt.Sprintf("examples %d and %d use the same image", j, i))
		} else {
			refs[ex.ImageRef] = i
		}
		counts[ex.Label]++
	}

	for _, l := range []Label{LabelApple, LabelNotApple} {
		if counts[l] == 0 {
			return nil, &mlerr.ValidationError{Reason: fmt.Sprintf("no examples of class %s", l), Field: "label"}
		}
	}

	major, minor := counts[LabelApple], counts[LabelNotApple]
	if minor > major {
		major, minor = minor, major
	}
	if ratio := float64(major) / float64(minor); ratio > MaxImbalance {
		warnings = append(warnings, fmt.Sprintf("classes are imbalanced %d:%d (apple:not_apple)",
			counts[LabelApple], counts[LabelNotApple]))
	}
	return warnings, nil
}
