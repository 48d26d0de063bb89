// Package models - registry and output class sets of the detection models.
package models

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/zerohead/models/model"
)

// OutputClass represents one detection label.
type OutputClass struct {
	// The zero-based label predicted by the head.
	Index int
	// The human-readable label.
	Name string
}

// OutputClassSet ties a family to its full list of labels. Dense heads have
// no background class, so Index is the position in Classes.
type OutputClassSet struct {
	Family  model.Family
	Classes []OutputClass
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
}

func newClassSet(family model.Family, names ...string) *OutputClassSet {
	set := &OutputClassSet{Family: family, Classes: make([]OutputClass, len(names))}
	for i, n := range names {
		set.Classes[i] = OutputClass{Index: i, Name: n}
	}
	set.BuildNameIndexMap()
	return set
}

// BuildNameIndexMap builds or rebuilds the name->index map.
func (s *OutputClassSet) BuildNameIndexMap() {
	s.nameToIdx = make(map[string]int, len(s.Classes))
	for _, c := range s.Classes {
		s.nameToIdx[c.Name] = c.Index
	}
}

// Name returns the label of idx, or "" when idx is out of range.
func (s *OutputClassSet) Name(idx int) string {
	if idx < 0 || idx >= len(s.Classes) {
		return ""
	}
	return s.Classes[idx].Name
}

// Index returns the label index of name.
func (s *OutputClassSet) Index(name string) (int, error) {
	idx, ok := s.nameToIdx[name]
	if !ok {
		return -1, errors.Errorf("name %q not found in family %q", name, s.Family)
	}
	return idx, nil
}

// COCOClasses is the 80 COCO classes.
var COCOClasses = newClassSet(model.ModelFamilyCOCO,
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog",
	"horse", "sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella",
	"handbag", "tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite",
	"baseball bat", "baseball glove", "skateboard", "surfboard", "tennis racket", "bottle",
	"wine glass", "cup", "fork", "knife", "spoon", "bowl", "banana", "apple", "sandwich", "orange",
	"broccoli", "carrot", "hot dog", "pizza", "donut", "cake", "chair", "couch", "potted plant",
	"bed", "dining table", "toilet", "tv", "laptop", "mouse", "remote", "keyboard", "cell phone",
	"microwave", "oven", "toaster", "sink", "refrigerator", "book", "clock", "vase", "scissors",
	"teddy bear", "hair drier", "toothbrush",
)

// PascalVOCClasses is the 20 Pascal VOC classes.
var PascalVOCClasses = newClassSet(model.ModelFamilyVOC,
	"aeroplane", "bicycle", "bird", "boat", "bottle", "bus", "car", "cat", "chair", "cow",
	"diningtable", "dog", "horse", "motorbike", "person", "pottedplant", "sheep", "sofa", "train",
	"tvmonitor",
)

// ClassSet returns the label set of a family.
func ClassSet(family model.Family) (*OutputClassSet, error) {
	switch family {
	case model.ModelFamilyCOCO:
		return COCOClasses, nil
	case model.ModelFamilyVOC:
		return PascalVOCClasses, nil
	default:
		return nil, errors.Errorf("family %q not registered", family)
	}
}

// LookupName returns the class name for a given family and label.
// If the family is unknown or the label out of range, it returns an empty string.
func LookupName(family model.Family, idx int) string {
	set, err := ClassSet(family)
	if err != nil {
		return ""
	}
	return set.Name(idx)
}
