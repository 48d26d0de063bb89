package zerohead

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/zerohead/images"
	"github.com/nvr-ai/zerohead/models/postprocess"
)

// AssignInput is everything an assigner sees for one image.
type AssignInput struct {
	// Scores is (L, C) class probabilities.
	Scores *tensor.Dense
	// Priors is (L, 4) rows of (x, y, stride_x, stride_y).
	Priors *tensor.Dense
	// Boxes is (L, 4) decoded predictions.
	Boxes *tensor.Dense
	// GTBoxes and GTLabels describe the annotated objects.
	GTBoxes  []images.Rect
	GTLabels []int
}

// AssignResult lists the positive priors in ascending order together with the
// ground truth each one was matched to.
type AssignResult struct {
	PriorIndices []int
	GTIndices    []int
	// Qualities is the IoU between each positive's prediction and its ground truth.
	Qualities []float32
}

// Len returns the number of positives.
func (r AssignResult) Len() int {
	return len(r.PriorIndices)
}

// Assigner matches priors to ground-truth objects.
type Assigner interface {
	Assign(in AssignInput) (AssignResult, error)
}

const (
	// assignInf excludes a pair whose prior is not inside both the box and its center region.
	assignInf = 1e8
	assignEps = 1e-7
)

// AlignOTAAssigner is a simplified optimal-transport assigner: each ground
// truth takes the k cheapest candidate priors, where k follows from the sum of
// its best IoUs, and priors claimed twice go to the cheaper ground truth.
type AlignOTAAssigner struct {
	CenterRadius  float32
	ClsWeight     float64
	IoUWeight     float64
	CandidateTopK int
}

// NewAlignOTAAssigner builds an assigner from cfg.
func NewAlignOTAAssigner(cfg AssignerConfig) *AlignOTAAssigner {
	return &AlignOTAAssigner{
		CenterRadius:  cfg.CenterRadius,
		ClsWeight:     cfg.ClsWeight,
		IoUWeight:     cfg.IoUWeight,
		CandidateTopK: cfg.CandidateTopK,
	}
}

// Assign implements Assigner.
//
// Arguments:
//   - in: One image's predictions, priors and ground truth.
//
// Returns:
//   - The positives. No ground truth or no candidate prior yields an empty result.
//   - An error wrapping ErrShapeMismatch when the inputs disagree.
func (a *AlignOTAAssigner) Assign(in AssignInput) (AssignResult, error) {
	scores, priors, boxes, numPriors, numClasses, err := a.unpack(in)
	if err != nil {
		return AssignResult{}, err
	}
	numGT := len(in.GTBoxes)
	if numGT == 0 || numPriors == 0 {
		return AssignResult{}, nil
	}

	valid, inBoth := a.candidates(priors, numPriors, in.GTBoxes)
	if len(valid) == 0 {
		return AssignResult{}, nil
	}
	numValid := len(valid)

	ious := mat.NewDense(numValid, numGT, nil)
	cost := mat.NewDense(numValid, numGT, nil)
	for r, p := range valid {
		pred := images.RectFromSlice(boxes[p*4 : p*4+4])
		row := scores[p*numClasses : (p+1)*numClasses]
		for g, gt := range in.GTBoxes {
			iou := float64(images.CalculateIoU(pred, gt))
			ious.Set(r, g, iou)

			var clsCost float64
			for k, s := range row {
				var y float32
				if k == in.GTLabels[g] {
					y = float32(iou)
				}
				clsCost += float64(bce(s, y))
			}
			c := clsCost*a.ClsWeight - math.Log(iou+assignEps)*a.IoUWeight
			if !inBoth[r][g] {
				c += assignInf
			}
			cost.Set(r, g, c)
		}
	}

	matched := a.dynamicKMatching(cost, ious)

	res := AssignResult{}
	for r, g := range matched {
		if g < 0 {
			continue
		}
		res.PriorIndices = append(res.PriorIndices, valid[r])
		res.GTIndices = append(res.GTIndices, g)
		res.Qualities = append(res.Qualities, float32(ious.At(r, g)))
	}
	return res, nil
}

func (a *AlignOTAAssigner) unpack(in AssignInput) (scores, priors, boxes []float32, numPriors, numClasses int, err error) {
	ss, ps, bs := in.Scores.Shape(), in.Priors.Shape(), in.Boxes.Shape()
	if ss.Dims() != 2 || ps.Dims() != 2 || bs.Dims() != 2 || ps[1] != 4 || bs[1] != 4 || ss[0] != ps[0] || ss[0] != bs[0] {
		return nil, nil, nil, 0, 0, shapeErrorf("assigner needs (L, C) scores with (L, 4) priors and boxes, got %v, %v and %v", ss, ps, bs)
	}
	if len(in.GTBoxes) != len(in.GTLabels) {
		return nil, nil, nil, 0, 0, shapeErrorf("assigner got %d boxes and %d labels", len(in.GTBoxes), len(in.GTLabels))
	}
	for g, l := range in.GTLabels {
		if l < 0 || l >= ss[1] {
			return nil, nil, nil, 0, 0, shapeErrorf("ground truth %d has label %d, want [0, %d)", g, l, ss[1])
		}
	}
	if scores, err = postprocess.Float32Data(in.Scores); err != nil {
		return
	}
	if priors, err = postprocess.Float32Data(in.Priors); err != nil {
		return
	}
	if boxes, err = postprocess.Float32Data(in.Boxes); err != nil {
		return
	}
	return scores, priors, boxes, ss[0], ss[1], nil
}

// candidates returns the priors that lie inside any ground truth box or its
// center region, and for each of them whether it lies inside both for a given
// ground truth.
func (a *AlignOTAAssigner) candidates(priors []float32, numPriors int, gts []images.Rect) ([]int, [][]bool) {
	var (
		valid  []int
		inBoth [][]bool
	)
	for p := 0; p < numPriors; p++ {
		x, y := priors[p*4], priors[p*4+1]
		sx, sy := priors[p*4+2], priors[p*4+3]
		row := make([]bool, len(gts))
		candidate := false
		for g, gt := range gts {
			inBox := x-gt.X1 > 0 && y-gt.Y1 > 0 && gt.X2-x > 0 && gt.Y2-y > 0

			cx, cy := (gt.X1+gt.X2)/2, (gt.Y1+gt.Y2)/2
			rx, ry := a.CenterRadius*sx, a.CenterRadius*sy
			inCenter := x-(cx-rx) > 0 && y-(cy-ry) > 0 && (cx+rx)-x > 0 && (cy+ry)-y > 0

			row[g] = inBox && inCenter
			candidate = candidate || inBox || inCenter
		}
		if candidate {
			valid = append(valid, p)
			inBoth = append(inBoth, row)
		}
	}
	return valid, inBoth
}

// dynamicKMatching returns, for every candidate row, the matched ground truth
// column or -1.
func (a *AlignOTAAssigner) dynamicKMatching(cost, ious *mat.Dense) []int {
	numValid, numGT := cost.Dims()
	topK := a.CandidateTopK
	if topK > numValid {
		topK = numValid
	}

	matches := make([][]int, numValid)
	col := make([]float64, numValid)
	for g := 0; g < numGT; g++ {
		mat.Col(col, g, ious)
		best := append([]float64(nil), col...)
		sort.Sort(sort.Reverse(sort.Float64Slice(best)))
		var sum float64
		for _, v := range best[:topK] {
			sum += v
		}
		k := int(sum)
		if k < 1 {
			k = 1
		}

		mat.Col(col, g, cost)
		order := make([]int, numValid)
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(i, j int) bool { return col[order[i]] < col[order[j]] })
		for _, r := range order[:k] {
			matches[r] = append(matches[r], g)
		}
	}

	matched := make([]int, numValid)
	for r, gs := range matches {
		switch len(gs) {
		case 0:
			matched[r] = -1
		case 1:
			matched[r] = gs[0]
		default:
			bestG, bestCost := 0, math.Inf(1)
			for g := 0; g < numGT; g++ {
				if c := cost.At(r, g); c < bestCost {
					bestG, bestCost = g, c
				}
			}
			matched[r] = bestG
		}
	}
	return matched
}
