package zerohead

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/zerohead/images"
	"github.com/nvr-ai/zerohead/models/postprocess"
)

// GroundTruth holds the annotated objects of one image, in input-image pixels.
type GroundTruth struct {
	Boxes  []images.Rect `json:"boxes" yaml:"boxes"`
	Labels []int         `json:"labels" yaml:"labels"`
}

// positive is one matched (location, ground truth) pair, indexed into the flattened batch.
type positive struct {
	index int
	gt    images.Rect
}

// Loss computes the weighted training losses of one batch.
//
// Every location is supervised by QFL: positives towards the IoU of their
// prediction with the matched ground truth, everything else towards 0. The
// positives are additionally supervised by GIoU on the decoded box and DFL on
// the bin logits, both weighted by the location's highest class score.
//
// Arguments:
//   - feats: One (b, in_channels[i], h_i, w_i) feature map per stride.
//   - gts: One GroundTruth per batch item.
//
// Returns:
//   - The three weighted loss terms. Without any positive only QFL is non-zero.
//   - An error wrapping ErrShapeMismatch when the inputs are malformed.
func (h *Head) Loss(feats []*tensor.Dense, gts []GroundTruth) (Losses, error) {
	raw, err := h.Decode(feats)
	if err != nil {
		return Losses{}, err
	}
	batch, locations := raw.Scores.Shape()[0], raw.Scores.Shape()[1]
	if len(gts) != batch {
		return Losses{}, shapeErrorf("got %d ground truths for batch %d", len(gts), batch)
	}
	numClasses := h.cfg.NumClasses
	bins := h.cfg.RegMax + 1
	for i, gt := range gts {
		if len(gt.Boxes) != len(gt.Labels) {
			return Losses{}, shapeErrorf("image %d has %d boxes and %d labels", i, len(gt.Boxes), len(gt.Labels))
		}
		for g, l := range gt.Labels {
			if l < 0 || l >= numClasses {
				return Losses{}, shapeErrorf("image %d ground truth %d has label %d, want [0, %d)", i, g, l, numClasses)
			}
		}
	}

	scores, err := postprocess.Float32Data(raw.Scores)
	if err != nil {
		return Losses{}, err
	}
	boxes, err := postprocess.Float32Data(raw.Boxes)
	if err != nil {
		return Losses{}, err
	}
	priors, err := postprocess.Float32Data(raw.Priors)
	if err != nil {
		return Losses{}, err
	}
	logits, err := postprocess.Float32Data(raw.Forward.RegLogits)
	if err != nil {
		return Losses{}, err
	}

	labels := make([]int, batch*locations)
	for i := range labels {
		labels[i] = numClasses
	}
	qualities := make([]float32, batch*locations)
	var pos []positive

	err = h.profiler.Time("assign", func() error {
		for i, gt := range gts {
			in := AssignInput{
				Scores:   imageSlice(scores, i, locations, numClasses),
				Priors:   imageSlice(priors, i, locations, 4),
				Boxes:    imageSlice(boxes, i, locations, 4),
				GTBoxes:  gt.Boxes,
				GTLabels: gt.Labels,
			}
			res, err := h.assigner.Assign(in)
			if err != nil {
				return errors.Wrapf(err, "assign image %d", i)
			}
			for k, p := range res.PriorIndices {
				g := res.GTIndices[k]
				idx := i*locations + p
				labels[idx] = gt.Labels[g]
				qualities[idx] = res.Qualities[k]
				pos = append(pos, positive{index: idx, gt: gt.Boxes[g]})
			}
		}
		return nil
	})
	if err != nil {
		return Losses{}, err
	}

	numTotalPos := float32(len(pos))
	if numTotalPos < 1 {
		numTotalPos = 1
	}

	var out Losses
	qfl := QualityFocalLoss{UseSigmoid: false, Beta: h.cfg.Loss.QFLBeta, Reduction: ReductionMean, LossWeight: h.cfg.Loss.QFLWeight}
	flatScores := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(batch*locations, numClasses), tensor.WithBacking(scores))
	if out.QFL, err = qfl.Forward(flatScores, QFLTarget{Labels: labels, Scores: qualities}, nil, numTotalPos); err != nil {
		return Losses{}, errors.Wrap(err, "quality focal loss")
	}
	if len(pos) == 0 {
		h.logger.Debug("loss without positives", zap.Float32("qfl", out.QFL))
		return out, nil
	}

	weights := make([]float32, len(pos))
	predBoxes := make([]images.Rect, len(pos))
	gtBoxes := make([]images.Rect, len(pos))
	cornerLogits := make([]float32, 0, len(pos)*4*bins)
	cornerTargets := make([]float32, 0, len(pos)*4)
	cornerWeights := make([]float32, 0, len(pos)*4)
	var normFactor float32
	for k, p := range pos {
		row := scores[p.index*numClasses : (p.index+1)*numClasses]
		w := row[0]
		for _, s := range row[1:] {
			if s > w {
				w = s
			}
		}
		weights[k] = w
		normFactor += w

		predBoxes[k] = images.RectFromSlice(boxes[p.index*4 : p.index*4+4])
		gtBoxes[k] = p.gt

		stride := priors[p.index*4+2]
		x, y := priors[p.index*4]/stride, priors[p.index*4+1]/stride
		gt := images.Rect{X1: p.gt.X1 / stride, Y1: p.gt.Y1 / stride, X2: p.gt.X2 / stride, Y2: p.gt.Y2 / stride}
		d := encodeDistance(x, y, gt, float32(h.cfg.RegMax), DefaultDistanceEps)
		cornerTargets = append(cornerTargets, d[:]...)
		cornerLogits = append(cornerLogits, logits[p.index*4*bins:(p.index+1)*4*bins]...)
		cornerWeights = append(cornerWeights, w, w, w, w)
	}
	if normFactor < 1 {
		normFactor = 1
	}

	giou := GIoULoss{Eps: 1e-6, Reduction: ReductionMean, LossWeight: h.cfg.Loss.GIoUWeight}
	if out.GIoU, err = giou.Forward(predBoxes, gtBoxes, weights, normFactor); err != nil {
		return Losses{}, errors.Wrap(err, "giou loss")
	}
	dfl := DistributionFocalLoss{Reduction: ReductionMean, LossWeight: h.cfg.Loss.DFLWeight}
	corners := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(len(pos)*4, bins), tensor.WithBacking(cornerLogits))
	if out.DFL, err = dfl.Forward(corners, cornerTargets, cornerWeights, 4*normFactor); err != nil {
		return Losses{}, errors.Wrap(err, "distribution focal loss")
	}

	h.logger.Debug("computed losses",
		zap.Int("positives", len(pos)),
		zap.Float32("qfl", out.QFL),
		zap.Float32("dfl", out.DFL),
		zap.Float32("giou", out.GIoU))
	return out, nil
}

// imageSlice wraps image i of a flattened (b, L, width) buffer without copying.
func imageSlice(data []float32, i, locations, width int) *tensor.Dense {
	n := locations * width
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(locations, width), tensor.WithBacking(data[i*n:(i+1)*n]))
}
