package zerohead

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/zerohead/images"
	"github.com/nvr-ai/zerohead/models/postprocess"
)

// Reduction selects how per-sample losses are combined.
type Reduction string

const (
	// ReductionNone keeps one value per sample.
	ReductionNone Reduction = "none"
	// ReductionMean averages, or divides the sum by the average factor when one is given.
	ReductionMean Reduction = "mean"
	// ReductionSum sums.
	ReductionSum Reduction = "sum"
)

// float32 machine epsilon, added to the average factor.
const avgFactorEps = 1.1920929e-07

// logClamp is the lower bound of log terms in binary cross-entropy.
const logClamp = -100

// reduceLoss applies per-sample weights then reduces.
//
// Arguments:
//   - loss: Per-sample losses. Modified in place.
//   - weight: Optional per-sample weights, same length as loss.
//   - reduction: Mean or sum.
//   - avgFactor: When positive, mean becomes sum / (avgFactor + eps).
//
// Returns:
//   - The reduced loss. An empty input reduces to 0.
func reduceLoss(loss, weight []float32, reduction Reduction, avgFactor float32) (float32, error) {
	if weight != nil {
		if len(weight) != len(loss) {
			return 0, shapeErrorf("loss weight has %d values for %d samples", len(weight), len(loss))
		}
		for i := range loss {
			loss[i] *= weight[i]
		}
	}
	var sum float32
	for _, v := range loss {
		sum += v
	}
	switch reduction {
	case ReductionSum:
		if avgFactor > 0 {
			return 0, errors.Wrap(ErrInvalidConfig, "avg factor can not be used with reduction sum")
		}
		return sum, nil
	case ReductionMean:
		if avgFactor > 0 {
			return sum / (avgFactor + avgFactorEps), nil
		}
		if len(loss) == 0 {
			return 0, nil
		}
		return sum / float32(len(loss)), nil
	default:
		return 0, errors.Wrapf(ErrInvalidConfig, "reduction %q has no scalar result, use Elementwise", reduction)
	}
}

// bce is binary cross-entropy on probabilities with log clamped at -100.
func bce(p, y float32) float32 {
	return -(y*math32.Max(math32.Log(p), logClamp) + (1-y)*math32.Max(math32.Log(1-p), logClamp))
}

// bceWithLogits is binary cross-entropy on logits, in the stable form.
func bceWithLogits(x, y float32) float32 {
	return math32.Max(x, 0) - x*y + math32.Log1p(math32.Exp(-math32.Abs(x)))
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// QFLTarget pairs each sample's class label with its quality score. A label
// outside [0, C) marks a negative sample.
type QFLTarget struct {
	Labels []int
	Scores []float32
}

// QualityFocalLoss supervises joint class-quality scores: negatives are pushed
// towards 0 and each positive's labelled class towards its quality score, both
// modulated by |target - prediction|^Beta.
type QualityFocalLoss struct {
	// UseSigmoid treats predictions as logits. When false they are probabilities.
	UseSigmoid bool
	Beta       float32
	Reduction  Reduction
	LossWeight float32
}

// NewQualityFocalLoss returns a loss on logits with beta 2, mean reduction and weight 1.
func NewQualityFocalLoss() QualityFocalLoss {
	return QualityFocalLoss{UseSigmoid: true, Beta: 2.0, Reduction: ReductionMean, LossWeight: 1.0}
}

// Elementwise returns LossWeight * weight[i] * loss[i] for every sample.
func (l QualityFocalLoss) Elementwise(pred *tensor.Dense, target QFLTarget, weight []float32) ([]float32, error) {
	loss, err := l.perSample(pred, target)
	if err != nil {
		return nil, err
	}
	if weight != nil && len(weight) != len(loss) {
		return nil, shapeErrorf("loss weight has %d values for %d samples", len(weight), len(loss))
	}
	for i := range loss {
		if weight != nil {
			loss[i] *= weight[i]
		}
		loss[i] *= l.LossWeight
	}
	return loss, nil
}

// Forward computes the reduced loss.
//
// Arguments:
//   - pred: (N, C) predictions.
//   - target: N labels and N quality scores.
//   - weight: Optional per-sample weights.
//   - avgFactor: Optional normaliser; 0 means none.
//
// Returns:
//   - The weighted, reduced loss.
//   - An error wrapping ErrShapeMismatch when lengths disagree.
func (l QualityFocalLoss) Forward(pred *tensor.Dense, target QFLTarget, weight []float32, avgFactor float32) (float32, error) {
	loss, err := l.perSample(pred, target)
	if err != nil {
		return 0, err
	}
	r, err := reduceLoss(loss, weight, l.Reduction, avgFactor)
	if err != nil {
		return 0, err
	}
	return l.LossWeight * r, nil
}

func (l QualityFocalLoss) perSample(pred *tensor.Dense, target QFLTarget) ([]float32, error) {
	shape := pred.Shape()
	if shape.Dims() != 2 {
		return nil, shapeErrorf("quality focal loss expects (N, C) predictions, got %v", shape)
	}
	n, c := shape[0], shape[1]
	if len(target.Labels) != n || len(target.Scores) != n {
		return nil, shapeErrorf("quality focal loss got %d predictions, %d labels and %d scores", n, len(target.Labels), len(target.Scores))
	}
	data, err := postprocess.Float32Data(pred)
	if err != nil {
		return nil, err
	}

	loss := make([]float32, n)
	for i := 0; i < n; i++ {
		row := data[i*c : (i+1)*c]
		label := target.Labels[i]
		var sum float32
		for k, x := range row {
			p := x
			if l.UseSigmoid {
				p = sigmoid(x)
			}
			var v float32
			if k == label {
				y := target.Scores[i]
				if l.UseSigmoid {
					v = bceWithLogits(x, y)
				} else {
					v = bce(p, y)
				}
				v *= math32.Pow(math32.Abs(y-p), l.Beta)
			} else {
				if l.UseSigmoid {
					v = bceWithLogits(x, 0)
				} else {
					v = bce(p, 0)
				}
				v *= math32.Pow(p, l.Beta)
			}
			sum += v
		}
		loss[i] = sum
	}
	return loss, nil
}

// DistributionFocalLoss makes each side's distribution concentrate on the two
// bins around its continuous target.
type DistributionFocalLoss struct {
	Reduction  Reduction
	LossWeight float32
}

// NewDistributionFocalLoss returns a mean-reduced loss with weight 0.25.
func NewDistributionFocalLoss() DistributionFocalLoss {
	return DistributionFocalLoss{Reduction: ReductionMean, LossWeight: 0.25}
}

// Forward computes the reduced loss.
//
// Arguments:
//   - pred: (N, RegMax+1) unnormalised bin logits.
//   - target: N distances in bin units, each in [0, RegMax).
//   - weight: Optional per-sample weights.
//   - avgFactor: Optional normaliser; 0 means none.
//
// Returns:
//   - The weighted, reduced loss.
//   - An error wrapping ErrShapeMismatch for bad shapes or out-of-range targets.
func (l DistributionFocalLoss) Forward(pred *tensor.Dense, target, weight []float32, avgFactor float32) (float32, error) {
	shape := pred.Shape()
	if shape.Dims() != 2 || shape[1] < 2 {
		return 0, shapeErrorf("distribution focal loss expects (N, bins) logits, got %v", shape)
	}
	n, bins := shape[0], shape[1]
	if len(target) != n {
		return 0, shapeErrorf("distribution focal loss got %d predictions and %d targets", n, len(target))
	}
	data, err := postprocess.Float32Data(pred)
	if err != nil {
		return 0, err
	}

	loss := make([]float32, n)
	for i, t := range target {
		if t < 0 || t >= float32(bins-1) {
			return 0, shapeErrorf("distribution target %v outside [0, %d)", t, bins-1)
		}
		row := data[i*bins : (i+1)*bins]
		left := int(t)
		right := left + 1
		wLeft := float32(right) - t
		wRight := t - float32(left)
		lse := logSumExp(row)
		loss[i] = (lse-row[left])*wLeft + (lse-row[right])*wRight
	}
	r, err := reduceLoss(loss, weight, l.Reduction, avgFactor)
	if err != nil {
		return 0, err
	}
	return l.LossWeight * r, nil
}

func logSumExp(row []float32) float32 {
	m := row[0]
	for _, v := range row[1:] {
		m = math32.Max(m, v)
	}
	var sum float32
	for _, v := range row {
		sum += math32.Exp(v - m)
	}
	return m + math32.Log(sum)
}

// GIoULoss is 1 - GIoU between aligned box pairs.
type GIoULoss struct {
	Eps        float32
	Reduction  Reduction
	LossWeight float32
}

// NewGIoULoss returns a mean-reduced loss with weight 2.
func NewGIoULoss() GIoULoss {
	return GIoULoss{Eps: 1e-6, Reduction: ReductionMean, LossWeight: 2.0}
}

// GeneralizedIoU returns IoU minus the share of the enclosing box not covered
// by the union. eps bounds the union and enclosing area from below.
func GeneralizedIoU(a, b images.Rect, eps float32) float32 {
	iw := math32.Max(math32.Min(a.X2, b.X2)-math32.Max(a.X1, b.X1), 0)
	ih := math32.Max(math32.Min(a.Y2, b.Y2)-math32.Max(a.Y1, b.Y1), 0)
	overlap := iw * ih
	union := math32.Max(a.Area()+b.Area()-overlap, eps)
	iou := overlap / union

	e := images.Enclosing(a, b)
	enclose := math32.Max(math32.Max(e.Width(), 0)*math32.Max(e.Height(), 0), eps)
	return iou - (enclose-union)/enclose
}

// Forward computes the reduced loss. When every weight is zero the result is 0.
//
// Arguments:
//   - pred, target: Aligned box pairs.
//   - weight: Optional per-pair weights.
//   - avgFactor: Optional normaliser; 0 means none.
func (l GIoULoss) Forward(pred, target []images.Rect, weight []float32, avgFactor float32) (float32, error) {
	if len(pred) != len(target) {
		return 0, shapeErrorf("giou loss got %d predictions and %d targets", len(pred), len(target))
	}
	if weight != nil {
		positive := false
		for _, w := range weight {
			if w > 0 {
				positive = true
				break
			}
		}
		if !positive {
			return 0, nil
		}
	}
	loss := make([]float32, len(pred))
	for i := range pred {
		loss[i] = 1 - GeneralizedIoU(pred[i], target[i], l.Eps)
	}
	r, err := reduceLoss(loss, weight, l.Reduction, avgFactor)
	if err != nil {
		return 0, err
	}
	return l.LossWeight * r, nil
}

// Losses are the weighted training terms of one batch.
type Losses struct {
	QFL  float32 `json:"loss_qfl" yaml:"loss_qfl"`
	DFL  float32 `json:"loss_dfl" yaml:"loss_dfl"`
	GIoU float32 `json:"loss_giou" yaml:"loss_giou"`
}

// Total is the sum of the weighted terms.
func (l Losses) Total() float32 {
	return l.QFL + l.DFL + l.GIoU
}
