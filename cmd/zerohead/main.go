// Command zerohead runs the detection head over a directory of images and
// prints the detections of each one.
package main

import (
	"fmt"
	"image"
	"os"

	"github.com/akamensky/argparse"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/zerohead/common"
	"github.com/nvr-ai/zerohead/images"
	"github.com/nvr-ai/zerohead/models"
	"github.com/nvr-ai/zerohead/models/model"
	"github.com/nvr-ai/zerohead/models/postprocess"
	"github.com/nvr-ai/zerohead/models/zerohead"
	"github.com/nvr-ai/zerohead/onnx"
	"github.com/nvr-ai/zerohead/profiler"
	"github.com/nvr-ai/zerohead/util"
)

// extractor turns one decoded image into a single-image feature pyramid.
type extractor func(img image.Image) ([]*tensor.Dense, postprocess.ImageMeta, error)

func main() {
	parser := argparse.NewParser("zerohead", "Run the dense detection head over a directory of images")
	imageDir := parser.String("i", "images", &argparse.Options{Help: "Directory of .jpg/.png/.bmp/.webp images", Required: true})
	configPath := parser.String("c", "config", &argparse.Options{Help: "Head YAML config (defaults to the COCO head)"})
	family := parser.String("f", "family", &argparse.Options{Help: "Label family: coco or voc", Default: string(model.ModelFamilyCOCO)})
	backbonePath := parser.String("b", "backbone", &argparse.Options{Help: "ONNX backbone YAML config. Without it, resized pixels stand in for features"})
	width := parser.Int("W", "width", &argparse.Options{Help: "Network input width", Default: 640})
	height := parser.Int("H", "height", &argparse.Options{Help: "Network input height", Default: 640})
	batch := parser.Int("n", "batch", &argparse.Options{Help: "Images per forward pass", Default: 4})
	seed := parser.Int("s", "seed", &argparse.Options{Help: "Weight initialisation seed", Default: zerohead.DefaultSeed})
	verbose := parser.Flag("v", "verbose", &argparse.Options{Help: "Debug logging"})
	if err := parser.Parse(os.Args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		os.Exit(1)
	}

	cfg := zap.NewProductionConfig()
	if *verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger, runArgs{
		imageDir:     *imageDir,
		configPath:   *configPath,
		family:       model.Family(*family),
		backbonePath: *backbonePath,
		width:        *width,
		height:       *height,
		batch:        *batch,
		seed:         int64(*seed),
	}); err != nil {
		logger.Error("zerohead failed", zap.Error(err))
		os.Exit(1)
	}
}

type runArgs struct {
	imageDir     string
	configPath   string
	family       model.Family
	backbonePath string
	width        int
	height       int
	batch        int
	seed         int64
}

func run(logger *zap.Logger, args runArgs) error {
	if args.batch <= 0 {
		return errors.Errorf("batch must be positive, got %d", args.batch)
	}
	prof := profiler.NewStageProfiler()

	m, err := models.NewModel(model.NewModelArgs{
		Name:   model.ModelNameZeroHead,
		Path:   args.configPath,
		Family: args.family,
		Config: args.configPath,
		Seed:   args.seed,
	}, zerohead.WithLogger(logger), zerohead.WithProfiler(prof))
	if err != nil {
		return errors.Wrap(err, "create model")
	}
	head, ok := m.(*zerohead.Head)
	if !ok {
		return errors.Errorf("model %s is %T, want a zerohead", m.Options().Name, m)
	}

	extract, cleanup, err := newExtractor(logger, head.Config(), args)
	if err != nil {
		return err
	}
	defer cleanup()

	files, err := util.LoadDirectoryImageFiles(args.imageDir)
	if err != nil {
		return err
	}
	logger.Info("loaded images", zap.String("dir", args.imageDir), zap.Int("count", len(files)))

	for start := 0; start < len(files); start += args.batch {
		end := start + args.batch
		if end > len(files) {
			end = len(files)
		}
		if err := detectBatch(logger, m, extract, prof, files[start:end], args.family); err != nil {
			return err
		}
	}

	prof.Report(logger)
	return nil
}

func newExtractor(logger *zap.Logger, cfg zerohead.Config, args runArgs) (extractor, func(), error) {
	if args.backbonePath == "" {
		logger.Warn("no backbone configured, using resized pixels as features")
		return func(img image.Image) ([]*tensor.Dense, postprocess.ImageMeta, error) {
			resized, meta := common.ResizeToInput(img, args.width, args.height)
			feats, err := common.ExtractMultiScaleFeatures(resized, cfg.Strides, cfg.InChannels)
			return feats, meta, err
		}, func() {}, nil
	}

	bcfg, err := onnx.LoadBackboneConfig(args.backbonePath)
	if err != nil {
		return nil, nil, err
	}
	backbone, err := onnx.NewBackbone(bcfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return backbone.Extract, backbone.Destroy, nil
}

func detectBatch(logger *zap.Logger, m model.Model, extract extractor, prof *profiler.StageProfiler,
	files []util.ImageFile, family model.Family,
) error {
	pyramids := make([][]*tensor.Dense, 0, len(files))
	metas := make([]postprocess.ImageMeta, 0, len(files))
	for _, f := range files {
		var feats []*tensor.Dense
		var meta postprocess.ImageMeta
		err := prof.Time("features", func() error {
			info, img, err := images.Decode(f.Data)
			if err != nil {
				return errors.Wrapf(err, "decode %s", f.Path)
			}
			logger.Debug("decoded image",
				zap.String("path", f.Path),
				zap.String("format", string(info.Format)),
				zap.Int("width", info.Width),
				zap.Int("height", info.Height))
			feats, meta, err = extract(img)
			return err
		})
		if err != nil {
			return err
		}
		pyramids = append(pyramids, feats)
		metas = append(metas, meta)
	}

	feats, err := common.StackBatch(pyramids)
	if err != nil {
		return err
	}
	dets, err := m.Predict(feats, metas)
	if err != nil {
		return errors.Wrap(err, "predict")
	}

	for i, d := range dets {
		fmt.Printf("%s: %d detections\n", files[i].Path, d.Len())
		for _, r := range d.Results() {
			fmt.Printf("  %-14s %.3f  [%.1f %.1f %.1f %.1f]\n",
				models.LookupName(family, r.Class), r.Score, r.Box.X1, r.Box.Y1, r.Box.X2, r.Box.Y2)
		}
	}
	return nil
}
