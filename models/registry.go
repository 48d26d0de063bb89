// Package models - registry for models.
package models

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/nvr-ai/zerohead/models/model"
	"github.com/nvr-ai/zerohead/models/zerohead"
)

// NewModel creates a new detection model instance based on the specified model type.
//
// Arguments:
//   - args: Configuration parameters specifying the model type, its YAML config
//     and the weight seed.
//   - opts: Extra head options such as a logger or profiler.
//
// Returns:
//   - model.Model: A fully configured model instance implementing the Model interface.
//   - error: An error if the config cannot be loaded, the family has no label
//     set or the model type is unsupported.
//
// Example:
//
// ```go
//
//	m, err := NewModel(model.NewModelArgs{
//	    Name:   model.ModelNameZeroHead,
//	    Config: "configs/zerohead_coco.yaml",
//	})
//	if err != nil {
//	    log.Fatalf("Failed to create detection model: %v", err)
//	}
//
// ```
func NewModel(args model.NewModelArgs, opts ...zerohead.Option) (model.Model, error) {
	switch args.Name {
	case model.ModelNameZeroHead:
		return newZeroHead(args, opts...)
	default:
		return nil, errors.Errorf("unsupported model name: %s", args.Name)
	}
}

func newZeroHead(args model.NewModelArgs, opts ...zerohead.Option) (*zerohead.Head, error) {
	cfg := zerohead.DefaultConfig()
	if args.Config != "" {
		loaded, err := zerohead.LoadConfig(args.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	family := args.Family
	if family == "" {
		family = model.ModelFamilyCOCO
	}
	set, err := ClassSet(family)
	if err != nil {
		return nil, err
	}
	if len(set.Classes) != cfg.NumClasses {
		return nil, errors.Wrapf(zerohead.ErrInvalidConfig, "family %q has %d classes, config has %d",
			family, len(set.Classes), cfg.NumClasses)
	}

	base := []zerohead.Option{zerohead.WithFamily(family), zerohead.WithSource(args.Path)}
	if args.Seed != 0 {
		cfg = cfg.Normalize()
		base = append(base, zerohead.WithWeights(zerohead.NewWeights(cfg, rand.New(rand.NewSource(args.Seed)))))
	}
	return zerohead.NewHead(cfg, append(base, opts...)...)
}
