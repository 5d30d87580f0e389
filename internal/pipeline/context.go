package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"lesionseg/internal/config"
	"lesionseg/internal/memo"
	"lesionseg/internal/tools"
)

// Context translates each pipeline stage into one memoized invocation,
// owning the per-stage parameter construction. It is read-only after
// construction and safe to reuse across runs.
type Context struct {
	cfg     *config.Config
	invoker *memo.Invoker
	forests *ForestRegistry
}

// NewContext creates a Context over a validated configuration.
func NewContext(cfg *config.Config, invoker *memo.Invoker, forests *ForestRegistry) (*Context, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if invoker == nil {
		return nil, fmt.Errorf("invoker is nil")
	}
	if forests == nil {
		forests = NewForestRegistry()
	}
	return &Context{cfg: cfg, invoker: invoker, forests: forests}, nil
}

// OutputDir returns the configured output directory.
func (c *Context) OutputDir() string { return c.cfg.OutputDir }

// RegistrationBase returns the first configured registration-base candidate
// present in the available sequences. The candidate list is a priority
// order, not a membership set.
func (c *Context) RegistrationBase(sequences SequenceSet) (string, error) {
	for _, candidate := range c.cfg.RegistrationBases {
		if _, ok := sequences[candidate]; ok {
			return candidate, nil
		}
	}
	return "", &SelectionError{
		Resource:   "registration base sequence",
		Candidates: c.cfg.RegistrationBases,
	}
}

// SkullstrippingBase returns the first configured skull-stripping-base
// candidate present in the available sequences.
func (c *Context) SkullstrippingBase(sequences SequenceSet) (string, error) {
	for _, candidate := range c.cfg.SkullstrippingBases {
		if _, ok := sequences[candidate]; ok {
			return candidate, nil
		}
	}
	return "", &SelectionError{
		Resource:   "skullstripping base sequence",
		Candidates: c.cfg.SkullstrippingBases,
	}
}

// IntensityModel returns the intensity model file for a sequence. The file
// name convention intensity_model_<sequence>.pkl is part of the contract
// with whatever trains the model directory.
func (c *Context) IntensityModel(sequenceID string) (string, error) {
	path := filepath.Join(c.cfg.IntensityModelDir,
		fmt.Sprintf("intensity_model_%s.pkl", sequenceID))
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return "", &SelectionError{
			Resource:   fmt.Sprintf("intensity model for sequence %q (expected at %s)", sequenceID, path),
			Candidates: nil,
		}
	}
	return path, nil
}

// Forest returns the forest file for the given sequence combination.
func (c *Context) Forest(sequences SequenceSet) (string, error) {
	filename, err := c.forests.Lookup(sequences.IDs())
	if err != nil {
		return "", err
	}
	return filepath.Join(c.cfg.ForestDir, filename), nil
}

// Resample resamples an image to the configured pixel spacing.
func (c *Context) Resample(ctx context.Context, inFile string) (string, error) {
	outputs, err := c.invoker.Invoke(ctx, tools.OpResample, memo.Params{
		"in_file": inFile,
		"spacing": c.cfg.SpacingString(),
	})
	if err != nil {
		return "", err
	}
	return outputs["out_file"], nil
}

// Register warps a moving image onto a fixed image using the configured
// registration parameter file. Returns the warped image and the transform,
// which a later Transform call can reuse.
func (c *Context) Register(ctx context.Context, movingImage, fixedImage string) (warped, transform string, err error) {
	outputs, err := c.invoker.Invoke(ctx, tools.OpRegister, memo.Params{
		"moving_image":   movingImage,
		"fixed_image":    fixedImage,
		"parameter_file": c.cfg.ElastixParameterFile,
	})
	if err != nil {
		return "", "", err
	}
	return outputs["warped_file"], outputs["transform"], nil
}

// Transform applies a previously computed registration transform to an
// image. No new registration is performed.
func (c *Context) Transform(ctx context.Context, movingImage, transformFile string) (string, error) {
	outputs, err := c.invoker.Invoke(ctx, tools.OpApplyWarp, memo.Params{
		"moving_image":   movingImage,
		"transform_file": transformFile,
	})
	if err != nil {
		return "", err
	}
	return outputs["warped_file"], nil
}

// Skullstrip computes a brain mask with robust-mode brain extraction.
func (c *Context) Skullstrip(ctx context.Context, inFile string) (string, error) {
	outputs, err := c.invoker.Invoke(ctx, tools.OpSkullstrip, memo.Params{
		"in_file":     inFile,
		"mask":        true,
		"robust":      true,
		"output_type": "NIFTI_GZ",
	})
	if err != nil {
		return "", err
	}
	return outputs["mask_file"], nil
}

// ApplyMask intersects an image with a binary mask.
func (c *Context) ApplyMask(ctx context.Context, inFile, maskFile string) (string, error) {
	outputs, err := c.invoker.Invoke(ctx, tools.OpApplyMask, memo.Params{
		"in_file":   inFile,
		"mask_file": maskFile,
	})
	if err != nil {
		return "", err
	}
	return outputs["out_file"], nil
}

// CorrectBiasfield performs bias-field correction followed by NIfTI metadata
// normalization: two chained external calls, each memoized on its own key.
func (c *Context) CorrectBiasfield(ctx context.Context, inFile, maskFile string) (string, error) {
	corrected, err := c.invoker.Invoke(ctx, tools.OpBiasfield, memo.Params{
		"in_file":   inFile,
		"mask_file": maskFile,
	})
	if err != nil {
		return "", err
	}
	outputs, err := c.invoker.Invoke(ctx, tools.OpModifyMetadata, memo.Params{
		"in_file": corrected["out_file"],
		"tasks":   []string{"qf=aff", "sf=aff", "qfc=1", "sfc=1"},
	})
	if err != nil {
		return "", err
	}
	return outputs["out_file"], nil
}

// StandardizeIntensityrange maps an image onto a per-sequence intensity
// model, then condenses outliers: two chained external calls.
func (c *Context) StandardizeIntensityrange(ctx context.Context, inFile, maskFile, modelFile string) (string, error) {
	standardized, err := c.invoker.Invoke(ctx, tools.OpIntensityStd, memo.Params{
		"in_file":    inFile,
		"mask_file":  maskFile,
		"model_file": modelFile,
	})
	if err != nil {
		return "", err
	}
	outputs, err := c.invoker.Invoke(ctx, tools.OpCondenseOutliers, memo.Params{
		"in_file": standardized["out_file"],
	})
	if err != nil {
		return "", err
	}
	return outputs["out_file"], nil
}

// ExtractFeatures runs feature extraction once over the whole sequence set.
func (c *Context) ExtractFeatures(ctx context.Context, sequences SequenceSet, maskFile string) (string, error) {
	outputs, err := c.invoker.Invoke(ctx, tools.OpExtractFeatures, memo.Params{
		"sequence_paths": map[string]string(sequences),
		"config_file":    c.cfg.FeatureConfigFile,
		"mask_file":      maskFile,
	})
	if err != nil {
		return "", err
	}
	return outputs["out_dir"], nil
}

// ApplyRDF classifies the extracted features with a decision forest and
// returns the segmentation and probability image paths.
func (c *Context) ApplyRDF(ctx context.Context, forestFile, featureDir, maskFile string) (segmentation, probability string, err error) {
	outputs, err := c.invoker.Invoke(ctx, tools.OpApplyRDF, memo.Params{
		"forest_file":         forestFile,
		"feature_config_file": c.cfg.FeatureConfigFile,
		"in_dir":              featureDir,
		"mask_file":           maskFile,
	})
	if err != nil {
		return "", "", err
	}
	return outputs["segmentation_file"], outputs["probability_file"], nil
}
