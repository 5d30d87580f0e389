// Package tools adapts named pipeline operations to the external programs
// that implement them.
//
// Each operation is registered with a command builder and the set of named
// outputs the program is expected to produce inside its working directory.
// The adapter owns no decision logic: parameter construction happens in the
// pipeline context, sequencing in the driver, memoization in the invoker.
package tools

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"lesionseg/internal/memo"
)

// Operation names understood by the adapter.
const (
	OpResample           = "medpy_resample"
	OpRegister           = "elastix_registration"
	OpApplyWarp          = "elastix_apply_warp"
	OpSkullstrip         = "fsl_bet"
	OpApplyMask          = "apply_mask"
	OpBiasfield          = "cmtk_mrbias"
	OpModifyMetadata     = "nifti_modify_metadata"
	OpIntensityStd       = "medpy_intensity_range_standardization"
	OpCondenseOutliers   = "condense_outliers"
	OpExtractFeatures    = "extract_features"
	OpApplyRDF           = "apply_rdf"
)

// opSpec describes one external operation: how to build its command line and
// which named outputs it leaves in the working directory.
type opSpec struct {
	// outputs maps output names to paths relative to the working directory.
	outputs map[string]string

	// build constructs the argv from the parameter record. Paths in the
	// returned argv that refer to outputs must live under workDir.
	build func(p memo.Params, workDir string) ([]string, error)
}

// registry holds every operation the pipeline can invoke.
//
// Command lines follow the conventions of the underlying toolchains: medpy
// scripts for resampling and intensity standardization, elastix/transformix
// for registration, FSL bet for brain extraction, CMTK mrbias for bias-field
// correction, and the lesionseg companion scripts for mask application,
// metadata normalization, outlier condensation, feature extraction and
// forest classification.
var registry = map[string]opSpec{
	OpResample: {
		outputs: map[string]string{"out_file": "resampled.nii.gz"},
		build: func(p memo.Params, workDir string) ([]string, error) {
			inFile, err := stringParam(p, "in_file")
			if err != nil {
				return nil, err
			}
			spacing, err := stringParam(p, "spacing")
			if err != nil {
				return nil, err
			}
			return []string{
				"medpy_resample.py", inFile,
				filepath.Join(workDir, "resampled.nii.gz"), spacing,
			}, nil
		},
	},
	OpRegister: {
		outputs: map[string]string{
			"warped_file": "result.0.nii.gz",
			"transform":   "TransformParameters.0.txt",
		},
		build: func(p memo.Params, workDir string) ([]string, error) {
			moving, err := stringParam(p, "moving_image")
			if err != nil {
				return nil, err
			}
			fixed, err := stringParam(p, "fixed_image")
			if err != nil {
				return nil, err
			}
			paramFile, err := stringParam(p, "parameter_file")
			if err != nil {
				return nil, err
			}
			return []string{
				"elastix",
				"-m", moving,
				"-f", fixed,
				"-p", paramFile,
				"-out", workDir,
			}, nil
		},
	},
	OpApplyWarp: {
		outputs: map[string]string{"warped_file": "result.nii.gz"},
		build: func(p memo.Params, workDir string) ([]string, error) {
			moving, err := stringParam(p, "moving_image")
			if err != nil {
				return nil, err
			}
			transform, err := stringParam(p, "transform_file")
			if err != nil {
				return nil, err
			}
			return []string{
				"transformix",
				"-in", moving,
				"-tp", transform,
				"-out", workDir,
			}, nil
		},
	},
	OpSkullstrip: {
		outputs: map[string]string{"mask_file": "brain_mask.nii.gz"},
		build: func(p memo.Params, workDir string) ([]string, error) {
			inFile, err := stringParam(p, "in_file")
			if err != nil {
				return nil, err
			}
			argv := []string{"bet", inFile, filepath.Join(workDir, "brain")}
			if b, _ := boolParam(p, "mask"); b {
				argv = append(argv, "-m")
			}
			if b, _ := boolParam(p, "robust"); b {
				argv = append(argv, "-R")
			}
			return argv, nil
		},
	},
	OpApplyMask: {
		outputs: map[string]string{"out_file": "masked.nii.gz"},
		build: func(p memo.Params, workDir string) ([]string, error) {
			inFile, err := stringParam(p, "in_file")
			if err != nil {
				return nil, err
			}
			mask, err := stringParam(p, "mask_file")
			if err != nil {
				return nil, err
			}
			return []string{
				"lesionseg_apply_mask", inFile, mask,
				filepath.Join(workDir, "masked.nii.gz"),
			}, nil
		},
	},
	OpBiasfield: {
		outputs: map[string]string{"out_file": "biascorrected.nii.gz"},
		build: func(p memo.Params, workDir string) ([]string, error) {
			inFile, err := stringParam(p, "in_file")
			if err != nil {
				return nil, err
			}
			mask, err := stringParam(p, "mask_file")
			if err != nil {
				return nil, err
			}
			return []string{
				"mrbias", "--mask", mask, inFile,
				filepath.Join(workDir, "biascorrected.nii.gz"),
			}, nil
		},
	},
	OpModifyMetadata: {
		outputs: map[string]string{"out_file": "metadata.nii.gz"},
		build: func(p memo.Params, workDir string) ([]string, error) {
			inFile, err := stringParam(p, "in_file")
			if err != nil {
				return nil, err
			}
			tasks, err := stringSliceParam(p, "tasks")
			if err != nil {
				return nil, err
			}
			argv := []string{
				"lesionseg_modify_metadata", inFile,
				filepath.Join(workDir, "metadata.nii.gz"),
			}
			for _, task := range tasks {
				argv = append(argv, "--task", task)
			}
			return argv, nil
		},
	},
	OpIntensityStd: {
		outputs: map[string]string{"out_file": "standardized.nii.gz"},
		build: func(p memo.Params, workDir string) ([]string, error) {
			inFile, err := stringParam(p, "in_file")
			if err != nil {
				return nil, err
			}
			mask, err := stringParam(p, "mask_file")
			if err != nil {
				return nil, err
			}
			model, err := stringParam(p, "model_file")
			if err != nil {
				return nil, err
			}
			return []string{
				"medpy_intensity_range_standardization.py",
				"--load-model", model,
				"--masks", mask,
				"--save-images", workDir,
				inFile,
			}, nil
		},
	},
	OpCondenseOutliers: {
		outputs: map[string]string{"out_file": "condensed.nii.gz"},
		build: func(p memo.Params, workDir string) ([]string, error) {
			inFile, err := stringParam(p, "in_file")
			if err != nil {
				return nil, err
			}
			return []string{
				"lesionseg_condense_outliers", inFile,
				filepath.Join(workDir, "condensed.nii.gz"),
			}, nil
		},
	},
	OpExtractFeatures: {
		outputs: map[string]string{"out_dir": "features"},
		build: func(p memo.Params, workDir string) ([]string, error) {
			seqs, err := stringMapParam(p, "sequence_paths")
			if err != nil {
				return nil, err
			}
			configFile, err := stringParam(p, "config_file")
			if err != nil {
				return nil, err
			}
			mask, err := stringParam(p, "mask_file")
			if err != nil {
				return nil, err
			}
			argv := []string{
				"lesionseg_extract_features",
				"--config", configFile,
				"--mask", mask,
				"--out", filepath.Join(workDir, "features"),
			}
			// Deterministic argv regardless of map iteration order.
			ids := make([]string, 0, len(seqs))
			for id := range seqs {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				argv = append(argv, id+"="+seqs[id])
			}
			return argv, nil
		},
	},
	OpApplyRDF: {
		outputs: map[string]string{
			"segmentation_file": "segmentation.nii.gz",
			"probability_file":  "probability.nii.gz",
		},
		build: func(p memo.Params, workDir string) ([]string, error) {
			forest, err := stringParam(p, "forest_file")
			if err != nil {
				return nil, err
			}
			configFile, err := stringParam(p, "feature_config_file")
			if err != nil {
				return nil, err
			}
			featureDir, err := stringParam(p, "in_dir")
			if err != nil {
				return nil, err
			}
			mask, err := stringParam(p, "mask_file")
			if err != nil {
				return nil, err
			}
			return []string{
				"lesionseg_apply_rdf",
				"--forest", forest,
				"--config", configFile,
				"--features", featureDir,
				"--mask", mask,
				"--out", workDir,
			}, nil
		},
	},
}

// OutputNames returns the named outputs an operation produces, sorted.
// Shared by the exec adapter and the fake adapter so both honor one contract.
func OutputNames(operation string) ([]string, error) {
	spec, ok := registry[operation]
	if !ok {
		return nil, fmt.Errorf("unknown operation: %q", operation)
	}
	names := make([]string, 0, len(spec.outputs))
	for name := range spec.outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func stringParam(p memo.Params, name string) (string, error) {
	v, ok := p[name]
	if !ok {
		return "", fmt.Errorf("missing parameter %q", name)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("parameter %q must be a non-empty string", name)
	}
	return s, nil
}

func boolParam(p memo.Params, name string) (bool, error) {
	v, ok := p[name]
	if !ok {
		return false, fmt.Errorf("missing parameter %q", name)
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, fmt.Errorf("parameter %q: %w", name, err)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("parameter %q must be a boolean", name)
	}
}

func stringSliceParam(p memo.Params, name string) ([]string, error) {
	v, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("missing parameter %q", name)
	}
	s, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("parameter %q must be a string slice", name)
	}
	return s, nil
}

func stringMapParam(p memo.Params, name string) (map[string]string, error) {
	v, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("missing parameter %q", name)
	}
	m, ok := v.(map[string]string)
	if !ok {
		return nil, fmt.Errorf("parameter %q must be a string map", name)
	}
	return m, nil
}
