// Package config loads and validates the pipeline configuration.
//
// The configuration source is an INI file with the sections common,
// resampling, skullstripping, intensityrangestandardization and
// classification. Loading is eager and strict: a malformed value or a missing
// required file aborts before any pipeline stage can run. Missing directories
// are corrective: they are created with a warning, since directories are
// sinks the pipeline populates, while files are inputs it cannot fabricate.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ErrConfig marks fatal configuration errors.
var ErrConfig = errors.New("invalid configuration")

var log = logrus.WithField("component", "config")

// Config is the validated, immutable pipeline configuration.
// A loaded Config is read-only and safe to reuse across runs.
type Config struct {
	// CacheDir holds the invocation record store and tool working dirs.
	CacheDir string `validate:"required"`

	// OutputDir receives segmentation.nii.gz and probability.nii.gz.
	OutputDir string `validate:"required"`

	// PixelSpacing is the target spacing for resampling, in mm.
	PixelSpacing [3]float64

	// ElastixParameterFile configures the registration engine.
	ElastixParameterFile string `validate:"required"`

	// RegistrationBases is the ordered candidate list for the registration
	// base sequence. Order is priority, not membership.
	RegistrationBases []string `validate:"required,min=1,dive,required"`

	// SkullstrippingBases is the ordered candidate list for the
	// skull-stripping base sequence.
	SkullstrippingBases []string `validate:"required,min=1,dive,required"`

	// IntensityModelDir holds intensity_model_<sequence>.pkl files.
	IntensityModelDir string `validate:"required"`

	// FeatureConfigFile configures feature extraction and classification.
	FeatureConfigFile string `validate:"required"`

	// ForestDir holds the pre-trained classification forests.
	ForestDir string `validate:"required"`
}

// Load reads, parses and validates the configuration at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}

	cfg := &Config{
		CacheDir:             v.GetString("common.cache_dir"),
		OutputDir:            v.GetString("common.output_dir"),
		ElastixParameterFile: v.GetString("resampling.elastix_parameter_file"),
		RegistrationBases:    splitList(v.GetString("resampling.registration_base")),
		SkullstrippingBases:  splitList(v.GetString("skullstripping.base_image")),
		IntensityModelDir:    v.GetString("intensityrangestandardization.model_dir"),
		FeatureConfigFile:    v.GetString("classification.feature_config_file"),
		ForestDir:            v.GetString("classification.forest_dir"),
	}

	spacing, err := parseSpacing(v.GetString("resampling.pixel_spacing"))
	if err != nil {
		return nil, err
	}
	cfg.PixelSpacing = spacing

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	// Directories are corrective, files are fatal.
	for _, dir := range []struct {
		path *string
		name string
	}{
		{&cfg.CacheDir, "cache directory"},
		{&cfg.OutputDir, "output directory"},
		{&cfg.IntensityModelDir, "intensity model directory"},
		{&cfg.ForestDir, "classification forest directory"},
	} {
		abs, err := ensureDir(*dir.path, dir.name)
		if err != nil {
			return nil, err
		}
		*dir.path = abs
	}

	if cfg.ElastixParameterFile, err = requireFile(cfg.ElastixParameterFile, "elastix parameter file"); err != nil {
		return nil, err
	}
	if cfg.FeatureConfigFile, err = requireFile(cfg.FeatureConfigFile, "feature configuration file"); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SpacingString renders the pixel spacing the way the resampling tool
// expects it: three comma-separated decimals.
func (c *Config) SpacingString() string {
	parts := make([]string, len(c.PixelSpacing))
	for i, s := range c.PixelSpacing {
		parts[i] = strconv.FormatFloat(s, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func parseSpacing(raw string) ([3]float64, error) {
	var spacing [3]float64
	parts := strings.Split(raw, ",")
	if len(parts) != 3 {
		return spacing, fmt.Errorf(
			"%w: pixel spacing %q must be exactly 3 comma-separated numbers", ErrConfig, raw)
	}
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return spacing, fmt.Errorf(
				"%w: pixel spacing %q must be exactly 3 comma-separated numbers", ErrConfig, raw)
		}
		spacing[i] = f
	}
	return spacing, nil
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ensureDir resolves path and creates it if absent.
func ensureDir(path, name string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: resolving %s %q: %v", ErrConfig, name, path, err)
	}
	info, err := os.Stat(abs)
	switch {
	case err == nil:
		if !info.IsDir() {
			return "", fmt.Errorf("%w: configured %s %s is not a directory", ErrConfig, name, abs)
		}
	case os.IsNotExist(err):
		log.Warnf("configured %s %s does not exist, creating it", name, abs)
		if mkErr := os.MkdirAll(abs, 0o755); mkErr != nil {
			return "", fmt.Errorf("%w: creating %s %s: %v", ErrConfig, name, abs, mkErr)
		}
	default:
		return "", fmt.Errorf("%w: checking %s %s: %v", ErrConfig, name, abs, err)
	}
	return abs, nil
}

// requireFile resolves path and fails if it does not exist.
func requireFile(path, name string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: resolving %s %q: %v", ErrConfig, name, path, err)
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: configured %s %s does not exist", ErrConfig, name, abs)
	}
	return abs, nil
}
