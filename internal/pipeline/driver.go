package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Well-known output file names published into the output directory.
const (
	SegmentationFileName = "segmentation.nii.gz"
	ProbabilityFileName  = "probability.nii.gz"
)

// Driver executes the fixed stage ordering over a sequence set.
//
// Stages are strictly sequential; each stage's outputs feed the next. Every
// step consumes a sequence-set snapshot and produces a new one, so no stage
// observes another stage's partial mutation. A failure anywhere aborts the
// run before publication; whatever earlier stages recorded in the memo store
// stays cached, which makes a retry after a fixed configuration cheap.
type Driver struct {
	ctx *Context
	// report collects per-invocation records; optional.
	report *Collector
	log    *logrus.Entry
}

// NewDriver creates a Driver over the given context. The collector may be
// nil, in which case no run report is written.
func NewDriver(pipelineCtx *Context, report *Collector, log *logrus.Entry) (*Driver, error) {
	if pipelineCtx == nil {
		return nil, fmt.Errorf("pipeline context is nil")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{ctx: pipelineCtx, report: report, log: log}, nil
}

// Run executes the full pipeline over the given sequences and publishes the
// segmentation and probability images into the output directory.
func (d *Driver) Run(ctx context.Context, sequences SequenceSet) error {
	if len(sequences) == 0 {
		return fmt.Errorf("sequence set is empty")
	}
	log := d.log
	if d.report != nil {
		log = log.WithField("run_id", d.report.RunID())
	}

	seqs, fixedImage, err := d.resample(ctx, sequences.Clone(), log)
	if err != nil {
		return err
	}

	seqs, err = d.register(ctx, seqs, fixedImage, log)
	if err != nil {
		return err
	}

	seqs, mask, err := d.skullstrip(ctx, seqs, log)
	if err != nil {
		return err
	}

	seqs, err = d.normalize(ctx, seqs, mask, log)
	if err != nil {
		return err
	}

	segmentation, probability, err := d.classify(ctx, seqs, mask, log)
	if err != nil {
		return err
	}

	if err := d.publish(segmentation, probability); err != nil {
		return err
	}

	if d.report != nil {
		if err := d.report.Write(d.ctx.OutputDir(), seqs, segmentation, probability); err != nil {
			log.WithError(err).Warn("writing run report failed")
		}
	}
	log.Info("pipeline finished")
	return nil
}

// resample resolves the registration base and resamples it to the configured
// spacing. Returns the updated set and the fixed image all other sequences
// register against.
func (d *Driver) resample(ctx context.Context, seqs SequenceSet, log *logrus.Entry) (SequenceSet, string, error) {
	baseID, err := d.ctx.RegistrationBase(seqs)
	if err != nil {
		return nil, "", err
	}
	log.WithField("sequence", baseID).Info("resampling registration base")

	fixedImage, err := d.ctx.Resample(ctx, seqs[baseID])
	if err != nil {
		return nil, "", fmt.Errorf("resampling %s: %w", baseID, err)
	}

	out := seqs.Clone()
	out[baseID] = fixedImage
	return out, fixedImage, nil
}

// register warps every sequence onto the fixed image.
//
// DWI and ADC are the special case: a DWI registration's transform is
// retained and, when present, applied to ADC directly. DWI and ADC are
// acquired in the same physical space, so ADC must follow DWI's deformation
// rather than being registered independently. ADC registers on its own only
// when no DWI transform was produced in this run.
func (d *Driver) register(ctx context.Context, seqs SequenceSet, fixedImage string, log *logrus.Entry) (SequenceSet, error) {
	baseID, err := d.ctx.RegistrationBase(seqs)
	if err != nil {
		return nil, err
	}

	out := seqs.Clone()
	for _, id := range seqs.IDs() {
		if id == baseID || id == SequenceDWI || id == SequenceADC {
			continue
		}
		log.WithField("sequence", id).Info("registering")
		warped, _, err := d.ctx.Register(ctx, seqs[id], fixedImage)
		if err != nil {
			return nil, fmt.Errorf("registering %s: %w", id, err)
		}
		out[id] = warped
	}

	// Explicit optional: empty means no DWI transform exists in this run.
	var dwiTransform string
	if path, ok := seqs[SequenceDWI]; ok {
		log.WithField("sequence", SequenceDWI).Info("registering")
		warped, transform, err := d.ctx.Register(ctx, path, fixedImage)
		if err != nil {
			return nil, fmt.Errorf("registering %s: %w", SequenceDWI, err)
		}
		out[SequenceDWI] = warped
		dwiTransform = transform
	}
	if path, ok := seqs[SequenceADC]; ok {
		if dwiTransform != "" {
			log.WithField("sequence", SequenceADC).Info("applying dwi transform")
			warped, err := d.ctx.Transform(ctx, path, dwiTransform)
			if err != nil {
				return nil, fmt.Errorf("transforming %s: %w", SequenceADC, err)
			}
			out[SequenceADC] = warped
		} else {
			log.WithField("sequence", SequenceADC).Info("registering")
			warped, _, err := d.ctx.Register(ctx, path, fixedImage)
			if err != nil {
				return nil, fmt.Errorf("registering %s: %w", SequenceADC, err)
			}
			out[SequenceADC] = warped
		}
	}

	return out, nil
}

// skullstrip computes one brain mask from the skull-stripping base and
// applies it to every sequence, the base included.
func (d *Driver) skullstrip(ctx context.Context, seqs SequenceSet, log *logrus.Entry) (SequenceSet, string, error) {
	baseID, err := d.ctx.SkullstrippingBase(seqs)
	if err != nil {
		return nil, "", err
	}
	log.WithField("sequence", baseID).Info("skullstripping")

	mask, err := d.ctx.Skullstrip(ctx, seqs[baseID])
	if err != nil {
		return nil, "", fmt.Errorf("skullstripping %s: %w", baseID, err)
	}

	out := seqs.Clone()
	for _, id := range seqs.IDs() {
		masked, err := d.ctx.ApplyMask(ctx, seqs[id], mask)
		if err != nil {
			return nil, "", fmt.Errorf("masking %s: %w", id, err)
		}
		out[id] = masked
	}
	return out, mask, nil
}

// normalize runs bias-field correction and intensity-range standardization
// per sequence, using the shared mask and each sequence's intensity model.
func (d *Driver) normalize(ctx context.Context, seqs SequenceSet, mask string, log *logrus.Entry) (SequenceSet, error) {
	out := seqs.Clone()
	for _, id := range seqs.IDs() {
		log.WithField("sequence", id).Info("correcting biasfield")
		corrected, err := d.ctx.CorrectBiasfield(ctx, seqs[id], mask)
		if err != nil {
			return nil, fmt.Errorf("biasfield correction of %s: %w", id, err)
		}

		model, err := d.ctx.IntensityModel(id)
		if err != nil {
			return nil, err
		}
		log.WithField("sequence", id).Info("standardizing intensity range")
		standardized, err := d.ctx.StandardizeIntensityrange(ctx, corrected, mask, model)
		if err != nil {
			return nil, fmt.Errorf("intensity standardization of %s: %w", id, err)
		}
		out[id] = standardized
	}
	return out, nil
}

// classify extracts features once over the whole set and applies the forest
// matching the sequence combination.
func (d *Driver) classify(ctx context.Context, seqs SequenceSet, mask string, log *logrus.Entry) (segmentation, probability string, err error) {
	forest, err := d.ctx.Forest(seqs)
	if err != nil {
		return "", "", err
	}

	log.Info("extracting features")
	featureDir, err := d.ctx.ExtractFeatures(ctx, seqs, mask)
	if err != nil {
		return "", "", fmt.Errorf("feature extraction: %w", err)
	}

	log.Info("classifying")
	segmentation, probability, err = d.ctx.ApplyRDF(ctx, forest, featureDir, mask)
	if err != nil {
		return "", "", fmt.Errorf("classification: %w", err)
	}
	return segmentation, probability, nil
}

// publish links the result images into the output directory, replacing any
// prior results. Each link is created under a temporary name and renamed
// into place, so a pre-existing output is either fully replaced or left
// intact.
func (d *Driver) publish(segmentation, probability string) error {
	for _, out := range []struct{ target, name string }{
		{segmentation, SegmentationFileName},
		{probability, ProbabilityFileName},
	} {
		if err := replaceLink(out.target, filepath.Join(d.ctx.OutputDir(), out.name)); err != nil {
			return fmt.Errorf("publishing %s: %w", out.name, err)
		}
	}
	return nil
}

func replaceLink(target, linkPath string) error {
	tmp := fmt.Sprintf("%s.tmp.%d", linkPath, os.Getpid())
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
