package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lesionseg/internal/config"
	"lesionseg/internal/memo"
	"lesionseg/internal/tools"
)

// newSharedDriver wires a driver over the fake adapter and the given store.
// Passing the same store to two drivers exercises the memoization path.
func newSharedDriver(t *testing.T, cfg *config.Config, fake *tools.FakeAdapter, forests *ForestRegistry, store memo.Store) (*Driver, *Collector) {
	t.Helper()
	invoker, err := memo.NewInvoker(store, fake, t.TempDir(), nil)
	require.NoError(t, err)
	report := NewCollector()
	invoker.Observer = report.Record
	c, err := NewContext(cfg, invoker, forests)
	require.NoError(t, err)
	d, err := NewDriver(c, report, nil)
	require.NoError(t, err)
	return d, report
}

func TestDriver_EndToEndScenario(t *testing.T) {
	cfg := testConfig(t, "t1_sag_tfe", "flair_tra", "dw_tra_b1000_dmean")
	fake := tools.NewFakeAdapter()
	d, _ := newSharedDriver(t, cfg, fake, NewForestRegistry(), memo.NewMemoryStore())

	sequences := SequenceSet{
		"t1_sag_tfe":         "/imgs/a.img",
		"flair_tra":          "/imgs/b.img",
		"dw_tra_b1000_dmean": "/imgs/c.img",
	}
	require.NoError(t, d.Run(context.Background(), sequences))

	// Base resampled once, the two non-base sequences registered.
	assert.Equal(t, 1, fake.CallCount(tools.OpResample))
	assert.Equal(t, 2, fake.CallCount(tools.OpRegister))
	assert.Equal(t, 0, fake.CallCount(tools.OpApplyWarp))

	// One mask, applied uniformly to all three sequences.
	assert.Equal(t, 1, fake.CallCount(tools.OpSkullstrip))
	assert.Equal(t, 3, fake.CallCount(tools.OpApplyMask))

	// Bias correction and intensity standardization per sequence.
	assert.Equal(t, 3, fake.CallCount(tools.OpBiasfield))
	assert.Equal(t, 3, fake.CallCount(tools.OpModifyMetadata))
	assert.Equal(t, 3, fake.CallCount(tools.OpIntensityStd))
	assert.Equal(t, 3, fake.CallCount(tools.OpCondenseOutliers))

	// Features once over the whole set, classification once.
	assert.Equal(t, 1, fake.CallCount(tools.OpExtractFeatures))
	assert.Equal(t, 1, fake.CallCount(tools.OpApplyRDF))

	// The resample input is the original base image.
	resampleCalls := callsFor(fake, tools.OpResample)
	assert.Equal(t, "/imgs/a.img", resampleCalls[0].Params["in_file"])

	// Both outputs published as links to the classification results.
	for _, name := range []string{SegmentationFileName, ProbabilityFileName} {
		link := filepath.Join(cfg.OutputDir, name)
		info, err := os.Lstat(link)
		require.NoError(t, err, "%s must be published", name)
		assert.NotZero(t, info.Mode()&os.ModeSymlink, "%s must be a link", name)
		target, err := os.Readlink(link)
		require.NoError(t, err)
		assert.FileExists(t, target)
	}
}

func TestDriver_SecondRunIsFullyCached(t *testing.T) {
	cfg := testConfig(t, "t1_sag_tfe", "flair_tra", "dw_tra_b1000_dmean")
	fake := tools.NewFakeAdapter()
	store := memo.NewMemoryStore()
	d, _ := newSharedDriver(t, cfg, fake, NewForestRegistry(), store)

	sequences := SequenceSet{
		"t1_sag_tfe":         "/imgs/a.img",
		"flair_tra":          "/imgs/b.img",
		"dw_tra_b1000_dmean": "/imgs/c.img",
	}
	require.NoError(t, d.Run(context.Background(), sequences))
	executionsAfterFirst := len(fake.Calls())

	// A fresh driver over the same store must not execute anything.
	d2, report := newSharedDriver(t, cfg, fake, NewForestRegistry(), store)
	require.NoError(t, d2.Run(context.Background(), sequences))

	assert.Equal(t, executionsAfterFirst, len(fake.Calls()),
		"identical rerun must be served entirely from the record store")

	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, ReportFileName))
	require.NoError(t, err)
	var rep struct {
		RunID      string `json:"run_id"`
		CacheHits  int    `json:"cache_hits"`
		Executions int    `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, report.RunID(), rep.RunID)
	assert.Zero(t, rep.Executions)
	assert.Equal(t, executionsAfterFirst, rep.CacheHits)
}

func TestDriver_ADCFollowsDWITransform(t *testing.T) {
	cfg := testConfig(t, "t1_sag_tfe", "dwi", "adc")
	forests := NewForestRegistry()
	forests.Register([]string{"adc", "dwi", "t1_sag_tfe"}, "forest.pklz")
	fake := tools.NewFakeAdapter()
	d, _ := newSharedDriver(t, cfg, fake, forests, memo.NewMemoryStore())

	sequences := SequenceSet{
		"t1_sag_tfe": "/imgs/a.img",
		"dwi":        "/imgs/dwi.img",
		"adc":        "/imgs/adc.img",
	}
	require.NoError(t, d.Run(context.Background(), sequences))

	// DWI registers; ADC reuses its transform instead of registering.
	assert.Equal(t, 1, fake.CallCount(tools.OpRegister))
	assert.Equal(t, 1, fake.CallCount(tools.OpApplyWarp))

	warpCalls := callsFor(fake, tools.OpApplyWarp)
	assert.Equal(t, "/imgs/adc.img", warpCalls[0].Params["moving_image"])
}

func TestDriver_ADCRegistersIndependentlyWithoutDWI(t *testing.T) {
	cfg := testConfig(t, "t1_sag_tfe", "adc")
	forests := NewForestRegistry()
	forests.Register([]string{"adc", "t1_sag_tfe"}, "forest.pklz")
	fake := tools.NewFakeAdapter()
	d, _ := newSharedDriver(t, cfg, fake, forests, memo.NewMemoryStore())

	sequences := SequenceSet{
		"t1_sag_tfe": "/imgs/a.img",
		"adc":        "/imgs/adc.img",
	}
	require.NoError(t, d.Run(context.Background(), sequences))

	assert.Equal(t, 1, fake.CallCount(tools.OpRegister))
	assert.Equal(t, 0, fake.CallCount(tools.OpApplyWarp))

	registerCalls := callsFor(fake, tools.OpRegister)
	assert.Equal(t, "/imgs/adc.img", registerCalls[0].Params["moving_image"])
}

func TestDriver_UnknownCombinationFailsBeforeFeatureExtraction(t *testing.T) {
	cfg := testConfig(t, "t1_sag_tfe", "t2_tra")
	fake := tools.NewFakeAdapter()
	d, _ := newSharedDriver(t, cfg, fake, NewForestRegistry(), memo.NewMemoryStore())

	sequences := SequenceSet{
		"t1_sag_tfe": "/imgs/a.img",
		"t2_tra":     "/imgs/b.img",
	}
	err := d.Run(context.Background(), sequences)
	require.ErrorIs(t, err, ErrSelection)

	assert.Equal(t, 0, fake.CallCount(tools.OpExtractFeatures))
	assert.Equal(t, 0, fake.CallCount(tools.OpApplyRDF))
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, SegmentationFileName))
}

func TestDriver_ToolFailureAbortsWithoutPublication(t *testing.T) {
	cfg := testConfig(t, "t1_sag_tfe", "flair_tra", "dw_tra_b1000_dmean")
	fake := tools.NewFakeAdapter()
	boom := errors.New("bet segfault")
	fake.FailOn[tools.OpSkullstrip] = boom
	d, _ := newSharedDriver(t, cfg, fake, NewForestRegistry(), memo.NewMemoryStore())

	sequences := SequenceSet{
		"t1_sag_tfe":         "/imgs/a.img",
		"flair_tra":          "/imgs/b.img",
		"dw_tra_b1000_dmean": "/imgs/c.img",
	}
	err := d.Run(context.Background(), sequences)
	require.ErrorIs(t, err, boom)
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, SegmentationFileName))
	assert.NoFileExists(t, filepath.Join(cfg.OutputDir, ProbabilityFileName))
}

func TestDriver_ReplacesPreexistingOutputs(t *testing.T) {
	cfg := testConfig(t, "t1_sag_tfe", "flair_tra", "dw_tra_b1000_dmean")
	stale := filepath.Join(cfg.OutputDir, SegmentationFileName)
	require.NoError(t, os.WriteFile(stale, []byte("stale"), 0o644))

	fake := tools.NewFakeAdapter()
	d, _ := newSharedDriver(t, cfg, fake, NewForestRegistry(), memo.NewMemoryStore())
	sequences := SequenceSet{
		"t1_sag_tfe":         "/imgs/a.img",
		"flair_tra":          "/imgs/b.img",
		"dw_tra_b1000_dmean": "/imgs/c.img",
	}
	require.NoError(t, d.Run(context.Background(), sequences))

	info, err := os.Lstat(stale)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink, "stale regular file must be replaced by a link")
}

func TestDriver_EmptySequenceSet(t *testing.T) {
	cfg := testConfig(t)
	d, _ := newSharedDriver(t, cfg, tools.NewFakeAdapter(), NewForestRegistry(), memo.NewMemoryStore())
	assert.Error(t, d.Run(context.Background(), SequenceSet{}))
}

func callsFor(fake *tools.FakeAdapter, operation string) []tools.FakeCall {
	var out []tools.FakeCall
	for _, c := range fake.Calls() {
		if c.Operation == operation {
			out = append(out, c)
		}
	}
	return out
}
