package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lesionseg/internal/config"
	"lesionseg/internal/memo"
	"lesionseg/internal/tools"
)

// testConfig builds a validated-shape configuration over temp directories,
// with intensity models and a forest file for the given sequence ids.
func testConfig(t *testing.T, modelIDs ...string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	paramFile := filepath.Join(dir, "elastix.txt")
	require.NoError(t, os.WriteFile(paramFile, []byte("(Transform \"AffineTransform\")\n"), 0o644))
	featureFile := filepath.Join(dir, "features.conf")
	require.NoError(t, os.WriteFile(featureFile, []byte("[features]\n"), 0o644))

	modelDir := filepath.Join(dir, "models")
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	for _, id := range modelIDs {
		model := filepath.Join(modelDir, "intensity_model_"+id+".pkl")
		require.NoError(t, os.WriteFile(model, nil, 0o644))
	}

	forestDir := filepath.Join(dir, "forests")
	require.NoError(t, os.MkdirAll(forestDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(forestDir, "forest.pklz"), nil, 0o644))

	outputDir := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))

	return &config.Config{
		CacheDir:             filepath.Join(dir, "cache"),
		OutputDir:            outputDir,
		PixelSpacing:         [3]float64{3, 3, 3},
		ElastixParameterFile: paramFile,
		RegistrationBases:    []string{"t1_sag_tfe", "flair_tra"},
		SkullstrippingBases:  []string{"flair_tra", "t1_sag_tfe"},
		IntensityModelDir:    modelDir,
		FeatureConfigFile:    featureFile,
		ForestDir:            forestDir,
	}
}

func testContext(t *testing.T, cfg *config.Config, adapter memo.Adapter) (*Context, *memo.Invoker) {
	t.Helper()
	invoker, err := memo.NewInvoker(memo.NewMemoryStore(), adapter, t.TempDir(), nil)
	require.NoError(t, err)
	c, err := NewContext(cfg, invoker, NewForestRegistry())
	require.NoError(t, err)
	return c, invoker
}

func TestRegistrationBase_FirstCandidateWins(t *testing.T) {
	cfg := testConfig(t)
	c, _ := testContext(t, cfg, tools.NewFakeAdapter())

	seqs := SequenceSet{"flair_tra": "/b.img", "t1_sag_tfe": "/a.img"}
	base, err := c.RegistrationBase(seqs)
	require.NoError(t, err)
	assert.Equal(t, "t1_sag_tfe", base, "must pick the first configured candidate, not any match")
}

func TestRegistrationBase_FallsThroughInOrder(t *testing.T) {
	cfg := testConfig(t)
	c, _ := testContext(t, cfg, tools.NewFakeAdapter())

	base, err := c.RegistrationBase(SequenceSet{"flair_tra": "/b.img", "t2_tra": "/c.img"})
	require.NoError(t, err)
	assert.Equal(t, "flair_tra", base)
}

func TestRegistrationBase_NoCandidatePresent(t *testing.T) {
	cfg := testConfig(t)
	c, _ := testContext(t, cfg, tools.NewFakeAdapter())

	_, err := c.RegistrationBase(SequenceSet{"t2_tra": "/c.img"})
	require.ErrorIs(t, err, ErrSelection)
	assert.Contains(t, err.Error(), "t1_sag_tfe")
	assert.Contains(t, err.Error(), "flair_tra")
}

func TestSkullstrippingBase_IndependentCandidateList(t *testing.T) {
	cfg := testConfig(t)
	c, _ := testContext(t, cfg, tools.NewFakeAdapter())

	seqs := SequenceSet{"flair_tra": "/b.img", "t1_sag_tfe": "/a.img"}
	regBase, err := c.RegistrationBase(seqs)
	require.NoError(t, err)
	stripBase, err := c.SkullstrippingBase(seqs)
	require.NoError(t, err)

	assert.Equal(t, "t1_sag_tfe", regBase)
	assert.Equal(t, "flair_tra", stripBase)
}

func TestIntensityModel_PathConvention(t *testing.T) {
	cfg := testConfig(t, "flair_tra")
	c, _ := testContext(t, cfg, tools.NewFakeAdapter())

	path, err := c.IntensityModel("flair_tra")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.IntensityModelDir, "intensity_model_flair_tra.pkl"), path)
}

func TestIntensityModel_MissingFileFails(t *testing.T) {
	cfg := testConfig(t)
	c, _ := testContext(t, cfg, tools.NewFakeAdapter())

	_, err := c.IntensityModel("t2_tra")
	require.ErrorIs(t, err, ErrSelection)
	assert.Contains(t, err.Error(), "intensity_model_t2_tra.pkl")
}

func TestForest_JoinsConfiguredDirectory(t *testing.T) {
	cfg := testConfig(t)
	c, _ := testContext(t, cfg, tools.NewFakeAdapter())

	seqs := SequenceSet{
		"flair_tra":          "/a.img",
		"dw_tra_b1000_dmean": "/b.img",
		"t1_sag_tfe":         "/c.img",
	}
	path, err := c.Forest(seqs)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.ForestDir, "forest.pklz"), path)
}

func TestSkullstrip_OutputFormatInParameterRecord(t *testing.T) {
	cfg := testConfig(t)
	fake := tools.NewFakeAdapter()
	c, _ := testContext(t, cfg, fake)

	_, err := c.Skullstrip(context.Background(), "/a.img")
	require.NoError(t, err)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	// The output format influences the produced file, so it must be part of
	// the cached parameter record, not ambient process state.
	assert.Equal(t, "NIFTI_GZ", calls[0].Params["output_type"])
}

func TestCorrectBiasfield_ChainsTwoInvocations(t *testing.T) {
	cfg := testConfig(t)
	fake := tools.NewFakeAdapter()
	c, _ := testContext(t, cfg, fake)

	out, err := c.CorrectBiasfield(context.Background(), "/a.img", "/mask.img")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Equal(t, 1, fake.CallCount(tools.OpBiasfield))
	assert.Equal(t, 1, fake.CallCount(tools.OpModifyMetadata))
}

func TestStandardizeIntensityrange_ChainsTwoInvocations(t *testing.T) {
	cfg := testConfig(t)
	fake := tools.NewFakeAdapter()
	c, _ := testContext(t, cfg, fake)

	out, err := c.StandardizeIntensityrange(context.Background(), "/a.img", "/mask.img", "/model.pkl")
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Equal(t, 1, fake.CallCount(tools.OpIntensityStd))
	assert.Equal(t, 1, fake.CallCount(tools.OpCondenseOutliers))
}
