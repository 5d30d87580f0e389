package intake

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSequenceID(t *testing.T) {
	cases := []struct {
		description string
		want        string
	}{
		{"T1 SAG TFE", "t1_sag_tfe"},
		{"FLAIR_tra", "flair_tra"},
		{"DW tra b1000 (dmean)", "dw_tra_b1000_dmean"},
		{"  t2 - tra  ", "t2_tra"},
		{"ADC", "adc"},
		{"dw/tra\\b1000", "dw_tra_b1000"},
		{"***", ""},
		{"", ""},
		{"already_normal", "already_normal"},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, NormalizeSequenceID(c.description),
			"description %q", c.description)
	}
}

func TestScanStudy_EmptyDirectory(t *testing.T) {
	_, err := ScanStudy(t.TempDir())
	assert.ErrorContains(t, err, "no identifiable DICOM series")
}

func TestScanStudy_SkipsUnreadableFiles(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a dicom"), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "truncated.dcm"), []byte{0x00, 0x01}, 0o644))

	_, err := ScanStudy(dir)
	assert.ErrorContains(t, err, "no identifiable DICOM series")
}

func TestScanStudy_MissingDirectory(t *testing.T) {
	_, err := ScanStudy(filepath.Join(t.TempDir(), "absent"))
	assert.ErrorContains(t, err, "scanning study directory")
}
