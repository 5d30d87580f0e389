// Package intake identifies the MRI sequences of a study from raw DICOM
// files, producing the sequence-id to file-path mapping the pipeline runs
// on.
package intake

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

var log = logrus.WithField("component", "intake")

// ScanStudy walks a study directory, reads the SeriesDescription of every
// DICOM file and maps normalized sequence identifiers to the first file of
// each series.
//
// The walk is lexical, so the mapping is deterministic: for a series spread
// over many files the lexically first one wins. Files that fail to parse as
// DICOM are skipped with a warning. An empty result is an error: a study
// without a single identifiable series cannot feed the pipeline.
func ScanStudy(dir string) (map[string]string, error) {
	sequences := make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		dataset, parseErr := dicom.ParseFile(path, nil)
		if parseErr != nil {
			log.WithField("file", path).WithError(parseErr).Warn("skipping unreadable file")
			return nil
		}

		element, findErr := dataset.FindElementByTag(tag.SeriesDescription)
		if findErr != nil {
			log.WithField("file", path).Warn("skipping file without series description")
			return nil
		}
		descriptions := dicom.MustGetStrings(element.Value)
		if len(descriptions) == 0 || descriptions[0] == "" {
			log.WithField("file", path).Warn("skipping file with empty series description")
			return nil
		}

		id := NormalizeSequenceID(descriptions[0])
		if _, seen := sequences[id]; !seen {
			sequences[id] = path
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning study directory %s: %w", dir, err)
	}

	if len(sequences) == 0 {
		return nil, fmt.Errorf("no identifiable DICOM series under %s", dir)
	}
	return sequences, nil
}

// NormalizeSequenceID converts a DICOM SeriesDescription into a sequence
// identifier: lowercase, runs of non-alphanumeric characters collapsed to a
// single underscore, no leading or trailing underscores.
func NormalizeSequenceID(description string) string {
	var b strings.Builder
	lastUnderscore := true // suppress a leading underscore
	for _, r := range strings.ToLower(description) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}
