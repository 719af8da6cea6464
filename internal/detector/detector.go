package detector

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/IliaW/url-watcher/internal/filter"
)

type Detector struct {
	filter *filter.ArtefactFilter
}

func New(f *filter.ArtefactFilter) *Detector {
	return &Detector{filter: f}
}

// Changed compares the filtered texts byte by byte. No whitespace or markup normalisation happens
// beyond what the artefact filter removes.
func (d *Detector) Changed(oldRaw, newRaw string) bool {
	return d.filter.Apply(oldRaw) != d.filter.Apply(newRaw)
}

// Digest identifies the filtered content of a page. Raw texts that differ only in artefacts share a digest.
func (d *Detector) Digest(raw string) string {
	sum := sha256.Sum256([]byte(d.filter.Apply(raw)))
	return hex.EncodeToString(sum[:])
}
