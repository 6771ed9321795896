package library

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

const ManifestName = "task.yaml"

var manifestValidator = validator.New()

// LoadManifest reads and validates a task manifest. A relative frames_dir
// is resolved against the manifest's directory; an empty one means the
// manifest's directory itself.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	base := filepath.Dir(path)
	switch {
	case m.FramesDir == "":
		m.FramesDir = base
	case !filepath.IsAbs(m.FramesDir):
		m.FramesDir = filepath.Join(base, m.FramesDir)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if err := manifestValidator.Struct(m); err != nil {
		return err
	}

	seenJobs := make(map[int]bool, len(m.Jobs))
	for _, job := range m.Jobs {
		if seenJobs[job.ID] {
			return fmt.Errorf("duplicate job id %d", job.ID)
		}
		seenJobs[job.ID] = true
	}

	seenLabels := make(map[string]bool, len(m.Labels))
	for _, label := range m.Labels {
		key := NormalizeLabel(label)
		if seenLabels[key] {
			return fmt.Errorf("duplicate label %q", label)
		}
		seenLabels[key] = true
	}
	return nil
}

// NormalizeLabel returns the comparison key of a label: NFC-normalized,
// trimmed and case-folded.
func NormalizeLabel(label string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(label)))
}

// labelSet maps normalized labels to their declared spelling.
type labelSet map[string]string

func newLabelSet(labels []string) labelSet {
	ret := make(labelSet, len(labels))
	for _, label := range labels {
		ret[NormalizeLabel(label)] = strings.TrimSpace(label)
	}
	return ret
}

func (s labelSet) canonical(label string) (string, bool) {
	ret, ok := s[NormalizeLabel(label)]
	return ret, ok
}
