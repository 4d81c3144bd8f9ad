// labels.go contains the embedded default label file and label loading.
package ensemble

import (
	"bufio"
	"bytes"
	_ "embed" // Embedding the default label file into the binary.
	"os"
	"sort"
	"strings"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// Canonical diagnosis classes. Every member of the ensemble is trained
// on these four classes; only their output order may differ between
// training runs, which is what an external label file expresses.
const (
	LabelCOVID19        = "COVID-19"
	LabelLungOpacity    = "Lung Opacity"
	LabelNormal         = "Normal"
	LabelViralPneumonia = "Viral Pneumonia"
)

//go:embed data/labels.txt
var embeddedLabels []byte

// canonicalLabelSet returns the sorted canonical class names.
func canonicalLabelSet() []string {
	labels := []string{LabelCOVID19, LabelLungOpacity, LabelNormal, LabelViralPneumonia}
	sort.Strings(labels)
	return labels
}

// loadLabels reads the class labels from the configured external file,
// or from the embedded default when no path is set. The returned order
// is the model output order.
func loadLabels(labelPath string) ([]string, error) {
	data := embeddedLabels
	source := "embedded"
	if labelPath != "" {
		external, err := os.ReadFile(labelPath) //nolint:gosec // G304: labelPath is from application settings
		if err != nil {
			return nil, errors.New(err).
				Component("ensemble").
				Category(errors.CategoryFileIO).
				Context("label_path", labelPath).
				Context("operation", "read").
				Build()
		}
		data = external
		source = labelPath
	}

	labels, err := parseLabels(data)
	if err != nil {
		return nil, errors.New(err).
			Component("ensemble").
			Category(errors.CategoryLabelLoad).
			Context("label_source", source).
			Build()
	}
	return labels, nil
}

// parseLabels reads one label per line and validates the class set.
func parseLabels(data []byte) ([]string, error) {
	var labels []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	canonical := canonicalLabelSet()
	if len(labels) != len(canonical) {
		return nil, errors.NewStd("label file must list exactly the four diagnosis classes")
	}

	seen := append([]string(nil), labels...)
	sort.Strings(seen)
	for i, label := range seen {
		if label != canonical[i] {
			return nil, errors.NewStd("label file class set does not match the diagnosis classes")
		}
	}
	return labels, nil
}
