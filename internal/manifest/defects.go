package manifest

import (
	"fmt"
	"strings"
)

// Defect kinds. Structural defects are always caller-fixable and never
// retried automatically.
const (
	DefectStructure  = "structure"
	DefectPath       = "path"
	DefectHash       = "hash"
	DefectArchive    = "archive"
	DefectDependency = "dependency"
)

// Defect is one concrete problem found during validation, naming the
// offending entity so the caller can fix it.
type Defect struct {
	Kind    string
	Subject string
	Message string
}

func (d Defect) String() string {
	return fmt.Sprintf("[%s] %s", d.Kind, d.Message)
}

// FormatDefects renders a defect list one per line.
func FormatDefects(defects []Defect) string {
	lines := make([]string, len(defects))
	for i, d := range defects {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}
