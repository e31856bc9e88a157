package normalize

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/atlas-health/refsync/internal/model"
)

// ErrRejected wraps a per-record validation failure. Rejected records are
// skipped and counted; they never fail a run.
var ErrRejected = eris.New("normalize: record rejected")

// Rejectf builds a rejection error for one record.
func Rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// Normalizer converts one source's raw records into NormalizedRecords.
type Normalizer interface {
	SourceID() string
	Normalize(raw model.RawRecord) (*model.NormalizedRecord, error)
}

// Registry maps source ids to their normalizers.
type Registry struct {
	byID map[string]Normalizer
}

// NewRegistry builds the registry of all built-in normalizers, each
// carrying its source's configured trust weight.
func NewRegistry(trustWeights map[string]float64) *Registry {
	r := &Registry{byID: make(map[string]Normalizer)}
	for _, n := range []Normalizer{
		&NDC{Trust: trustWeights["ndc"]},
		&ICD10{Trust: trustWeights["icd10"]},
		&HCPCS{Trust: trustWeights["hcpcs"]},
		&PubMed{Trust: trustWeights["pubmed"]},
	} {
		r.byID[n.SourceID()] = n
	}
	return r
}

// For returns the normalizer for a source.
func (r *Registry) For(sourceID string) (Normalizer, error) {
	n, ok := r.byID[sourceID]
	if !ok {
		return nil, eris.Errorf("normalize: no normalizer for source %q", sourceID)
	}
	return n, nil
}

// Register adds or replaces a normalizer. Tests use this to install fakes.
func (r *Registry) Register(n Normalizer) {
	r.byID[n.SourceID()] = n
}

// str extracts a trimmed string payload value.
func str(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// strList extracts a string slice payload value, tolerating []any.
func strList(payload map[string]any, key string) []string {
	v, ok := payload[key]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		var out []string
		for _, e := range vv {
			if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	default:
		return nil
	}
}

// putField sets a scalar field only when the value is non-empty.
func putField(fields map[string]string, name, value string) {
	if v := strings.TrimSpace(value); v != "" {
		fields[name] = v
	}
}
