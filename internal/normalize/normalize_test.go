package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-health/refsync/internal/model"
)

var testTrust = map[string]float64{
	"ndc":    0.9,
	"icd10":  0.95,
	"hcpcs":  0.85,
	"pubmed": 0.6,
}

func TestRegistryFor(t *testing.T) {
	r := NewRegistry(testTrust)

	for _, id := range []string{"ndc", "icd10", "hcpcs", "pubmed"} {
		n, err := r.For(id)
		require.NoError(t, err, id)
		assert.Equal(t, id, n.SourceID())
	}

	_, err := r.For("loinc")
	assert.Error(t, err)
}

func TestNDCNormalize(t *testing.T) {
	n := &NDC{Trust: 0.9}
	fetched := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	rec, err := n.Normalize(model.RawRecord{
		SourceID:  "ndc",
		FetchTime: fetched,
		Payload: map[string]any{
			"product_ndc":  "0378-0018",
			"generic_name": "Lisinopril",
			"brand_name":   "Prinivil",
			"dosage_form":  "TABLET",
			"labeler_name": "Mylan",
			"route":        []any{"ORAL"},
			"pharm_class":  []any{"ACE Inhibitor [EPC]"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Lisinopril", rec.SubjectKey)
	assert.Equal(t, "0378-0018", rec.RecordID)
	assert.Equal(t, "ndc", rec.SourceID)
	assert.InDelta(t, 0.9, rec.SourceTrustWeight, 1e-9)
	assert.Equal(t, fetched, rec.FetchTime)
	assert.Equal(t, "Lisinopril", rec.Fields["name"])
	assert.Equal(t, "TABLET", rec.Fields["dosage_form"])
	assert.Equal(t, "ORAL", rec.Fields["route"])
	assert.Equal(t, []string{"Lisinopril", "Prinivil"}, rec.Sets["aliases"])
	assert.Equal(t, []string{"ACE Inhibitor [EPC]"}, rec.Sets["categories"])
}

func TestNDCNormalizeBrandFallback(t *testing.T) {
	n := &NDC{Trust: 0.9}

	rec, err := n.Normalize(model.RawRecord{Payload: map[string]any{
		"product_ndc": "1111-2222",
		"brand_name":  "Tylenol PM",
	}})
	require.NoError(t, err)
	assert.Equal(t, "Tylenol PM", rec.SubjectKey)
	assert.Equal(t, []string{"Tylenol PM"}, rec.Sets["aliases"])
}

func TestNDCNormalizeRejects(t *testing.T) {
	n := &NDC{Trust: 0.9}

	_, err := n.Normalize(model.RawRecord{Payload: map[string]any{
		"generic_name": "Lisinopril",
	}})
	assert.ErrorIs(t, err, ErrRejected)

	_, err = n.Normalize(model.RawRecord{Payload: map[string]any{
		"product_ndc": "0378-0018",
	}})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestICD10Normalize(t *testing.T) {
	n := &ICD10{Trust: 0.95}

	rec, err := n.Normalize(model.RawRecord{Payload: map[string]any{
		"code":        "E119",
		"description": "Type 2 diabetes mellitus without complications",
	}})
	require.NoError(t, err)

	assert.Equal(t, "Type 2 diabetes mellitus without complications", rec.SubjectKey)
	assert.Equal(t, "E119", rec.RecordID)
	assert.Equal(t, "E119", rec.Fields["icd10_code"])
	assert.Equal(t, "E11", rec.Fields["code_category"])

	_, err = n.Normalize(model.RawRecord{Payload: map[string]any{"code": "E119"}})
	assert.ErrorIs(t, err, ErrRejected)

	_, err = n.Normalize(model.RawRecord{Payload: map[string]any{"description": "orphan"}})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestHCPCSNormalize(t *testing.T) {
	n := &HCPCS{Trust: 0.85}

	rec, err := n.Normalize(model.RawRecord{Payload: map[string]any{
		"code":              "J0171",
		"short_description": "Adrenalin epinephrine inject",
		"long_description":  "Injection, adrenalin, epinephrine, 0.1 mg",
	}})
	require.NoError(t, err)

	assert.Equal(t, "Injection, adrenalin, epinephrine, 0.1 mg", rec.SubjectKey)
	assert.Equal(t, "J0171", rec.RecordID)
	assert.Equal(t, "Injection, adrenalin, epinephrine, 0.1 mg", rec.Fields["description"])
	assert.ElementsMatch(t, []string{
		"Adrenalin epinephrine inject",
		"Injection, adrenalin, epinephrine, 0.1 mg",
	}, rec.Sets["aliases"])
}

func TestHCPCSNormalizeShortOnly(t *testing.T) {
	n := &HCPCS{Trust: 0.85}

	rec, err := n.Normalize(model.RawRecord{Payload: map[string]any{
		"code":              "A0021",
		"short_description": "Outside state ambulance serv",
	}})
	require.NoError(t, err)
	assert.Equal(t, "Outside state ambulance serv", rec.SubjectKey)
	_, ok := rec.Fields["description"]
	assert.False(t, ok)
}

func TestPubMedNormalize(t *testing.T) {
	n := &PubMed{Trust: 0.6}

	rec, err := n.Normalize(model.RawRecord{Payload: map[string]any{
		"pmid":    "38012345",
		"title":   "Lisinopril in early heart failure.",
		"journal": "N Engl J Med",
		"authors": []any{"Smith J", "Nguyen T"},
	}})
	require.NoError(t, err)

	assert.Equal(t, "Lisinopril in early heart failure", rec.SubjectKey)
	assert.Equal(t, "38012345", rec.RecordID)
	assert.Equal(t, "N Engl J Med", rec.Fields["journal"])
	assert.Equal(t, []string{"Smith J", "Nguyen T"}, rec.Sets["authors"])

	_, err = n.Normalize(model.RawRecord{Payload: map[string]any{"title": "No id"}})
	assert.ErrorIs(t, err, ErrRejected)
}
