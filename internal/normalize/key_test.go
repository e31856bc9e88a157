package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalKey(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"lowercase", "acetaminophen", "ACETAMINOPHEN"},
		{"trims whitespace", "  Aspirin  ", "ASPIRIN"},
		{"strips form suffix", "Lisinopril Tablets", "LISINOPRIL"},
		{"strips only one suffix", "Saline Solution Kit", "SALINE SOLUTION"},
		{"de-accents", "Café Désloratadine", "CAFE DESLORATADINE"},
		{"ampersand", "Guaifenesin & Codeine", "GUAIFENESIN AND CODEINE"},
		{"hyphen to space", "Co-Trimoxazole", "CO TRIMOXAZOLE"},
		{"parens and slash", "Vitamin D (Cholecalciferol)/D3", "VITAMIN D CHOLECALCIFEROL D3"},
		{"collapses internal runs", "Sodium    Chloride", "SODIUM CHLORIDE"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalKey(tt.subject))
		})
	}
}

func TestCanonicalKeyIdempotent(t *testing.T) {
	subjects := []string{
		"Lisinopril Tablets",
		"Café & Co-Trimoxazole (Oral)",
		"  Sodium   Chloride Injection ",
	}
	for _, s := range subjects {
		once := CanonicalKey(s)
		assert.Equal(t, once, CanonicalKey(once), "key for %q must be stable", s)
	}
}
