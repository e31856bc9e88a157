package normalize

import (
	"strings"

	"github.com/atlas-health/refsync/internal/model"
)

// NDC normalizes openFDA drug formulation records.
type NDC struct {
	Trust float64
}

func (n *NDC) SourceID() string { return "ndc" }

func (n *NDC) Normalize(raw model.RawRecord) (*model.NormalizedRecord, error) {
	ndc := str(raw.Payload, "product_ndc")
	if ndc == "" {
		return nil, Rejectf("ndc: missing product_ndc")
	}

	generic := str(raw.Payload, "generic_name")
	brand := str(raw.Payload, "brand_name")
	subject := generic
	if subject == "" {
		subject = brand
	}
	if subject == "" {
		return nil, Rejectf("ndc: record %s has no generic or brand name", ndc)
	}

	fields := map[string]string{}
	putField(fields, "name", subject)
	putField(fields, "dosage_form", str(raw.Payload, "dosage_form"))
	putField(fields, "labeler", str(raw.Payload, "labeler_name"))
	putField(fields, "description", str(raw.Payload, "description"))
	if routes := strList(raw.Payload, "route"); len(routes) > 0 {
		putField(fields, "route", routes[0])
	}

	sets := map[string][]string{}
	var aliases []string
	if generic != "" {
		aliases = append(aliases, generic)
	}
	if brand != "" {
		aliases = append(aliases, brand)
	}
	sets["aliases"] = aliases
	if classes := strList(raw.Payload, "pharm_class"); len(classes) > 0 {
		sets["categories"] = classes
	}

	return &model.NormalizedRecord{
		SubjectKey:        subject,
		RecordID:          ndc,
		SourceID:          n.SourceID(),
		SourceTrustWeight: n.Trust,
		FetchTime:         raw.FetchTime,
		Fields:            fields,
		Sets:              sets,
	}, nil
}

// ICD10 normalizes CDC diagnostic code records (flat file lines).
type ICD10 struct {
	Trust float64
}

func (n *ICD10) SourceID() string { return "icd10" }

func (n *ICD10) Normalize(raw model.RawRecord) (*model.NormalizedRecord, error) {
	code := str(raw.Payload, "code")
	desc := str(raw.Payload, "description")
	if code == "" {
		return nil, Rejectf("icd10: missing code")
	}
	if desc == "" {
		return nil, Rejectf("icd10: code %s has no description", code)
	}

	fields := map[string]string{
		"name":       desc,
		"icd10_code": code,
	}
	// The first three characters of an ICD-10-CM code are its category.
	if len(code) >= 3 {
		putField(fields, "code_category", code[:3])
	}

	return &model.NormalizedRecord{
		SubjectKey:        desc,
		RecordID:          code,
		SourceID:          n.SourceID(),
		SourceTrustWeight: n.Trust,
		FetchTime:         raw.FetchTime,
		Fields:            fields,
		Sets:              map[string][]string{"aliases": {desc}},
	}, nil
}

// HCPCS normalizes CMS billing code records (quarterly XLSX rows).
type HCPCS struct {
	Trust float64
}

func (n *HCPCS) SourceID() string { return "hcpcs" }

func (n *HCPCS) Normalize(raw model.RawRecord) (*model.NormalizedRecord, error) {
	code := str(raw.Payload, "code")
	if code == "" {
		return nil, Rejectf("hcpcs: missing code")
	}

	long := str(raw.Payload, "long_description")
	short := str(raw.Payload, "short_description")
	subject := long
	if subject == "" {
		subject = short
	}
	if subject == "" {
		return nil, Rejectf("hcpcs: code %s has no description", code)
	}

	fields := map[string]string{
		"name":       subject,
		"hcpcs_code": code,
	}
	putField(fields, "description", long)
	putField(fields, "coverage", str(raw.Payload, "coverage"))

	var aliases []string
	for _, a := range []string{short, long} {
		if a != "" {
			aliases = append(aliases, a)
		}
	}

	return &model.NormalizedRecord{
		SubjectKey:        subject,
		RecordID:          code,
		SourceID:          n.SourceID(),
		SourceTrustWeight: n.Trust,
		FetchTime:         raw.FetchTime,
		Fields:            fields,
		Sets:              map[string][]string{"aliases": aliases},
	}, nil
}

// PubMed normalizes NCBI E-utilities literature summaries.
type PubMed struct {
	Trust float64
}

func (n *PubMed) SourceID() string { return "pubmed" }

func (n *PubMed) Normalize(raw model.RawRecord) (*model.NormalizedRecord, error) {
	pmid := str(raw.Payload, "pmid")
	if pmid == "" {
		return nil, Rejectf("pubmed: missing pmid")
	}

	title := strings.TrimSuffix(str(raw.Payload, "title"), ".")
	if title == "" {
		return nil, Rejectf("pubmed: record %s has no title", pmid)
	}

	fields := map[string]string{
		"name": title,
		"pmid": pmid,
	}
	putField(fields, "journal", str(raw.Payload, "journal"))
	putField(fields, "pub_date", str(raw.Payload, "pub_date"))
	putField(fields, "abstract", str(raw.Payload, "abstract"))

	sets := map[string][]string{"aliases": {title}}
	if authors := strList(raw.Payload, "authors"); len(authors) > 0 {
		sets["authors"] = authors
	}

	return &model.NormalizedRecord{
		SubjectKey:        title,
		RecordID:          pmid,
		SourceID:          n.SourceID(),
		SourceTrustWeight: n.Trust,
		FetchTime:         raw.FetchTime,
		Fields:            fields,
		Sets:              sets,
	}, nil
}
