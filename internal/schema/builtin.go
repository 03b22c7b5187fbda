package schema

import (
	"time"

	"github.com/google/uuid"

	"github.com/graphkb/graphkb/internal/model"
)

// allOps is the default verb set for concrete vertex classes.
var allOps = []Operation{OpGet, OpPost, OpPatch, OpDelete}

// edgeOps excludes PATCH: edges are immutable and must be recreated.
var edgeOps = []Operation{OpGet, OpPost, OpDelete}

var readOnlyOps = []Operation{OpGet}

func nowMilli() any { return time.Now().UnixMilli() }

func newUUID() any { return uuid.NewString() }

func props(list ...*Property) map[string]*Property {
	m := make(map[string]*Property, len(list))
	for _, p := range list {
		m[p.Name] = p
	}
	return m
}

func choices(values ...string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// bookkeeping returns the record-lifecycle properties shared by vertices and
// edges.
func bookkeeping() []*Property {
	return []*Property{
		{Name: "uuid", Type: TypeString, Mandatory: true, Generated: newUUID,
			Description: "stable identifier shared by all versions of a record"},
		{Name: "createdAt", Type: TypeLong, Mandatory: true, Generated: nowMilli},
		{Name: "createdBy", Type: TypeLink, LinkedClass: "User", Mandatory: true},
		{Name: "deletedAt", Type: TypeLong, Nullable: true},
		{Name: "deletedBy", Type: TypeLink, LinkedClass: "User", Nullable: true},
		{Name: "history", Type: TypeLink, Nullable: true,
			Description: "the previous version of this record"},
		{Name: "groupRestrictions", Type: TypeLinkSet, LinkedClass: "UserGroup",
			Description: "groups allowed to interact with this record"},
		{Name: "comment", Type: TypeString, Nullable: true, Cast: CastString},
	}
}

func edgeClass(name, description string) *ClassModel {
	return &ClassModel{
		Name:              name,
		Description:       description,
		IsEdge:            true,
		Inherits:          []string{"E"},
		ExposedOperations: edgeOps,
	}
}

func positionClass(name, description string, extra ...*Property) *ClassModel {
	own := append([]*Property{}, extra...)
	return &ClassModel{
		Name:              name,
		Description:       description,
		IsEmbedded:        true,
		Inherits:          []string{"Position"},
		Properties:        props(own...),
		ExposedOperations: nil,
	}
}

// Builtin assembles the knowledge-base class graph. It panics on an invalid
// definition since the schema is compiled in.
func Builtin() *Schema {
	classes := []*ClassModel{
		{
			Name:              "V",
			Description:       "base vertex class",
			IsAbstract:        true,
			Properties:        props(bookkeeping()...),
			ExposedOperations: readOnlyOps,
		},
		{
			Name:        "E",
			Description: "base edge class",
			IsAbstract:  true,
			IsEdge:      true,
			Properties: props(append(bookkeeping(),
				&Property{Name: "out", Type: TypeLink, LinkedClass: "V", Mandatory: true},
				&Property{Name: "in", Type: TypeLink, LinkedClass: "V", Mandatory: true},
			)...),
			ExposedOperations: readOnlyOps,
		},
		{
			Name:     "User",
			Inherits: []string{"V"},
			Properties: props(
				&Property{Name: "name", Type: TypeString, Mandatory: true, NonEmpty: true, Cast: CastString},
				&Property{Name: "email", Type: TypeString, Nullable: true, Cast: CastLowercaseString},
				&Property{Name: "password", Type: TypeString, Nullable: true,
					Description: "bcrypt hash, stripped from every response"},
				&Property{Name: "groups", Type: TypeLinkSet, LinkedClass: "UserGroup"},
			),
			ActiveProperties:  []string{"name"},
			ExposedOperations: allOps,
		},
		{
			Name:     "UserGroup",
			Inherits: []string{"V"},
			Properties: props(
				&Property{Name: "name", Type: TypeString, Mandatory: true, NonEmpty: true, Cast: CastLowercaseString},
				&Property{Name: "permissions", Type: TypeEmbeddedMap,
					Cast:        CastRangeInt(0, int64(model.PermAll)),
					Description: "per-class CRUD bitmasks"},
			),
			ActiveProperties:  []string{"name"},
			ExposedOperations: allOps,
		},
		{
			Name:     "Source",
			Inherits: []string{"V"},
			Properties: props(
				&Property{Name: "name", Type: TypeString, Mandatory: true, NonEmpty: true, Cast: CastNonEmptyString},
				&Property{Name: "version", Type: TypeString, Nullable: true, Cast: CastLowercaseString},
				&Property{Name: "url", Type: TypeString, Nullable: true, Cast: CastString},
				&Property{Name: "description", Type: TypeString, Nullable: true, Cast: CastString},
				&Property{Name: "usage", Type: TypeString, Nullable: true, Cast: CastString,
					Description: "license or usage terms for records from this source"},
			),
			ActiveProperties:  []string{"name", "version"},
			ExposedOperations: allOps,
		},
		{
			Name:        "Biomarker",
			Description: "anything a statement can apply to",
			IsAbstract:  true,
			Inherits:    []string{"V"},
		},
		{
			Name:        "Evidence",
			Description: "anything that can support a statement",
			IsAbstract:  true,
			Inherits:    []string{"V"},
		},
		{
			Name:       "Ontology",
			IsAbstract: true,
			Inherits:   []string{"Biomarker"},
			Properties: props(
				&Property{Name: "sourceId", Type: TypeString, Mandatory: true, NonEmpty: true,
					Cast:        CastNonEmptyString,
					Description: "identifier of the term in its source"},
				&Property{Name: "name", Type: TypeString, Nullable: true, Cast: CastLowercaseString},
				&Property{Name: "source", Type: TypeLink, LinkedClass: "Source", Mandatory: true},
				&Property{Name: "sourceIdVersion", Type: TypeString, Nullable: true, Cast: CastLowercaseString},
				&Property{Name: "description", Type: TypeString, Nullable: true, Cast: CastString},
				&Property{Name: "url", Type: TypeString, Nullable: true, Cast: CastString},
				&Property{Name: "subsets", Type: TypeEmbeddedSet, Cast: CastLowercaseString},
				&Property{Name: "deprecated", Type: TypeBoolean, Default: false},
				&Property{Name: "displayName", Type: TypeString, Nullable: true, Cast: CastString},
			),
			ActiveProperties:  []string{"source", "sourceId", "name", "sourceIdVersion"},
			ExposedOperations: readOnlyOps,
		},
		{Name: "Disease", Inherits: []string{"Ontology"}, ExposedOperations: allOps},
		{Name: "Therapy", Inherits: []string{"Ontology"}, ExposedOperations: allOps},
		{Name: "Pathway", Inherits: []string{"Ontology"}, ExposedOperations: allOps},
		{Name: "AnatomicalEntity", Inherits: []string{"Ontology"}, ExposedOperations: allOps},
		{Name: "Signature", Inherits: []string{"Ontology"}, ExposedOperations: allOps},
		{
			Name:        "Vocabulary",
			Description: "controlled vocabulary terms used for relevance and variant types",
			Inherits:    []string{"Ontology"},
			Properties: props(
				&Property{Name: "shortName", Type: TypeString, Nullable: true, Cast: CastLowercaseString},
			),
			ExposedOperations: allOps,
		},
		{
			Name:     "Feature",
			Inherits: []string{"Ontology"},
			Properties: props(
				&Property{Name: "biotype", Type: TypeString, Mandatory: true,
					Cast:    CastLowercaseString,
					Choices: choices("gene", "transcript", "protein", "exon", "chromosome", "template")},
				&Property{Name: "start", Type: TypeInteger, Nullable: true},
				&Property{Name: "end", Type: TypeInteger, Nullable: true},
			),
			ExposedOperations: allOps,
		},
		{
			Name:     "EvidenceLevel",
			Inherits: []string{"Ontology", "Evidence"},
			ExposedOperations: allOps,
		},
		{
			Name:     "Publication",
			Inherits: []string{"Ontology", "Evidence"},
			Properties: props(
				&Property{Name: "journalName", Type: TypeString, Nullable: true, Cast: CastLowercaseString},
				&Property{Name: "year", Type: TypeInteger, Nullable: true, Cast: CastRangeInt(1000, 2100)},
			),
			ExposedOperations: allOps,
		},
		{
			Name:     "ClinicalTrial",
			Inherits: []string{"Ontology", "Evidence"},
			Properties: props(
				&Property{Name: "phase", Type: TypeString, Nullable: true, Cast: CastLowercaseString},
				&Property{Name: "size", Type: TypeInteger, Nullable: true},
				&Property{Name: "startYear", Type: TypeInteger, Nullable: true, Cast: CastRangeInt(1000, 2100)},
				&Property{Name: "completionYear", Type: TypeInteger, Nullable: true, Cast: CastRangeInt(1000, 2100)},
				&Property{Name: "country", Type: TypeString, Nullable: true, Cast: CastLowercaseString},
				&Property{Name: "city", Type: TypeString, Nullable: true, Cast: CastLowercaseString},
			),
			ExposedOperations: allOps,
		},
		{
			Name:        "Position",
			IsAbstract:  true,
			IsEmbedded:  true,
			Properties: props(
				&Property{Name: "pos", Type: TypeInteger, Nullable: true, Cast: CastRangeInt(1, 1<<31-1)},
			),
		},
		positionClass("GenomicPosition", "position on a genomic sequence"),
		positionClass("CdsPosition", "position relative to the coding sequence",
			&Property{Name: "offset", Type: TypeInteger, Nullable: true}),
		positionClass("ProteinPosition", "position on a protein sequence",
			&Property{Name: "refAA", Type: TypeString, Nullable: true, Cast: CastLowercaseString}),
		positionClass("ExonicPosition", "exon number position"),
		{
			Name:       "Variant",
			IsAbstract: true,
			Inherits:   []string{"Biomarker"},
			Properties: props(
				&Property{Name: "type", Type: TypeLink, LinkedClass: "Vocabulary", Mandatory: true},
				&Property{Name: "reference1", Type: TypeLink, LinkedClass: "Feature", Mandatory: true},
				&Property{Name: "reference2", Type: TypeLink, LinkedClass: "Feature", Nullable: true},
				&Property{Name: "zygosity", Type: TypeString, Nullable: true,
					Cast:    CastLowercaseString,
					Choices: choices("homozygous", "heterozygous")},
				&Property{Name: "germline", Type: TypeBoolean, Nullable: true},
				&Property{Name: "displayName", Type: TypeString, Nullable: true, Cast: CastString},
			),
			ActiveProperties:  []string{"type", "reference1", "reference2", "zygosity", "germline"},
			ExposedOperations: readOnlyOps,
		},
		{
			Name:              "CategoryVariant",
			Inherits:          []string{"Variant"},
			ExposedOperations: allOps,
		},
		{
			Name:     "PositionalVariant",
			Inherits: []string{"Variant"},
			Properties: props(
				&Property{Name: "break1Start", Type: TypeEmbedded, LinkedClass: "Position", Mandatory: true},
				&Property{Name: "break1End", Type: TypeEmbedded, LinkedClass: "Position", Nullable: true},
				&Property{Name: "break2Start", Type: TypeEmbedded, LinkedClass: "Position", Nullable: true},
				&Property{Name: "break2End", Type: TypeEmbedded, LinkedClass: "Position", Nullable: true},
				&Property{Name: "refSeq", Type: TypeString, Nullable: true, Cast: CastLowercaseString},
				&Property{Name: "untemplatedSeq", Type: TypeString, Nullable: true, Cast: CastLowercaseString},
				&Property{Name: "untemplatedSeqSize", Type: TypeInteger, Nullable: true},
			),
			ExposedOperations: allOps,
		},
		{
			Name:     "Statement",
			Inherits: []string{"V"},
			Properties: props(
				&Property{Name: "relevance", Type: TypeLink, LinkedClass: "Vocabulary", Mandatory: true},
				&Property{Name: "appliesTo", Type: TypeLink, LinkedClass: "Biomarker", Mandatory: true, Nullable: true},
				&Property{Name: "impliedBy", Type: TypeLinkSet, LinkedClass: "Biomarker", Mandatory: true, NonEmpty: true},
				&Property{Name: "supportedBy", Type: TypeLinkSet, LinkedClass: "Evidence", Mandatory: true, NonEmpty: true},
				&Property{Name: "description", Type: TypeString, Nullable: true, Cast: CastString},
				&Property{Name: "reviewStatus", Type: TypeString, Nullable: true,
					Cast:    CastLowercaseString,
					Choices: choices("initial", "pending", "not required", "passed", "failed")},
				&Property{Name: "source", Type: TypeLink, LinkedClass: "Source", Nullable: true},
				&Property{Name: "sourceId", Type: TypeString, Nullable: true, Cast: CastLowercaseString},
				&Property{Name: "evidenceLevel", Type: TypeLink, LinkedClass: "EvidenceLevel", Nullable: true},
			),
			ActiveProperties:  []string{"appliesTo", "relevance", "source", "sourceId"},
			ExposedOperations: allOps,
		},
		edgeClass("AliasOf", "the source record is an alias of the target"),
		edgeClass("CrossReferenceOf", "equivalent term in another source"),
		edgeClass("DeprecatedBy", "the source record was deprecated in favour of the target"),
		edgeClass("ElementOf", "membership in a grouping term"),
		edgeClass("GeneralizationOf", "the source record generalizes the target"),
		edgeClass("Infers", "the source variant infers the target variant"),
		edgeClass("SubClassOf", "ontology subclass relationship"),
		edgeClass("OppositeOf", "terms with opposing meaning"),
		edgeClass("TargetOf", "the source record is a therapeutic target of the drug"),
	}

	s, err := New(classes)
	if err != nil {
		panic(err)
	}
	return s
}

// DefaultGroups returns the group names and per-class bitmasks seeded during
// bootstrap: admin (full), regular (write access to content classes only),
// readonly.
func DefaultGroups(s *Schema) map[string]map[string]model.Permission {
	admin := make(map[string]model.Permission)
	regular := make(map[string]model.Permission)
	readonly := make(map[string]model.Permission)
	for _, c := range s.Classes() {
		admin[c.Name] = model.PermAll
		readonly[c.Name] = model.PermRead
		switch {
		case c.Name == "User" || c.Name == "UserGroup":
			regular[c.Name] = model.PermRead
		case c.IsAbstract:
			regular[c.Name] = model.PermRead
		default:
			regular[c.Name] = model.PermAll
		}
	}
	return map[string]map[string]model.Permission{
		"admin":    admin,
		"regular":  regular,
		"readonly": readonly,
	}
}
