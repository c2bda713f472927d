// Package schema holds the frozen JSON contracts for reasoning jobs, the six
// pipeline stage results, and the combined pipeline envelope. Schemas are
// embedded at build time and compiled once; the registry is immutable after
// construction.
package schema

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Kind identifies one of the frozen schema contracts.
type Kind string

const (
	KindJob               Kind = "job"
	KindRetrieval         Kind = "retrieval"
	KindMatching          Kind = "matching"
	KindFindingGeneration Kind = "findingGeneration"
	KindAgreementScoring  Kind = "agreementScoring"
	KindCategorySynthesis Kind = "categorySynthesis"
	KindOverallAssessment Kind = "overallAssessment"
	KindPipeline          Kind = "pipeline"
)

// kindFiles maps each kind to its embedded schema document. The file names
// double as the $id URIs the pipeline schema references.
var kindFiles = map[Kind]string{
	KindJob:               "job.json",
	KindRetrieval:         "retrieval.json",
	KindMatching:          "matching.json",
	KindFindingGeneration: "finding_generation.json",
	KindAgreementScoring:  "agreement_scoring.json",
	KindCategorySynthesis: "category_synthesis.json",
	KindOverallAssessment: "overall_assessment.json",
	KindPipeline:          "pipeline.json",
}

// kindLabels provides the human-readable label used in validation errors.
var kindLabels = map[Kind]string{
	KindJob:               "reasoning job",
	KindRetrieval:         "retrieval result",
	KindMatching:          "matching result",
	KindFindingGeneration: "finding generation result",
	KindAgreementScoring:  "agreement scoring result",
	KindCategorySynthesis: "category synthesis result",
	KindOverallAssessment: "overall assessment result",
	KindPipeline:          "pipeline result",
}

// stageKinds are the schemas the pipeline envelope references by $id.
var stageKinds = []Kind{
	KindRetrieval,
	KindMatching,
	KindFindingGeneration,
	KindAgreementScoring,
	KindCategorySynthesis,
	KindOverallAssessment,
}

// ValidationError reports every violation found while validating a document.
type ValidationError struct {
	Label  string
	Causes []string
}

// Error formats the violations as a single composite message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s failed schema validation: %s", e.Label, strings.Join(e.Causes, "; "))
}

// Registry validates documents against the embedded schema set.
type Registry struct {
	schemas map[Kind]*gojsonschema.Schema
	raw     map[Kind][]byte
}

// New loads and compiles all embedded schemas.
func New() (*Registry, error) {
	r := &Registry{
		schemas: make(map[Kind]*gojsonschema.Schema, len(kindFiles)),
		raw:     make(map[Kind][]byte, len(kindFiles)),
	}

	for kind, file := range kindFiles {
		data, err := schemaFS.ReadFile("schemas/" + file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		r.raw[kind] = data
	}

	// Stage schemas are self-contained and compile standalone.
	for kind, data := range r.raw {
		if kind == KindPipeline {
			continue
		}
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", kind, err)
		}
		r.schemas[kind] = compiled
	}

	// The pipeline envelope references the stage schemas by $id, so it needs
	// a loader pool seeded with all of them.
	loader := gojsonschema.NewSchemaLoader()
	for _, kind := range stageKinds {
		if err := loader.AddSchema(kindFiles[kind], gojsonschema.NewBytesLoader(r.raw[kind])); err != nil {
			return nil, fmt.Errorf("register schema %s: %w", kind, err)
		}
	}
	compiled, err := loader.Compile(gojsonschema.NewBytesLoader(r.raw[KindPipeline]))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", KindPipeline, err)
	}
	r.schemas[KindPipeline] = compiled

	return r, nil
}

// Validate checks doc against the schema for kind. It returns nil when the
// document conforms, a *ValidationError listing every violation when it does
// not, and a plain error when the document is not JSON at all.
func (r *Registry) Validate(kind Kind, doc []byte) error {
	compiled, ok := r.schemas[kind]
	if !ok {
		return fmt.Errorf("unknown schema kind: %s", kind)
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%s is not valid JSON: %w", kindLabels[kind], err)
	}
	if result.Valid() {
		return nil
	}

	causes := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		causes = append(causes, fmt.Sprintf("%s %s", violation.Field(), violation.Description()))
	}
	return &ValidationError{Label: kindLabels[kind], Causes: causes}
}

// SchemaJSON returns the raw schema document for kind, suitable for embedding
// in LLM prompts. Callers must not mutate the returned slice.
func (r *Registry) SchemaJSON(kind Kind) []byte {
	return r.raw[kind]
}

// Label returns the human-readable label for kind.
func Label(kind Kind) string {
	return kindLabels[kind]
}
