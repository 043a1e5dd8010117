package services

import (
	"embed"
	"fmt"
	"strings"
	"text/template"

	"packplanner/internal/models"
	contextutils "packplanner/internal/utils"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed templates/*.tmpl
var promptTemplatesFS embed.FS

//go:embed schemas/*.json
var replySchemasFS embed.FS

// Template names
const (
	PackPlanPromptTemplate       = "pack_plan_prompt.tmpl"
	SessionSummaryPromptTemplate = "session_summary_prompt.tmpl"
	RepairPromptTemplate         = "repair_prompt.tmpl"
)

// Versioned reply schemas
const (
	PackPlanSchemaVersion       = "pack_plan.v1"
	SessionSummarySchemaVersion = "session_summary.v1"
)

// BandQuotaView is one band line of the planning prompt
type BandQuotaView struct {
	Band  models.DifficultyBand
	Quota int
}

// PromptTemplateData holds data for rendering reasoning prompts
type PromptTemplateData struct {
	SchemaVersion string
	Schema        string

	// Planning
	PackSize        int
	Bands           []BandQuotaView
	PYQLow          float64
	PYQHigh         float64
	PYQMinCount     int
	ColdStart       bool
	ColdStartPairs  int
	CoverageTargets []string
	ReadinessNeed   int
	CandidatesJSON  string

	// Summarizing
	AttemptsJSON      string
	KnownConceptsJSON string

	// Repair
	Violations []string
}

// PromptTemplateManager renders prompts and validates replies against their schema
type PromptTemplateManager struct {
	templates  *template.Template
	schemas    map[string]*gojsonschema.Schema
	schemaText map[string]string
}

// NewPromptTemplateManager parses the embedded templates and compiles the reply schemas
func NewPromptTemplateManager() (result0 *PromptTemplateManager, err error) {
	templates, err := template.New("").Funcs(template.FuncMap{"join": strings.Join}).ParseFS(promptTemplatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to parse prompt templates")
	}

	tm := &PromptTemplateManager{
		templates:  templates,
		schemas:    map[string]*gojsonschema.Schema{},
		schemaText: map[string]string{},
	}
	for _, version := range []string{PackPlanSchemaVersion, SessionSummarySchemaVersion} {
		raw, err := replySchemasFS.ReadFile(fmt.Sprintf("schemas/%s.json", version))
		if err != nil {
			return nil, contextutils.WrapErrorf(err, "failed to read schema %s", version)
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, contextutils.WrapErrorf(err, "failed to compile schema %s", version)
		}
		tm.schemas[version] = schema
		tm.schemaText[version] = string(raw)
	}
	return tm, nil
}

// RenderTemplate renders a template with the given data
func (tm *PromptTemplateManager) RenderTemplate(templateName string, data PromptTemplateData) (result0 string, err error) {
	var buf strings.Builder
	if err := tm.templates.ExecuteTemplate(&buf, templateName, data); err != nil {
		return "", contextutils.WrapErrorf(err, "failed to render %s", templateName)
	}
	return buf.String(), nil
}

// SchemaText returns the raw JSON schema for inclusion in a prompt
func (tm *PromptTemplateManager) SchemaText(version string) string {
	return tm.schemaText[version]
}

// ValidateReply checks body against a reply schema and returns the violations
func (tm *PromptTemplateManager) ValidateReply(version string, body []byte) []string {
	schema, ok := tm.schemas[version]
	if !ok {
		return []string{fmt.Sprintf("unknown schema %s", version)}
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return []string{fmt.Sprintf("reply is not valid JSON: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return violations
}
