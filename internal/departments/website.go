package departments

import (
	"context"
	"fmt"
	"html/template"
	"slices"
	"strings"

	"github.com/hochfrequenz/agent-hq/internal/agentpool"
	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// WebsiteGeneration builds a landing page from brand inputs
type WebsiteGeneration struct {
	base
}

// NewWebsiteGeneration is the agentpool.Factory for the website department
func NewWebsiteGeneration(instanceID string, cfg domain.Payload) (agentpool.Agent, error) {
	return &WebsiteGeneration{base: newBase("website_generation_agent", instanceID, cfg)}, nil
}

var websiteTasks = []string{
	"website_generation",
	"website_design",
	"site_structure_creation",
	"web_content_generation",
	"landing_page_creation",
}

var landingPage = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Brand}}</title></head>
<body style="background:{{.Background}};color:{{.Primary}}">
<h1>{{.Brand}}</h1>
<p>{{.Tagline}}</p>
{{range .Sections}}<section><h2>{{.}}</h2></section>
{{end}}</body>
</html>
`))

func (a *WebsiteGeneration) Execute(ctx context.Context, taskType string, input domain.Payload) (domain.Payload, error) {
	if err := a.begin(ctx); err != nil {
		return nil, err
	}
	if !slices.Contains(websiteTasks, taskType) {
		return nil, &UnsupportedTaskError{AgentID: a.agentID, TaskType: taskType}
	}
	brand, err := requireInput(taskType, input, "brand_name", "business_idea")
	if err != nil {
		return nil, err
	}
	sections := []string{"Features", "Pricing", "About", "Contact"}
	colors := stringList(input, "color_palette")
	if len(colors) < 3 {
		colors = palette(brand)
	}
	tagline := input.String("business_idea")
	if tagline == "" {
		tagline = fmt.Sprintf("Welcome to %s", brand)
	}

	out := domain.Payload{
		"brand_name": brand,
		"pages":      []string{"index.html"},
		"sections":   sections,
	}
	if taskType == "site_structure_creation" {
		return a.result(taskType, out), nil
	}

	var html strings.Builder
	err = landingPage.Execute(&html, struct {
		Brand, Tagline, Primary, Background string
		Sections                            []string
	}{brand, tagline, colors[0], colors[2], sections})
	if err != nil {
		return nil, fmt.Errorf("rendering landing page: %w", err)
	}
	out["html"] = html.String()
	return a.result(taskType, out), nil
}
