package departments

import (
	"context"
	"fmt"
	"strings"

	"github.com/hochfrequenz/agent-hq/internal/agentpool"
	"github.com/hochfrequenz/agent-hq/internal/domain"
)

var brandSuffixes = []string{"ly", "ify", "hub", "labs", "co"}

// Branding generates names, logo prompts and visual identities
type Branding struct {
	base
}

// NewBranding is the agentpool.Factory for the branding department
func NewBranding(instanceID string, cfg domain.Payload) (agentpool.Agent, error) {
	return &Branding{base: newBase("branding_agent", instanceID, cfg)}, nil
}

func (a *Branding) Execute(ctx context.Context, taskType string, input domain.Payload) (domain.Payload, error) {
	if err := a.begin(ctx); err != nil {
		return nil, err
	}
	switch taskType {
	case "brand_name_generation":
		return a.names(taskType, input)
	case "logo_prompt_creation":
		return a.logoPrompt(taskType, input)
	case "visual_identity_design":
		return a.identity(taskType, input)
	case "brand_validation":
		return a.validate(taskType, input)
	case "branding_consultation":
		return a.consult(taskType, input)
	case "branding":
		return a.comprehensive(taskType, input)
	}
	return nil, &UnsupportedTaskError{AgentID: a.agentID, TaskType: taskType}
}

func brandNames(idea string) []string {
	words := keywords(idea)
	if len(words) == 0 {
		return nil
	}
	names := make([]string, 0, len(brandSuffixes))
	for i, suffix := range brandSuffixes {
		w := words[i%len(words)]
		names = append(names, title(w)+suffix)
	}
	return names
}

func (a *Branding) names(taskType string, input domain.Payload) (domain.Payload, error) {
	idea, err := requireInput(taskType, input, "business_idea")
	if err != nil {
		return nil, err
	}
	names := brandNames(idea)
	return a.result(taskType, domain.Payload{
		"brand_names": names,
		"rationale":   fmt.Sprintf("names built from the key terms of %q", idea),
	}), nil
}

func (a *Branding) logoPrompt(taskType string, input domain.Payload) (domain.Payload, error) {
	subject, err := requireInput(taskType, input, "brand_name", "business_idea")
	if err != nil {
		return nil, err
	}
	styles := stringList(input, "style_preferences")
	if len(styles) == 0 {
		styles = []string{"modern", "minimal"}
	}
	colors := stringList(input, "color_preferences")
	prompt := fmt.Sprintf("A %s logo for %s", strings.Join(styles, ", "), subject)
	if len(colors) > 0 {
		prompt += " using " + strings.Join(colors, " and ")
	}
	return a.result(taskType, domain.Payload{"logo_prompt": prompt + ", vector style, white background"}), nil
}

func palette(seed string) []string {
	palettes := [][]string{
		{"#1E3A8A", "#F59E0B", "#F8FAFC"},
		{"#065F46", "#A7F3D0", "#111827"},
		{"#7C2D12", "#FDBA74", "#FFF7ED"},
		{"#4C1D95", "#C4B5FD", "#F5F3FF"},
	}
	return palettes[score(seed, 0, len(palettes)-1)]
}

func (a *Branding) identity(taskType string, input domain.Payload) (domain.Payload, error) {
	subject, err := requireInput(taskType, input, "brand_name", "business_idea")
	if err != nil {
		return nil, err
	}
	return a.result(taskType, domain.Payload{
		"color_palette": palette(subject),
		"typography":    domain.Payload{"heading": "Inter", "body": "Source Serif"},
		"tone":          a.settings.String("tone"),
	}), nil
}

func (a *Branding) validate(taskType string, input domain.Payload) (domain.Payload, error) {
	name, err := requireInput(taskType, input, "brand_name")
	if err != nil {
		return nil, err
	}
	var issues []string
	if len(name) > 15 {
		issues = append(issues, "name is longer than 15 characters")
	}
	if strings.ContainsAny(name, "0123456789") {
		issues = append(issues, "name contains digits")
	}
	return a.result(taskType, domain.Payload{
		"brand_name": name,
		"valid":      len(issues) == 0,
		"issues":     issues,
		"score":      score(name, 60, 95),
	}), nil
}

func (a *Branding) consult(taskType string, input domain.Payload) (domain.Payload, error) {
	question, err := requireInput(taskType, input, "question", "business_idea")
	if err != nil {
		return nil, err
	}
	return a.result(taskType, domain.Payload{
		"question": question,
		"recommendations": []string{
			"keep the name short and easy to spell",
			"secure the matching domain before launch",
			"use one accent color consistently",
		},
	}), nil
}

func (a *Branding) comprehensive(taskType string, input domain.Payload) (domain.Payload, error) {
	idea, err := requireInput(taskType, input, "business_idea")
	if err != nil {
		return nil, err
	}
	names := brandNames(idea)
	brand := input.String("brand_name")
	if brand == "" && len(names) > 0 {
		brand = names[0]
	}
	return a.result(taskType, domain.Payload{
		"brand_name":    brand,
		"brand_names":   names,
		"color_palette": palette(brand),
		"logo_prompt":   fmt.Sprintf("A modern, minimal logo for %s, vector style, white background", brand),
	}), nil
}
