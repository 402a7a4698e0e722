package departments

import (
	"context"
	"fmt"
	"slices"

	"github.com/hochfrequenz/agent-hq/internal/agentpool"
	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// LogoGeneration renders logo concepts for a brand
type LogoGeneration struct {
	base
}

// NewLogoGeneration is the agentpool.Factory for the logo department
func NewLogoGeneration(instanceID string, cfg domain.Payload) (agentpool.Agent, error) {
	return &LogoGeneration{base: newBase("logo_generation_agent", instanceID, cfg)}, nil
}

var logoTasks = []string{"logo_generation", "logo_design", "visual_identity_creation", "brand_visualization"}

func (a *LogoGeneration) Execute(ctx context.Context, taskType string, input domain.Payload) (domain.Payload, error) {
	if err := a.begin(ctx); err != nil {
		return nil, err
	}
	if !slices.Contains(logoTasks, taskType) {
		return nil, &UnsupportedTaskError{AgentID: a.agentID, TaskType: taskType}
	}
	brand, err := requireInput(taskType, input, "brand_name", "business_idea")
	if err != nil {
		return nil, err
	}
	prompt := input.String("logo_prompt")
	if prompt == "" {
		prompt = fmt.Sprintf("A modern, minimal logo for %s, vector style, white background", brand)
	}
	assetBase := a.settings.String("asset_base_url")
	if assetBase == "" {
		assetBase = "file:///tmp/agent-hq/logos"
	}
	return a.result(taskType, domain.Payload{
		"brand_name":    brand,
		"logo_prompt":   prompt,
		"logo_url":      fmt.Sprintf("%s/%s.png", assetBase, slug(brand)),
		"color_palette": palette(brand),
	}), nil
}
