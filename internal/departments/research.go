package departments

import (
	"context"
	"fmt"

	"github.com/hochfrequenz/agent-hq/internal/agentpool"
	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// MarketResearch produces opportunity, competition and audience analyses
type MarketResearch struct {
	base
}

// NewMarketResearch is the agentpool.Factory for the market research department
func NewMarketResearch(instanceID string, cfg domain.Payload) (agentpool.Agent, error) {
	return &MarketResearch{base: newBase("market_research_agent", instanceID, cfg)}, nil
}

func (a *MarketResearch) Execute(ctx context.Context, taskType string, input domain.Payload) (domain.Payload, error) {
	if err := a.begin(ctx); err != nil {
		return nil, err
	}
	idea, err := requireInput(taskType, input, "business_idea", "industry")
	if err != nil {
		return nil, err
	}
	industry := input.String("industry")
	if industry == "" {
		industry = "general"
	}

	switch taskType {
	case "market_opportunity_analysis", "market_validation":
		return a.result(taskType, a.opportunity(idea, industry)), nil
	case "competitive_analysis":
		return a.result(taskType, domain.Payload{
			"competitors":       score(idea, 3, 12),
			"competition_level": level(score(idea+"competition", 1, 10)),
			"differentiation":   fmt.Sprintf("focus on an underserved niche within %s", industry),
		}), nil
	case "target_audience_research":
		return a.result(taskType, domain.Payload{
			"primary_segment":   fmt.Sprintf("%s early adopters", industry),
			"age_range":         fmt.Sprintf("%d-%d", score(idea, 18, 30), score(idea, 35, 55)),
			"acquisition_focus": []string{"search", "community", "referrals"},
		}), nil
	case "industry_trend_analysis":
		return a.result(taskType, domain.Payload{
			"industry":     industry,
			"growth_rate":  float64(score(industry, 2, 25)) / 100,
			"trend_topics": keywords(idea),
		}), nil
	case "revenue_estimation":
		return a.result(taskType, domain.Payload{
			"year_one_revenue_usd": score(idea, 50, 900) * 1000,
			"assumptions":          "template estimate from industry growth and market size",
		}), nil
	case "market_consultation", "business_strategy":
		return a.result(taskType, domain.Payload{
			"strategy": []string{
				"validate demand with a landing page before building",
				fmt.Sprintf("partner with established %s players for distribution", industry),
				"price against the closest competitor, not cost",
			},
		}), nil
	case "market_research":
		out := a.opportunity(idea, industry)
		out["competition_level"] = level(score(idea+"competition", 1, 10))
		out["primary_segment"] = fmt.Sprintf("%s early adopters", industry)
		return a.result(taskType, out), nil
	}
	return nil, &UnsupportedTaskError{AgentID: a.agentID, TaskType: taskType}
}

func (a *MarketResearch) opportunity(idea, industry string) domain.Payload {
	s := score(idea, 40, 95)
	return domain.Payload{
		"industry":          industry,
		"opportunity_score": s,
		"market_size_usd":   score(industry, 1, 50) * 1_000_000,
		"recommendation":    recommendation(s),
	}
}

func level(n int) string {
	switch {
	case n <= 3:
		return "low"
	case n <= 7:
		return "medium"
	}
	return "high"
}

func recommendation(opportunity int) string {
	if opportunity >= 70 {
		return "proceed"
	}
	return "refine the concept before investing"
}
