package departments

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-hq/internal/agentpool"
	"github.com/hochfrequenz/agent-hq/internal/domain"
)

func newAgent(t *testing.T, d Department) agentpool.Agent {
	t.Helper()
	agent, err := d.Factory(d.ID+"_0", domain.Payload{"tone": "playful"})
	require.NoError(t, err)
	return agent
}

func TestAll_EveryTaskTypeIsHandled(t *testing.T) {
	input := domain.Payload{
		"business_idea": "eco friendly coffee delivery",
		"brand_name":    "Brewly",
		"industry":      "food",
		"question":      "how do we stand out?",
	}
	for _, d := range All() {
		agent := newAgent(t, d)
		for _, taskType := range d.Tasks {
			t.Run(taskType, func(t *testing.T) {
				out, err := agent.Execute(context.Background(), taskType, input)
				require.NoError(t, err)
				assert.Equal(t, taskType, out["task_type"])
				assert.Equal(t, true, out["success"])
				assert.Equal(t, d.ID, out["agent_id"])
			})
		}
	}
}

func TestAll_TaskTypesDoNotOverlap(t *testing.T) {
	owner := make(map[string]string)
	for _, d := range All() {
		for _, task := range d.Tasks {
			if prev, ok := owner[task]; ok {
				t.Errorf("task %s registered by %s and %s", task, prev, d.ID)
			}
			owner[task] = d.ID
		}
	}
}

func TestRegistration(t *testing.T) {
	d := All()[2]
	reg := d.Registration(3, true, domain.Payload{"k": "v"})

	assert.Equal(t, "logo_generation_agent", reg.AgentID)
	assert.Equal(t, 3, reg.MaxInstances)
	assert.True(t, reg.AutoRestart)
	assert.Equal(t, 2, reg.Priority)
	assert.True(t, reg.Supports("logo_design"))
	assert.False(t, reg.Supports("branding"))
}

func TestExecute_Deterministic(t *testing.T) {
	agent := newAgent(t, All()[1])
	input := domain.Payload{"business_idea": "solar kiosks", "industry": "energy"}

	a, err := agent.Execute(context.Background(), "market_opportunity_analysis", input)
	require.NoError(t, err)
	b, err := agent.Execute(context.Background(), "market_opportunity_analysis", input)
	require.NoError(t, err)

	assert.Equal(t, a["opportunity_score"], b["opportunity_score"])
	assert.Equal(t, a["market_size_usd"], b["market_size_usd"])
}

func TestExecute_Errors(t *testing.T) {
	branding := newAgent(t, All()[0])

	_, err := branding.Execute(context.Background(), "brand_name_generation", domain.Payload{})
	var missing *MissingInputError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"business_idea"}, missing.Keys)

	_, err = branding.Execute(context.Background(), "website_generation", domain.Payload{"business_idea": "x"})
	var unsupported *UnsupportedTaskError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "branding_agent", unsupported.AgentID)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = branding.Execute(ctx, "branding", domain.Payload{"business_idea": "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStop_FailsHealthAndExecution(t *testing.T) {
	agent := newAgent(t, All()[3])
	lifecycle, ok := agent.(interface {
		agentpool.Stopper
		agentpool.HealthChecker
	})
	require.True(t, ok)

	require.NoError(t, lifecycle.HealthCheck(context.Background()))
	require.NoError(t, lifecycle.Stop(context.Background()))
	assert.ErrorIs(t, lifecycle.HealthCheck(context.Background()), ErrStopped)

	_, err := agent.Execute(context.Background(), "website_generation", domain.Payload{"brand_name": "Brewly"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestBranding_Names(t *testing.T) {
	agent := newAgent(t, All()[0])
	out, err := agent.Execute(context.Background(), "brand_name_generation", domain.Payload{
		"business_idea": "the coffee delivery",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Coffeely", "Deliveryify", "Coffeehub", "Deliverylabs", "Coffeeco"}, out["brand_names"])
}

func TestBranding_IdentityUsesSettings(t *testing.T) {
	agent := newAgent(t, All()[0])
	out, err := agent.Execute(context.Background(), "visual_identity_design", domain.Payload{"brand_name": "Brewly"})
	require.NoError(t, err)
	assert.Equal(t, "playful", out["tone"])
	assert.Len(t, out["color_palette"], 3)
}

func TestWebsite_RendersLandingPage(t *testing.T) {
	agent := newAgent(t, All()[3])
	out, err := agent.Execute(context.Background(), "landing_page_creation", domain.Payload{
		"brand_name":    "Brewly",
		"business_idea": "Coffee at your door",
	})
	require.NoError(t, err)
	html, ok := out["html"].(string)
	require.True(t, ok)
	assert.Contains(t, html, "<h1>Brewly</h1>")
	assert.Contains(t, html, "Coffee at your door")

	out, err = agent.Execute(context.Background(), "site_structure_creation", domain.Payload{"brand_name": "Brewly"})
	require.NoError(t, err)
	assert.NotContains(t, out, "html")
}

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"eco", "friendly", "coffee"}, keywords("An eco-friendly coffee!"))
	assert.Equal(t, "eco-friendly-coffee", slug("An eco-friendly coffee!"))
}
