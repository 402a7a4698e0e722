// Package departments provides the built-in business-creation agents the
// system registers with the agent pool. Content generation is template
// based and deterministic for a given input.
package departments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/hochfrequenz/agent-hq/internal/agentpool"
	"github.com/hochfrequenz/agent-hq/internal/domain"
)

// Department is the static description of one built-in agent type
type Department struct {
	ID       string
	Tasks    []string
	Priority int
	Factory  agentpool.Factory
}

// All returns every built-in department in registration order
func All() []Department {
	return []Department{
		{
			ID: "branding_agent",
			Tasks: []string{
				"brand_name_generation",
				"logo_prompt_creation",
				"visual_identity_design",
				"brand_validation",
				"branding_consultation",
				"branding",
			},
			Priority: 1,
			Factory:  NewBranding,
		},
		{
			ID: "market_research_agent",
			Tasks: []string{
				"market_opportunity_analysis",
				"competitive_analysis",
				"target_audience_research",
				"industry_trend_analysis",
				"revenue_estimation",
				"market_validation",
				"market_consultation",
				"business_strategy",
				"market_research",
			},
			Priority: 1,
			Factory:  NewMarketResearch,
		},
		{
			ID: "logo_generation_agent",
			Tasks: []string{
				"logo_generation",
				"logo_design",
				"visual_identity_creation",
				"brand_visualization",
			},
			// resource intensive
			Priority: 2,
			Factory:  NewLogoGeneration,
		},
		{
			ID: "website_generation_agent",
			Tasks: []string{
				"website_generation",
				"website_design",
				"site_structure_creation",
				"web_content_generation",
				"landing_page_creation",
			},
			Priority: 1,
			Factory:  NewWebsiteGeneration,
		},
	}
}

// Registration builds the pool registration for d
func (d Department) Registration(maxInstances int, autoRestart bool, cfg domain.Payload) agentpool.Registration {
	return agentpool.Registration{
		AgentID:        d.ID,
		Factory:        d.Factory,
		Config:         cfg,
		SupportedTasks: d.Tasks,
		MaxInstances:   maxInstances,
		AutoRestart:    autoRestart,
		Priority:       d.Priority,
	}
}

// ErrStopped is returned by agents used after Stop
var ErrStopped = errors.New("agent stopped")

// UnsupportedTaskError is returned when an agent is handed a task type
// outside its registration.
type UnsupportedTaskError struct {
	AgentID  string
	TaskType string
}

func (e *UnsupportedTaskError) Error() string {
	return fmt.Sprintf("%s: unsupported task type %q", e.AgentID, e.TaskType)
}

// MissingInputError reports a required input key that was empty
type MissingInputError struct {
	TaskType string
	Keys     []string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("%s: %s is required", e.TaskType, strings.Join(e.Keys, " or "))
}

// base carries the lifecycle shared by all department agents
type base struct {
	agentID    string
	instanceID string
	settings   domain.Payload
	stopped    atomic.Bool
	handled    atomic.Int64
}

func newBase(agentID, instanceID string, cfg domain.Payload) base {
	return base{agentID: agentID, instanceID: instanceID, settings: cfg.Clone()}
}

func (b *base) Stop(context.Context) error {
	b.stopped.Store(true)
	return nil
}

func (b *base) HealthCheck(context.Context) error {
	if b.stopped.Load() {
		return ErrStopped
	}
	return nil
}

// begin guards every Execute call
func (b *base) begin(ctx context.Context) error {
	if b.stopped.Load() {
		return ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.handled.Add(1)
	return nil
}

func (b *base) result(taskType string, out domain.Payload) domain.Payload {
	out["task_type"] = taskType
	out["success"] = true
	out["agent_id"] = b.agentID
	out["instance_id"] = b.instanceID
	out["generated_at"] = time.Now().UTC().Format(time.RFC3339)
	return out
}

// requireInput returns the first non-empty value among keys
func requireInput(taskType string, input domain.Payload, keys ...string) (string, error) {
	for _, k := range keys {
		if v := strings.TrimSpace(input.String(k)); v != "" {
			return v, nil
		}
	}
	return "", &MissingInputError{TaskType: taskType, Keys: keys}
}

func stringList(input domain.Payload, key string) []string {
	switch v := input[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// keywords extracts the significant words of a phrase, lowercased
func keywords(text string) []string {
	stop := map[string]bool{
		"a": true, "an": true, "the": true, "and": true, "or": true, "for": true,
		"of": true, "to": true, "in": true, "on": true, "with": true, "that": true,
	}
	var out []string
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) > 2 && !stop[w] {
			out = append(out, w)
		}
	}
	return out
}

func title(word string) string {
	if word == "" {
		return word
	}
	r := []rune(word)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func slug(text string) string {
	return strings.Join(keywords(text), "-")
}

// score maps text onto [lo, hi] deterministically
func score(text string, lo, hi int) int {
	var h uint32 = 2166136261
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
	}
	return lo + int(h%uint32(hi-lo+1))
}
