package schedule

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/agent-hq/internal/domain"
	"github.com/hochfrequenz/agent-hq/internal/orchestrator"
)

// BatchFile is the YAML definition of a batch:
//
//	user_id: ops
//	requires_approval: true
//	tasks:
//	  - task_id: brand
//	    task_type: branding
//	    input_data: {business_idea: "coffee delivery"}
//	  - task_id: logo
//	    task_type: logo_generation
//	    dependencies: [brand]
//	    timeout: 2m
type BatchFile struct {
	UserID           string            `yaml:"user_id"`
	SessionID        string            `yaml:"session_id,omitempty"`
	WorkflowID       string            `yaml:"workflow_id,omitempty"`
	RequiresApproval bool              `yaml:"requires_approval"`
	Tasks            []domain.TaskSpec `yaml:"tasks"`
}

// LoadBatchFile reads and decodes a batch definition
func LoadBatchFile(path string) (*BatchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBatchFile(data)
}

// ParseBatchFile decodes a batch definition. Task-level validation is left
// to the orchestrator, which knows the registered task types.
func ParseBatchFile(data []byte) (*BatchFile, error) {
	var f BatchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing batch file: %w", err)
	}
	if len(f.Tasks) == 0 {
		return nil, errors.New("batch file has no tasks")
	}
	return &f, nil
}

// Request converts the file into a submission
func (f *BatchFile) Request() orchestrator.BatchRequest {
	tasks := make([]domain.TaskSpec, len(f.Tasks))
	copy(tasks, f.Tasks)
	return orchestrator.BatchRequest{
		Tasks:            tasks,
		UserID:           f.UserID,
		SessionID:        f.SessionID,
		WorkflowID:       f.WorkflowID,
		RequiresApproval: f.RequiresApproval,
	}
}
