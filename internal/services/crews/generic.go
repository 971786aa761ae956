package crews

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// GenericCrew executes any job whose schema resolved as gen_crew. The step
// plan lives in the schema body under "x-crew-steps"; each step becomes an
// agent_step / task_complete pair in the event log. A gen_crew schema with
// no step plan runs a single echo step.
type GenericCrew struct {
	secrets interfaces.SecretService
	logger  arbor.ILogger
}

type crewStep struct {
	Agent   string `json:"agent"`
	Task    string `json:"task"`
	Message string `json:"message,omitempty"`

	// RequiresDatabase makes the step resolve the client's database URL
	// before running, failing the job early when the credential is missing.
	RequiresDatabase bool `json:"requires_database,omitempty"`
}

type crewPlan struct {
	Steps []crewStep `json:"x-crew-steps"`
}

// NewGenericCrew creates the generic gen_crew handler
func NewGenericCrew(secrets interfaces.SecretService, logger arbor.ILogger) *GenericCrew {
	return &GenericCrew{
		secrets: secrets,
		logger:  logger,
	}
}

func (g *GenericCrew) Metadata() interfaces.HandlerMetadata {
	return interfaces.HandlerMetadata{
		Name:    "gen_crew",
		Version: "1.0.0",
	}
}

func (g *GenericCrew) Execute(ctx context.Context, req *interfaces.CrewRequest, sink interfaces.EventSink) (json.RawMessage, error) {
	if req.Schema == nil {
		return nil, models.NewCrewError(models.ErrHandlerNotFound, "generic crew requires a gen_crew schema")
	}

	var plan crewPlan
	if err := json.Unmarshal(req.Schema.Schema, &plan); err != nil {
		return nil, models.WrapCrewError(models.ErrValidation, "unreadable step plan in schema "+req.Schema.ID, err)
	}
	if len(plan.Steps) == 0 {
		plan.Steps = []crewStep{{Agent: "worker", Task: "echo"}}
	}

	if err := sink.Emit(ctx, models.EventCrewConfig, map[string]interface{}{
		"crew":   req.JobKey,
		"schema": req.Schema.ID,
		"steps":  len(plan.Steps),
	}); err != nil {
		return nil, err
	}

	completed := make([]string, 0, len(plan.Steps))
	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if step.RequiresDatabase {
			if _, err := g.secrets.DatabaseURL(ctx, req.ClientID); err != nil {
				return nil, models.WrapCrewError(models.ErrCrewExecution,
					fmt.Sprintf("step %q needs a database credential for client %s", step.Task, req.ClientID), err)
			}
		}

		if err := sink.Emit(ctx, models.EventAgentStep, &models.AgentStepData{
			Agent:   step.Agent,
			Task:    step.Task,
			Message: step.Message,
		}); err != nil {
			return nil, err
		}
		if err := sink.Emit(ctx, models.EventTaskComplete, map[string]interface{}{
			"task":  step.Task,
			"agent": step.Agent,
			"index": i,
		}); err != nil {
			return nil, err
		}
		completed = append(completed, step.Task)
	}

	return json.Marshal(map[string]interface{}{
		"crew":            req.JobKey,
		"completed_tasks": completed,
		"inputs":          req.Payload,
	})
}
