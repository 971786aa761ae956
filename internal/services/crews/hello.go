package crews

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// HelloCrew is the minimal built-in crew used for smoke tests and local
// development. It emits a fixed event sequence and returns a greeting built
// from the payload topic.
type HelloCrew struct {
	logger arbor.ILogger
}

// NewHelloCrew creates the hello crew handler
func NewHelloCrew(logger arbor.ILogger) *HelloCrew {
	return &HelloCrew{logger: logger}
}

func (h *HelloCrew) Metadata() interfaces.HandlerMetadata {
	return interfaces.HandlerMetadata{
		Name:        "hello_crew",
		Version:     "1.0.0",
		MaxWallTime: time.Minute,
	}
}

func (h *HelloCrew) Execute(ctx context.Context, req *interfaces.CrewRequest, sink interfaces.EventSink) (json.RawMessage, error) {
	var payload struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, models.WrapCrewError(models.ErrValidation, "hello_crew payload", err)
	}
	if payload.Topic == "" {
		payload.Topic = "the world"
	}

	if err := sink.Emit(ctx, models.EventCrewConfig, map[string]interface{}{
		"crew":   "hello_crew",
		"agents": []string{"greeter"},
	}); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	greeting := fmt.Sprintf("Hello from the crew, speaking about %s", payload.Topic)
	if err := sink.Emit(ctx, models.EventAgentStep, &models.AgentStepData{
		Agent:   "greeter",
		Task:    "compose_greeting",
		Message: greeting,
	}); err != nil {
		return nil, err
	}

	if err := sink.Emit(ctx, models.EventTaskComplete, map[string]string{
		"task":  "compose_greeting",
		"agent": "greeter",
	}); err != nil {
		return nil, err
	}

	return json.Marshal(map[string]string{
		"greeting": greeting,
		"topic":    payload.Topic,
	})
}
