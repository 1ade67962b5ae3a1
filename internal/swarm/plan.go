package swarm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/orcfabric/fabric/internal/llm"
)

const planningSystemPrompt = `You are a swarm planner. Given a task, decide which specialist agents ` +
	`should work on it. Respond with ONLY a JSON array of objects shaped like ` +
	`{"name": "...", "role": "...", "task": "..."}. No prose, no markdown fences, no commentary.`

// plan calls the LLM with a strict planning prompt and returns a
// normalized, length-capped list of planned agents. Any failure (call
// error, unparsable response, empty array) falls back to a single
// generic agent carrying the full task.
func plan(ctx context.Context, provider llm.Provider, model, task string, maxAgents int) []PlannedAgent {
	resp, err := provider.Chat(ctx, llm.ChatRequest{
		System:   planningSystemPrompt,
		Messages: []llm.Message{{Role: "user", Content: task}},
		Model:    model,
	})
	if err != nil {
		return fallbackPlan(task)
	}

	raw := stripCodeFences(resp.Content)
	var agents []PlannedAgent
	if err := json.Unmarshal([]byte(raw), &agents); err != nil || len(agents) == 0 {
		return fallbackPlan(task)
	}

	if len(agents) > maxAgents {
		agents = agents[:maxAgents]
	}
	for i := range agents {
		agents[i].Name = normalizeName(agents[i].Name)
		if agents[i].Task == "" {
			agents[i].Task = task
		}
	}
	return agents
}

func fallbackPlan(task string) []PlannedAgent {
	return []PlannedAgent{{Name: "general", Role: "generalist", Task: task}}
}

// stripCodeFences removes a leading/trailing ```json or ``` fence that
// models sometimes emit despite being told not to.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// normalizeName lowercases and hyphenates a planned agent's name.
func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "-")
	name = strings.ReplaceAll(name, "_", "-")
	if name == "" {
		name = "agent"
	}
	return name
}
