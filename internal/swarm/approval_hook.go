package swarm

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
)

// AutoApproveHook always approves; the default when no ApprovalHook is
// configured.
type AutoApproveHook struct{}

func (AutoApproveHook) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	return true, nil
}

// InteractiveHook prompts an operator on the console via huh.Confirm
// and approves only on an affirmative reply.
type InteractiveHook struct{}

func (InteractiveHook) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	var confirmed bool
	prompt := fmt.Sprintf("Swarm %s wants to spawn %d agent(s) for:\n%s", req.SwarmID, req.AgentCount, req.Task)
	err := huh.NewConfirm().
		Title(prompt).
		Affirmative("yes").
		Negative("no").
		Value(&confirmed).
		Theme(huh.ThemeBase()).
		Run()
	if err != nil {
		return false, fmt.Errorf("swarm: interactive approval: %w", err)
	}
	return confirmed, nil
}

// ReplyHook approves when a free-text reply (collected by the caller
// out of band, e.g. over a chat channel) starts with "y" or "Y".
type ReplyHook struct {
	Ask func(ctx context.Context, prompt string) (string, error)
}

func (h ReplyHook) RequestApproval(ctx context.Context, req ApprovalRequest) (bool, error) {
	prompt := fmt.Sprintf("Approve swarm %s (%d agents) for: %s? (y/n)", req.SwarmID, req.AgentCount, req.Task)
	reply, err := h.Ask(ctx, prompt)
	if err != nil {
		return false, err
	}
	reply = strings.TrimSpace(reply)
	return len(reply) > 0 && (reply[0] == 'y' || reply[0] == 'Y'), nil
}
