package approval

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/orcfabric/fabric/internal/bus"
	"github.com/orcfabric/fabric/internal/store"
)

// ConsoleResolver listens for approval:request events and prompts an
// operator at the terminal, resolving the request via Manager.
// Intended for local/manual deployments with a single attended
// console; channel-mediated approval (a reply in Discord/Telegram)
// bypasses this and calls ResolveApproval directly instead.
type ConsoleResolver struct {
	mgr *Manager
	off bus.Unsubscribe
}

func NewConsoleResolver(mgr *Manager, b *bus.Bus) *ConsoleResolver {
	return &ConsoleResolver{mgr: mgr}
}

// Start subscribes to approval:request and prompts for each one on a
// background goroutine so a slow operator never blocks the bus.
func (c *ConsoleResolver) Start(b *bus.Bus) {
	c.off = b.On(bus.ApprovalRequestEvt, func(ev bus.Event) {
		req, ok := ev.Payload.(*store.ApprovalRequest)
		if !ok {
			return
		}
		go c.prompt(req)
	})
}

func (c *ConsoleResolver) Stop() {
	if c.off != nil {
		c.off()
	}
}

func (c *ConsoleResolver) prompt(req *store.ApprovalRequest) {
	var confirmed bool
	title := fmt.Sprintf("Approve privileged action?\n%s", req.Command)
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Affirmative("allow-once").
				Negative("deny").
				Value(&confirmed),
		),
	).Run()

	decision := store.DecisionDeny
	if err == nil && confirmed {
		decision = store.DecisionAllowOnce
	}
	_ = c.mgr.ResolveApproval(context.Background(), req.ID, decision, "console")
}
