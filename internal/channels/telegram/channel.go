// Package telegram adapts Telegram's long-polling bot API to the
// router.Channel contract via mymmrac/telego. Grounded on the
// teacher's internal/channels/telegram package: long-poll update
// consumption on a dedicated goroutine, group mention gating, and
// 4096-character chunked replies. Pairing, voice transcription
// (stt.go), and media download/caption handling (media.go) are not
// carried over — this module has no speech-to-text or media pipeline
// component in scope, so those call sites would be dead weight.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/orcfabric/fabric/internal/router"
)

const telegramMaxMessageLen = 4096

// Config configures one Telegram channel instance.
type Config struct {
	Token          string
	AllowFrom      []string
	RequireMention bool
}

// Channel long-polls Telegram for updates and dispatches them into the
// router.
type Channel struct {
	cfg    Config
	bot    *telego.Bot
	router *router.Router
	name   string

	cancel context.CancelFunc
}

func New(cfg Config, r *router.Router) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Channel{cfg: cfg, bot: bot, router: r}, nil
}

func (c *Channel) Name() string { return "telegram" }

func (c *Channel) IsAllowed(senderID string) bool {
	if len(c.cfg.AllowFrom) == 0 {
		return true
	}
	for _, allowed := range c.cfg.AllowFrom {
		if allowed == senderID {
			return true
		}
	}
	return false
}

func (c *Channel) Start(ctx context.Context) error {
	c.name = c.bot.Username()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	updates, err := c.bot.UpdatesViaLongPolling(runCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("telegram: start long polling: %w", err)
	}

	go c.consume(runCtx, updates)
	slog.Info("telegram bot connected", "username", c.name)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Channel) consume(ctx context.Context, updates <-chan telego.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				c.handleMessage(update.Message)
			}
		}
	}
}

func (c *Channel) handleMessage(msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	senderID := fmt.Sprintf("%d", msg.From.ID)
	chatID := fmt.Sprintf("%d", msg.Chat.ID)
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	peerKind := "direct"
	if isGroup {
		peerKind = "group"
	}

	content := msg.Text
	if content == "" {
		content = msg.Caption
	}
	if content == "" {
		content = "[unsupported message content]"
	}

	if isGroup && c.cfg.RequireMention {
		mention := "@" + c.name
		if !strings.Contains(content, mention) {
			mentioned := false
			if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.Username == c.name {
				mentioned = true
			}
			if !mentioned {
				return
			}
		}
		content = strings.TrimSpace(strings.ReplaceAll(content, mention, ""))
		display := msg.From.FirstName
		if msg.From.Username != "" {
			display = msg.From.Username
		}
		content = fmt.Sprintf("[From: %s]\n%s", display, content)
	}

	if err := c.router.HandleInbound(context.Background(), router.InboundMessage{
		Channel:  c.Name(),
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		PeerKind: peerKind,
	}); err != nil {
		slog.Warn("telegram: inbound handling failed", "error", err)
	}
}

// Send delivers msg.Content to msg.ChatID, chunking anything beyond
// Telegram's 4096-character limit across multiple messages.
func (c *Channel) Send(ctx context.Context, msg router.OutboundMessage) error {
	var chatIDInt int64
	if _, err := fmt.Sscanf(msg.ChatID, "%d", &chatIDInt); err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", msg.ChatID, err)
	}

	content := msg.Content
	for len(content) > 0 {
		chunk, rest := splitAt(content, telegramMaxMessageLen)
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatIDInt), chunk)); err != nil {
			return fmt.Errorf("telegram: send message: %w", err)
		}
		content = rest
	}
	return nil
}

func splitAt(s string, maxLen int) (head, rest string) {
	if len(s) <= maxLen {
		return s, ""
	}
	cutAt := maxLen
	if idx := strings.LastIndex(s[:maxLen], "\n"); idx > maxLen/2 {
		cutAt = idx + 1
	}
	return s[:cutAt], s[cutAt:]
}
