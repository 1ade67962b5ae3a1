// Package discord adapts Discord's gateway API to the router.Channel
// contract. Grounded on the teacher's internal/channels/discord
// package: bot-mention gating in groups, placeholder "Thinking..."
// message replaced by the final reply, and 2000-character chunked
// sends split on the nearest newline. Pairing flow and per-channel
// typing-indicator keepalive are not carried over — this module has
// no PairingStore, and a bare "Thinking..." placeholder already
// covers the perceived-latency concern without a second timer per
// message.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/orcfabric/fabric/internal/router"
)

const discordMaxMessageLen = 2000

// Config configures one Discord channel instance.
type Config struct {
	Token          string
	AllowFrom      []string
	RequireMention bool // when true, only respond in groups when @mentioned; zero value is false
}

// Channel connects to Discord via the bot gateway.
type Channel struct {
	cfg       Config
	session   *discordgo.Session
	router    *router.Router
	botUserID string
	running   bool

	mu           sync.Mutex
	placeholders map[string]string // inbound message id -> placeholder message id
}

func New(cfg Config, r *router.Router) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		cfg:          cfg,
		session:      session,
		router:       r,
		placeholders: make(map[string]string),
	}, nil
}

func (c *Channel) Name() string { return "discord" }

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
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.running = true
	slog.Info("discord bot connected", "username", user.Username)
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	c.running = false
	return c.session.Close()
}

// Send delivers msg.Content to msg.ChatID (a Discord channel id),
// editing any pending "Thinking..." placeholder in place when one
// exists for that channel, then chunking anything beyond Discord's
// 2000-character limit as follow-up messages.
func (c *Channel) Send(ctx context.Context, msg router.OutboundMessage) error {
	if !c.running {
		return fmt.Errorf("discord: channel not running")
	}
	content := msg.Content

	c.mu.Lock()
	placeholderID, hasPlaceholder := c.placeholders[msg.ChatID]
	delete(c.placeholders, msg.ChatID)
	c.mu.Unlock()

	if hasPlaceholder {
		head, rest := splitAt(content, discordMaxMessageLen)
		if _, err := c.session.ChannelMessageEdit(msg.ChatID, placeholderID, head); err != nil {
			slog.Warn("discord: placeholder edit failed, sending new message", "error", err)
		} else if rest == "" {
			return nil
		} else {
			content = rest
		}
	}
	return c.sendChunked(msg.ChatID, content)
}

func (c *Channel) sendChunked(channelID, content string) error {
	for len(content) > 0 {
		var chunk string
		chunk, content = splitAt(content, discordMaxMessageLen)
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	return nil
}

// splitAt breaks s at maxLen, preferring the nearest newline in the
// back half so messages don't split mid-sentence.
func splitAt(s string, maxLen int) (head, rest string) {
	if len(s) <= maxLen {
		return s, ""
	}
	cutAt := maxLen
	if idx := lastIndexByte(s[:maxLen], '\n'); idx > maxLen/2 {
		cutAt = idx + 1
	}
	return s[:cutAt], s[cutAt:]
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	isDM := m.GuildID == ""
	peerKind := "group"
	if isDM {
		peerKind = "direct"
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}
	if content == "" {
		content = "[empty message]"
	}

	if peerKind == "group" && c.cfg.RequireMention {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
		content = fmt.Sprintf("[From: %s]\n%s", resolveDisplayName(m), content)
	}

	placeholder, err := c.session.ChannelMessageSend(m.ChannelID, "Thinking...")
	if err == nil {
		c.mu.Lock()
		c.placeholders[m.ChannelID] = placeholder.ID
		c.mu.Unlock()
	}

	if err := c.router.HandleInbound(context.Background(), router.InboundMessage{
		Channel:  c.Name(),
		SenderID: m.Author.ID,
		ChatID:   m.ChannelID,
		Content:  content,
		PeerKind: peerKind,
	}); err != nil {
		slog.Warn("discord: inbound handling failed", "error", err)
	}
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
