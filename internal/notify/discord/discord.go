// Package discord announces lot results on a Discord channel through a
// webhook.
package discord

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/agrimarket/treelot/internal/config"
	"github.com/agrimarket/treelot/internal/notify"
)

const (
	colorSold     = 0x2e7d32
	colorNoWinner = 0x9e9e9e
)

// webhookExecutor is the part of *discordgo.Session the publisher uses.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ notify.Publisher = (*Publisher)(nil)

// Publisher implements notify.Publisher over a Discord webhook. Only lot
// results are posted; outbid notices are meant for bidders, not the channel.
type Publisher struct {
	session webhookExecutor
	cfg     config.DiscordConfig
}

// New creates a Publisher for the webhook in cfg. Webhooks need no bot
// token.
func New(cfg config.DiscordConfig) (*Publisher, error) {
	if cfg.WebhookID == "" || cfg.WebhookToken == "" {
		return nil, fmt.Errorf("discord webhook id and token are required")
	}
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return &Publisher{session: session, cfg: cfg}, nil
}

func (p *Publisher) Name() string { return "discord" }

func (p *Publisher) Publish(ctx context.Context, e notify.Event) error {
	params := Message(e)
	if params == nil {
		return nil
	}
	if _, err := p.session.WebhookExecute(p.cfg.WebhookID, p.cfg.WebhookToken, false, params, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("executing discord webhook: %w", err)
	}
	return nil
}

// Message renders e as a webhook message, or returns nil when e is not
// announced on the channel.
func Message(e notify.Event) *discordgo.WebhookParams {
	embed := &discordgo.MessageEmbed{
		Timestamp: e.OccurredAt.UTC().Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: "lot " + e.LotID},
	}

	switch e.Kind {
	case notify.LotFinalized:
		embed.Title = "Lot sold"
		embed.Color = colorSold
		embed.Fields = []*discordgo.MessageEmbedField{
			{Name: "Winning bid", Value: e.Amount.StringFixed(2), Inline: true},
			{Name: "Bidder", Value: e.BidderID, Inline: true},
		}
		if e.FarmerID != "" {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Farmer", Value: e.FarmerID, Inline: true})
		}
	case notify.LotFinalizedNoWinner:
		embed.Title = "Lot closed without bids"
		embed.Color = colorNoWinner
		embed.Description = "Bidding ended with no active bids."
	default:
		return nil
	}

	return &discordgo.WebhookParams{
		Username: "treelot",
		Embeds:   []*discordgo.MessageEmbed{embed},
	}
}
