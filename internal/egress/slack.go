package egress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/slack-go/slack"

	"github.com/vyapaar/backend/internal/domain"
	"github.com/vyapaar/backend/internal/observability"
)

const (
	ActionApprovePayout = "approve_payout"
	ActionRejectPayout  = "reject_payout"

	slackReplayWindow = 5 * time.Minute
)

// SlackNotifier posts approval requests and alerts to a Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	metrics *observability.Metrics
	log     *slog.Logger
}

// NewSlackNotifier builds the notifier from a bot token and channel id.
func NewSlackNotifier(botToken, channelID string, metrics *observability.Metrics) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channelID,
		metrics: metrics,
		log:     slog.With("component", "slack"),
	}
}

// SendApprovalRequest posts the Block Kit approval card for a held payout.
func (n *SlackNotifier) SendApprovalRequest(ctx context.Context, result domain.GovernanceResult, vendorName, vendorURL string) error {
	fields := []*slack.TextBlockObject{
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Amount:*\n%s", formatRupees(result.AmountPaise)), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Agent:*\n%s", result.AgentID), false, false),
		slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Payout:*\n%s", result.PayoutID), false, false),
	}
	if vendorName != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Vendor:*\n%s", vendorName), false, false))
	}
	if vendorURL != "" {
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Vendor URL:*\n%s", vendorURL), false, false))
	}

	approve := slack.NewButtonBlockElement(ActionApprovePayout, result.PayoutID,
		slack.NewTextBlockObject(slack.PlainTextType, "Approve", false, false))
	approve.Style = slack.StylePrimary
	reject := slack.NewButtonBlockElement(ActionRejectPayout, result.PayoutID,
		slack.NewTextBlockObject(slack.PlainTextType, "Reject", false, false))
	reject.Style = slack.StyleDanger

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, "🔔 Payout Approval Required", false, false)),
		slack.NewSectionBlock(nil, fields, nil),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("_%s_", result.ReasonDetail), false, false), nil, nil),
		slack.NewActionBlock("payout_actions", approve, reject),
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(fmt.Sprintf("Payout %s requires approval", result.PayoutID), false),
		slack.MsgOptionBlocks(blocks...),
	)
	n.recordOutcome(err)
	if err != nil {
		return fmt.Errorf("slack approval request: %w", err)
	}
	return nil
}

// SendRejectionAlert posts a non-interactive alert for a notable rejection.
func (n *SlackNotifier) SendRejectionAlert(ctx context.Context, result domain.GovernanceResult) error {
	text := fmt.Sprintf("🚫 *Payout rejected:* `%s`\n*Agent:* %s  *Amount:* %s\n*Reason:* %s (%s)",
		result.PayoutID, result.AgentID, formatRupees(result.AmountPaise),
		result.ReasonCode, result.ReasonDetail)

	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
	)
	n.recordOutcome(err)
	if err != nil {
		return fmt.Errorf("slack rejection alert: %w", err)
	}
	return nil
}

// UpdateApprovalMessage replaces the approval card after a human acts so the
// buttons cannot be pressed twice.
func (n *SlackNotifier) UpdateApprovalMessage(ctx context.Context, channelID, timestamp, payoutID, action, actor string) error {
	var text string
	switch action {
	case ActionApprovePayout:
		text = fmt.Sprintf("✅ Payout `%s` approved by <@%s>", payoutID, actor)
	case ActionRejectPayout:
		text = fmt.Sprintf("🚫 Payout `%s` rejected by <@%s>", payoutID, actor)
	default:
		text = fmt.Sprintf("Payout `%s` resolved by <@%s>", payoutID, actor)
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
	_, _, _, err := n.client.UpdateMessageContext(ctx, channelID, timestamp,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("slack update: %w", err)
	}
	return nil
}

func (n *SlackNotifier) recordOutcome(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	n.metrics.SlackNotifications.WithLabelValues(outcome).Inc()
}

// ============================================================================
// INTERACTION CALLBACKS
// ============================================================================

// VerifySlackSignature checks Slack's v0 signing scheme with a five minute
// replay window. Comparison is constant-time.
func VerifySlackSignature(signingSecret, timestamp, signature string, body []byte, now time.Time) bool {
	if signingSecret == "" || timestamp == "" || signature == "" {
		return false
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if math.Abs(float64(now.Unix()-ts)) > slackReplayWindow.Seconds() {
		return false
	}

	mac := hmac.New(sha256.New, []byte(signingSecret))
	fmt.Fprintf(mac, "v0:%s:%s", timestamp, body)
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SlackAction is the distilled interaction we act on.
type SlackAction struct {
	ActionID  string
	PayoutID  string
	UserID    string
	UserName  string
	ChannelID string
	MessageTS string
}

// ParseSlackAction decodes the interaction payload JSON into the fields the
// pipeline needs.
func ParseSlackAction(payload []byte) (*SlackAction, error) {
	var cb slack.InteractionCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return nil, fmt.Errorf("slack payload decode: %w", err)
	}
	if len(cb.ActionCallback.BlockActions) == 0 {
		return nil, fmt.Errorf("slack payload has no block actions")
	}
	action := cb.ActionCallback.BlockActions[0]
	if action.ActionID != ActionApprovePayout && action.ActionID != ActionRejectPayout {
		return nil, fmt.Errorf("unsupported slack action %q", action.ActionID)
	}
	if action.Value == "" {
		return nil, fmt.Errorf("slack action missing payout id")
	}
	return &SlackAction{
		ActionID:  action.ActionID,
		PayoutID:  action.Value,
		UserID:    cb.User.ID,
		UserName:  cb.User.Name,
		ChannelID: cb.Channel.ID,
		MessageTS: cb.Message.Timestamp,
	}, nil
}

func formatRupees(paise int64) string {
	return fmt.Sprintf("₹%.2f", float64(paise)/100)
}
