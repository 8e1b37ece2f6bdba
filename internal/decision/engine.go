// Package decision decides whether a message deserves a reply and how deep
// that reply should go. Analyze is pure: no I/O, no clock, no hidden state.
package decision

import (
	"math"
	"unicode/utf8"

	"replybot/internal/domain"
)

// Strategy is the response-depth tier.
type Strategy string

const (
	StrategyQuickReply Strategy = "quick-reply"
	StrategyDeepReason Strategy = "deep-reason"
	StrategyDefer      Strategy = "defer"
	StrategyIgnore     Strategy = "ignore"
)

// Reason tags, in the order Analyze may emit them.
const (
	ReasonOptOut           = "opt-out"
	ReasonMentionsEveryone = "mentions-everyone"
	ReasonTooManyMentions  = "too-many-mentions"
	ReasonBurst            = "burst"
	ReasonDM               = "dm"
	ReasonMentionBot       = "mention-bot"
	ReasonReplyBot         = "reply-bot"
	ReasonPersonalThread   = "personal-thread"
	ReasonCooldown         = "cooldown"
	ReasonBelowThreshold   = "below-threshold"
)

// AmbientThresholdKey is the GuildOverrides key for the response threshold.
const AmbientThresholdKey = "ambientThreshold"

const (
	bonusDM             = 3.0
	bonusMention        = 3.0
	bonusReply          = 2.0
	bonusPersonalThread = 2.0
	maxCooldownPenalty  = 2.0

	// strongFloorMargin is how far above the threshold a DM or mention is
	// kept when the cooldown penalty would otherwise cross it.
	strongFloorMargin = 0.5

	charsPerToken = 4.0
)

// Result is the outcome of Analyze. Score is diagnostic only.
type Result struct {
	ShouldRespond bool     `json:"shouldRespond"`
	Strategy      Strategy `json:"strategy"`
	Reason        []string `json:"reason"`
	Score         float64  `json:"score"`
}

// Analyze maps a message and its context to a respond/strategy decision.
//
// Opt-out short-circuits everything. The remaining hard suppressions
// (everyone, too many mentions, burst) are all evaluated and recorded; any
// of them suppresses the reply regardless of bonuses.
func Analyze(msg domain.IncomingMessage, cc domain.ConversationContext, cfg Config) Result {
	if !cc.OptedIn {
		return ignore([]string{ReasonOptOut}, 0)
	}

	var suppressed []string
	if msg.Mentions.Everyone {
		suppressed = append(suppressed, ReasonMentionsEveryone)
	}
	if DistinctMentions(msg.Mentions) > cfg.MaxMentionsAllowed {
		suppressed = append(suppressed, ReasonTooManyMentions)
	}
	if cc.RecentUserBurstCount >= cfg.BurstThreshold {
		suppressed = append(suppressed, ReasonBurst)
	}
	if len(suppressed) > 0 {
		return ignore(suppressed, 0)
	}

	var (
		reason []string
		score  float64
	)
	if cc.IsDM {
		score += bonusDM
		reason = append(reason, ReasonDM)
	}
	if cc.MentionedBot {
		score += bonusMention
		reason = append(reason, ReasonMentionBot)
	}
	if cc.RepliedToBot {
		score += bonusReply
		reason = append(reason, ReasonReplyBot)
	}
	if cc.IsPersonalThread {
		score += bonusPersonalThread
		reason = append(reason, ReasonPersonalThread)
	}

	threshold := cc.GuildOverrides[AmbientThresholdKey]

	if fraction := cooldownRemaining(cc, cfg); fraction > 0 {
		reason = append(reason, ReasonCooldown)
		before := score
		score -= maxCooldownPenalty * fraction
		strong := cc.IsDM || cc.MentionedBot
		if strong && before > threshold && score <= threshold {
			score = math.Min(before, threshold+strongFloorMargin)
		}
	}

	if score <= threshold {
		return ignore(append(reason, ReasonBelowThreshold), score)
	}

	return Result{
		ShouldRespond: true,
		Strategy:      SelectStrategy(msg.Content, cfg.DefaultModelTokenLimit),
		Reason:        reason,
		Score:         score,
	}
}

// SelectStrategy picks the depth tier from the estimated token count.
// Longer content never maps to a shallower tier.
func SelectStrategy(content string, tokenLimit int) Strategy {
	tokens := EstimateTokens(content)
	tier1, tier2 := tiers(tokenLimit)
	switch {
	case tokens < tier1:
		return StrategyQuickReply
	case tokens <= tier2:
		return StrategyDeepReason
	default:
		return StrategyDefer
	}
}

// EstimateTokens approximates the token count as characters / 4, rounded.
func EstimateTokens(content string) int {
	return int(math.Round(float64(utf8.RuneCountInString(content)) / charsPerToken))
}

func tiers(limit int) (int, int) {
	return limit / 4, limit * 3 / 4
}

// DistinctMentions counts users, roles and channels, each deduplicated.
func DistinctMentions(m domain.Mentions) int {
	return countDistinct(m.Users) + countDistinct(m.Roles) + countDistinct(m.Channels)
}

func countDistinct(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}

// cooldownRemaining returns the remaining fraction of the cooldown window in
// (0, 1], or 0 when no cooldown applies.
func cooldownRemaining(cc domain.ConversationContext, cfg Config) float64 {
	if cc.LastBotReplyAt == nil || cfg.Cooldown <= 0 {
		return 0
	}
	elapsed := cc.Now.Sub(*cc.LastBotReplyAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= cfg.Cooldown {
		return 0
	}
	return float64(cfg.Cooldown-elapsed) / float64(cfg.Cooldown)
}

func ignore(reason []string, score float64) Result {
	return Result{
		ShouldRespond: false,
		Strategy:      StrategyIgnore,
		Reason:        reason,
		Score:         score,
	}
}
