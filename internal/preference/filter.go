package preference

import (
	"context"
	"time"

	"notification-service/internal/domain"
	"notification-service/pkg/cache"

	"go.uber.org/zap"
)

// Suppression reasons recorded on the delivery entries of filtered
// notifications.
const (
	ReasonOK             = "ok"
	ReasonNoPreferences  = "no_preferences"
	ReasonGlobalDisabled = "globally_disabled"
	ReasonBlockedSender  = "blocked_sender"
	ReasonBlockedEntity  = "blocked_entity"
	ReasonTypeDisabled   = "type_disabled"
	ReasonBelowPriority  = "below_min_priority"
	ReasonNoChannels     = "no_channels"
	ReasonQuietHours     = "quiet_hours"
	ReasonDailyLimit     = "daily_limit"
)

const dailyNamespace = "notifcount"

// Decision is the outcome of evaluating a notification against a user's
// preferences. Channels carries the allowed subset when Allow is true.
type Decision struct {
	Allow    bool             `json:"allow"`
	Reason   string           `json:"reason"`
	Channels []domain.Channel `json:"channels,omitempty"`
}

func suppress(reason string) Decision {
	return Decision{Allow: false, Reason: reason}
}

// Filter evaluates drafts against recipient preferences. The cache backs
// the per-day delivery counter; nil disables that check.
type Filter struct {
	cache  *cache.Cache
	logger *zap.Logger
}

func NewFilter(c *cache.Cache, logger *zap.Logger) *Filter {
	return &Filter{cache: c, logger: logger}
}

// Evaluate decides whether a draft reaches its recipient and over which
// channels. A nil preference document suppresses: a user who never opted
// in receives nothing.
func (f *Filter) Evaluate(ctx context.Context, d *domain.Draft, pref *domain.Preference, now time.Time) Decision {
	if pref == nil {
		return suppress(ReasonNoPreferences)
	}
	if !pref.Global.Enabled {
		return suppress(ReasonGlobalDisabled)
	}
	if pref.IsBlockedSender(d.SenderID) {
		return suppress(ReasonBlockedSender)
	}
	if pref.IsBlockedEntity(d.Related) {
		return suppress(ReasonBlockedEntity)
	}

	tp := pref.TypePref(d.Type)
	if tp != nil {
		if !tp.Enabled {
			return suppress(ReasonTypeDisabled)
		}
		if tp.MinPriority != "" && d.Priority.Rank() < tp.MinPriority.Rank() {
			return suppress(ReasonBelowPriority)
		}
	}

	channels := f.allowedChannels(d, pref, tp)
	if len(channels) == 0 {
		return suppress(ReasonNoChannels)
	}

	// A per-type window replaces the global one entirely, even when disabled.
	quiet := &pref.QuietHours
	if tp != nil && tp.QuietHours != nil {
		quiet = tp.QuietHours
	}
	if f.inQuietWindow(quiet, now, pref.Timezone) {
		if d.Priority != domain.PriorityCritical || !quiet.OverrideForCritical {
			return suppress(ReasonQuietHours)
		}
	}

	if over := f.overDailyLimit(ctx, d, pref); over {
		return suppress(ReasonDailyLimit)
	}

	return Decision{Allow: true, Reason: ReasonOK, Channels: channels}
}

func (f *Filter) allowedChannels(d *domain.Draft, pref *domain.Preference, tp *domain.TypePreference) []domain.Channel {
	var out []domain.Channel
	for _, c := range d.ResolvedChannels() {
		if !pref.ChannelEnabled(c) {
			continue
		}
		if tp != nil && len(tp.Channels) > 0 && !containsChannel(tp.Channels, c) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (f *Filter) inQuietWindow(q *domain.QuietHours, now time.Time, fallbackTZ string) bool {
	if q == nil || !q.Enabled {
		return false
	}
	start, okStart := parseClock(q.Start)
	end, okEnd := parseClock(q.End)
	if !okStart || !okEnd || start == end {
		return false
	}

	tz := q.Timezone
	if tz == "" {
		tz = fallbackTZ
	}
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			f.logger.Warn("unknown preference timezone", zap.String("timezone", tz))
		}
	}

	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	// The window is [start, end); end before start wraps past midnight.
	if start < end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

// overDailyLimit counts a would-be delivery against the recipient's daily
// cap. Critical notifications and counter errors never suppress.
func (f *Filter) overDailyLimit(ctx context.Context, d *domain.Draft, pref *domain.Preference) bool {
	if f.cache == nil || pref.Global.MaxPerDay <= 0 {
		return false
	}
	if d.Priority == domain.PriorityCritical {
		return false
	}

	key := d.RecipientID + ":" + time.Now().UTC().Format("2006-01-02")
	count, err := f.cache.IncrWithExpire(ctx, dailyNamespace, key, 24*time.Hour)
	if err != nil {
		f.logger.Warn("daily limit counter unavailable", zap.String("recipient_id", d.RecipientID), zap.Error(err))
		return false
	}
	return count > int64(pref.Global.MaxPerDay)
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

func containsChannel(list []domain.Channel, c domain.Channel) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}
