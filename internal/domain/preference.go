package domain

import (
	"time"

	"notification-service/pkg/xerrors"
)

// QuietHours is a daily window during which non-critical notifications are
// suppressed. Start/End are "HH:MM" in the configured timezone; End before
// Start means the window wraps past midnight.
type QuietHours struct {
	Enabled             bool   `json:"enabled"`
	Start               string `json:"start,omitempty"`
	End                 string `json:"end,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
	OverrideForCritical bool   `json:"override_for_critical"`
}

type TypePreference struct {
	Type        NotificationType `json:"type"`
	Enabled     bool             `json:"enabled"`
	Channels    []Channel        `json:"channels,omitempty"` // empty = all channels allowed
	MinPriority Priority         `json:"min_priority,omitempty"`
	QuietHours  *QuietHours      `json:"quiet_hours,omitempty"`
}

type ChannelSetting struct {
	Channel Channel `json:"channel"`
	Enabled bool    `json:"enabled"`
}

type GlobalSettings struct {
	Enabled        bool `json:"enabled"`
	MaxPerDay      int  `json:"max_per_day,omitempty"` // 0 = unlimited
	BatchDelivery  bool `json:"batch_delivery"`
	MarkReadOnView bool `json:"mark_read_on_view"`
}

type BlockList struct {
	SenderIDs []string        `json:"sender_ids,omitempty"`
	Entities  []RelatedEntity `json:"entities,omitempty"`
}

type DigestSettings struct {
	Enabled   bool   `json:"enabled"`
	Frequency string `json:"frequency,omitempty"` // daily, weekly
	Hour      int    `json:"hour,omitempty"`
}

// Preference is the per-user settings document, one per user. A user with
// no document has never opted in and is treated as fully disabled by the
// delivery filter.
type Preference struct {
	UserID          string           `json:"user_id"`
	Global          GlobalSettings   `json:"global"`
	TypePreferences []TypePreference `json:"type_preferences,omitempty"`
	ChannelSettings []ChannelSetting `json:"channel_settings,omitempty"`
	QuietHours      QuietHours       `json:"quiet_hours"`
	Blocked         BlockList        `json:"blocked"`
	Digest          DigestSettings   `json:"digest"`
	Language        string           `json:"language,omitempty"`
	Timezone        string           `json:"timezone,omitempty"`
	ShowPreview     bool             `json:"show_preview"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// DefaultPreferences is the document seeded on a user's first preference
// write: everything enabled, no quiet hours, no blocks.
func DefaultPreferences(userID string) *Preference {
	now := time.Now().UTC()
	return &Preference{
		UserID: userID,
		Global: GlobalSettings{
			Enabled:        true,
			MarkReadOnView: false,
		},
		QuietHours: QuietHours{
			Enabled:             false,
			OverrideForCritical: true,
		},
		ShowPreview: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Validate rejects malformed preference documents at write time. Unknown
// types and channels are rejected rather than silently ignored so a client
// typo does not read back as "saved".
func (p *Preference) Validate() error {
	if p.UserID == "" {
		return xerrors.ErrInvalidInput
	}
	if p.Global.MaxPerDay < 0 {
		return xerrors.ErrInvalidInput
	}
	for i := range p.TypePreferences {
		tp := &p.TypePreferences[i]
		if !tp.Type.Valid() {
			return xerrors.ErrInvalidType
		}
		if tp.MinPriority != "" && !tp.MinPriority.Valid() {
			return xerrors.ErrInvalidPriority
		}
		for _, c := range tp.Channels {
			if !c.Valid() {
				return xerrors.ErrInvalidChannel
			}
		}
		if tp.QuietHours != nil {
			if err := tp.QuietHours.Validate(); err != nil {
				return err
			}
		}
	}
	for _, s := range p.ChannelSettings {
		if !s.Channel.Valid() {
			return xerrors.ErrInvalidChannel
		}
	}
	if err := p.QuietHours.Validate(); err != nil {
		return err
	}
	switch p.Digest.Frequency {
	case "", "daily", "weekly":
	default:
		return xerrors.ErrInvalidInput
	}
	return nil
}

// Validate checks the window bounds; a disabled window may carry anything.
func (q *QuietHours) Validate() error {
	if !q.Enabled {
		return nil
	}
	for _, v := range []string{q.Start, q.End} {
		if _, err := time.Parse("15:04", v); err != nil {
			return xerrors.ErrInvalidInput
		}
	}
	return nil
}

// TypePref returns the per-type override for t, nil when none is set.
func (p *Preference) TypePref(t NotificationType) *TypePreference {
	for i := range p.TypePreferences {
		if p.TypePreferences[i].Type == t {
			return &p.TypePreferences[i]
		}
	}
	return nil
}

// ChannelEnabled reports whether a channel is globally allowed; channels
// without an explicit setting default to enabled.
func (p *Preference) ChannelEnabled(c Channel) bool {
	for _, s := range p.ChannelSettings {
		if s.Channel == c {
			return s.Enabled
		}
	}
	return true
}

func (p *Preference) IsBlockedSender(senderID string) bool {
	if senderID == "" {
		return false
	}
	for _, id := range p.Blocked.SenderIDs {
		if id == senderID {
			return true
		}
	}
	return false
}

func (p *Preference) IsBlockedEntity(e *RelatedEntity) bool {
	if e == nil {
		return false
	}
	for _, b := range p.Blocked.Entities {
		if b.Kind == e.Kind && b.ID == e.ID {
			return true
		}
	}
	return false
}
