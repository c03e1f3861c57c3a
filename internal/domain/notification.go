package domain

import (
	"time"

	"notification-service/pkg/xerrors"
)

// NotificationType defines the category of a notification.
type NotificationType string

const (
	TypeSystemAlert      NotificationType = "system_alert"
	TypeMaintenance      NotificationType = "maintenance"
	TypeUpdate           NotificationType = "update"
	TypeSecurity         NotificationType = "security"
	TypeAuctionBid       NotificationType = "auction_bid"
	TypeAuctionWhitelist NotificationType = "auction_whitelist"
	TypeTransaction      NotificationType = "transaction"
	TypeAchievement      NotificationType = "achievement"
	TypeReferral         NotificationType = "referral"
	TypeCustom           NotificationType = "custom"
	TypePromotional      NotificationType = "promotional"
	TypeSocial           NotificationType = "social"
)

var validTypes = map[NotificationType]struct{}{
	TypeSystemAlert: {}, TypeMaintenance: {}, TypeUpdate: {}, TypeSecurity: {},
	TypeAuctionBid: {}, TypeAuctionWhitelist: {}, TypeTransaction: {},
	TypeAchievement: {}, TypeReferral: {}, TypeCustom: {}, TypePromotional: {},
	TypeSocial: {},
}

func (t NotificationType) Valid() bool {
	_, ok := validTypes[t]
	return ok
}

// DefaultExpiry returns the per-type retention window applied when a
// producer omits expires_at.
func (t NotificationType) DefaultExpiry() time.Duration {
	switch t {
	case TypeSecurity:
		return 365 * 24 * time.Hour
	case TypeTransaction:
		return 180 * 24 * time.Hour
	case TypeAchievement:
		return 90 * 24 * time.Hour
	case TypeAuctionBid, TypeAuctionWhitelist:
		return 14 * 24 * time.Hour
	case TypePromotional:
		return 7 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Weight maps a priority to its queue lane weight.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityHigh:
		return 7
	case PriorityMedium:
		return 5
	case PriorityLow:
		return 1
	default:
		return 5
	}
}

// Rank orders priorities for minimum-priority checks; higher outranks lower.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

type Channel string

const (
	ChannelInApp    Channel = "in_app"
	ChannelRealtime Channel = "realtime"
	ChannelEmail    Channel = "email" // stub, kept for preference parity
	ChannelSMS      Channel = "sms"   // stub
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelInApp, ChannelRealtime, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRead      DeliveryStatus = "read"
)

type Action struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Type   string `json:"type"` // link, button, dismiss
	URL    string `json:"url,omitempty"`
	Action string `json:"action,omitempty"`
	Style  string `json:"style,omitempty"`
}

// TemplateRef points content at a stored template instead of literal text.
type TemplateRef struct {
	TemplateID string                 `json:"template_id"`
	Version    string                 `json:"version,omitempty"` // empty = latest active
	Variables  map[string]interface{} `json:"variables,omitempty"`
}

type Content struct {
	ContentType string                 `json:"content_type"` // text, html, rich
	Title       string                 `json:"title,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Actions     []Action               `json:"actions,omitempty"`
	ImageURL    string                 `json:"image_url,omitempty"`
	IconURL     string                 `json:"icon_url,omitempty"`
	Template    *TemplateRef           `json:"template,omitempty"`
}

type DeliveryChannel struct {
	Channel       Channel        `json:"channel"`
	Status        DeliveryStatus `json:"status"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt   *time.Time     `json:"delivered_at,omitempty"`
	ReadAt        *time.Time     `json:"read_at,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	RetryCount    int            `json:"retry_count"`
}

type RelatedEntity struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type Schedule struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	Timezone     string    `json:"timezone,omitempty"`
	Recurrence   string    `json:"recurrence,omitempty"` // none, daily, weekly, monthly
}

type Analytics struct {
	Impressions     int64   `json:"impressions"`
	Clicks          int64   `json:"clicks"`
	Conversions     int64   `json:"conversions"`
	ClickRate       float64 `json:"click_rate"`
	ConversionRate  float64 `json:"conversion_rate"`
	EngagementScore float64 `json:"engagement_score"`
}

type Notification struct {
	ID          string           `json:"id"`
	Type        NotificationType `json:"type"`
	Priority    Priority         `json:"priority"`
	RecipientID string           `json:"recipient_id"`
	SenderID    string           `json:"sender_id,omitempty"`
	Content     Content          `json:"content"`

	// Delivery holds one entry per requested channel, unique per channel.
	Delivery []DeliveryChannel `json:"delivery"`

	IsRead bool       `json:"is_read"`
	ReadAt *time.Time `json:"read_at,omitempty"`

	ExpiresAt time.Time      `json:"expires_at"`
	Related   *RelatedEntity `json:"related,omitempty"`
	Schedule  *Schedule      `json:"schedule,omitempty"`

	Analytics Analytics              `json:"analytics"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeliveryFor returns the delivery entry for a channel, nil when the channel
// was not requested.
func (n *Notification) DeliveryFor(c Channel) *DeliveryChannel {
	for i := range n.Delivery {
		if n.Delivery[i].Channel == c {
			return &n.Delivery[i]
		}
	}
	return nil
}

// Draft is the producer-supplied intent carried on a queue job. The
// persistent record is only created when the worker processes the job.
type Draft struct {
	Type        NotificationType       `json:"type"`
	Priority    Priority               `json:"priority"`
	RecipientID string                 `json:"recipient_id,omitempty"` // unset for broadcast drafts
	SenderID    string                 `json:"sender_id,omitempty"`
	Content     Content                `json:"content"`
	Channels    []Channel              `json:"channels,omitempty"` // empty = in_app + realtime
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	Related     *RelatedEntity         `json:"related,omitempty"`
	Schedule    *Schedule              `json:"schedule,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// DefaultChannels applies when a draft names none.
var DefaultChannels = []Channel{ChannelInApp, ChannelRealtime}

// Validate rejects malformed drafts synchronously at enqueue time.
// needRecipient is false for broadcast drafts, whose recipients arrive as a
// separate list.
func (d *Draft) Validate(needRecipient bool) error {
	if !d.Type.Valid() {
		return xerrors.ErrInvalidType
	}
	if !d.Priority.Valid() {
		return xerrors.ErrInvalidPriority
	}
	if needRecipient && d.RecipientID == "" {
		return xerrors.ErrRecipientRequired
	}
	if d.Content.Title == "" && d.Content.Message == "" && d.Content.Template == nil {
		return xerrors.ErrContentRequired
	}
	if d.Content.Template != nil && d.Content.Template.TemplateID == "" {
		return xerrors.ErrContentRequired
	}
	for _, c := range d.Channels {
		if !c.Valid() {
			return xerrors.ErrInvalidChannel
		}
	}
	return nil
}

// ResolvedChannels returns the draft's channels or the defaults.
func (d *Draft) ResolvedChannels() []Channel {
	if len(d.Channels) == 0 {
		return DefaultChannels
	}
	return d.Channels
}
