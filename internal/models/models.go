package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Variant names one of the two image cases of a test. It is never a storefront product variant.
type Variant string

const (
	VariantControl Variant = "CONTROL"
	VariantTest    Variant = "TEST"
)

func ParseVariant(s string) (Variant, error) {
	switch v := Variant(strings.ToUpper(strings.TrimSpace(s))); v {
	case VariantControl, VariantTest:
		return v, nil
	}
	return "", fmt.Errorf("unknown variant %q", s)
}

// Opposite returns the other case.
func (v Variant) Opposite() Variant {
	if v == VariantTest {
		return VariantControl
	}
	return VariantTest
}

type Trigger string

const (
	TriggerSchedule Trigger = "SCHEDULE"
	TriggerManual   Trigger = "MANUAL"
	TriggerSystem   Trigger = "SYSTEM"
)

func ParseTrigger(s string) (Trigger, error) {
	switch t := Trigger(strings.ToUpper(strings.TrimSpace(s))); t {
	case TriggerSchedule, TriggerManual, TriggerSystem:
		return t, nil
	}
	return "", fmt.Errorf("unknown trigger %q", s)
}

type Test struct {
	ID                      uuid.UUID  `json:"id"`
	Shop                    string     `json:"shop"`
	ProductID               string     `json:"productId"`
	StorefrontVariantID     string     `json:"storefrontVariantId,omitempty"`
	Status                  Status     `json:"status"`
	ActiveVariant           Variant    `json:"activeVariant"`
	RotationIntervalMinutes int        `json:"rotationIntervalMinutes"`
	NextDueAt               *time.Time `json:"nextDueAt,omitempty"`
	LastSwitchedAt          *time.Time `json:"lastSwitchedAt,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	UpdatedAt               time.Time  `json:"updatedAt"`
}

// Tracks reports whether the test manages the hero of a storefront variant.
func (t Test) Tracks(storefrontVariantID string) bool {
	return t.StorefrontVariantID == "" || t.StorefrontVariantID == storefrontVariantID
}

// Interval is the rotation cadence; zero means manual-only.
func (t Test) Interval() time.Duration {
	return time.Duration(t.RotationIntervalMinutes) * time.Minute
}

// NextDue computes the re-armed due time from now, honouring the manual-only case.
func (t Test) NextDue(now time.Time) *time.Time {
	if t.RotationIntervalMinutes <= 0 {
		return nil
	}
	next := now.Add(t.Interval())
	return &next
}

var ErrInvalidMediaItem = errors.New("invalid media item")

type MediaItem struct {
	SourceURL string `json:"sourceUrl"`
	MediaID   string `json:"mediaId,omitempty"`
	AltText   string `json:"altText,omitempty"`
	Position  int    `json:"position"`
}

// Validate enforces the shape every persisted item must have.
func (m MediaItem) Validate() error {
	if strings.TrimSpace(m.SourceURL) == "" {
		return fmt.Errorf("%w: sourceUrl required", ErrInvalidMediaItem)
	}
	u, err := url.Parse(m.SourceURL)
	if err != nil {
		return fmt.Errorf("%w: sourceUrl: %v", ErrInvalidMediaItem, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "s3":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidMediaItem, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: sourceUrl host required", ErrInvalidMediaItem)
	}
	if m.Position < 0 {
		return fmt.Errorf("%w: position must be >= 0", ErrInvalidMediaItem)
	}
	return nil
}

// Key is the content identity of the item.
func (m MediaItem) Key() string {
	return NormalizeURL(m.SourceURL)
}

// NormalizeURL strips query string and fragment and lower-cases the remainder.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	return strings.ToLower(s)
}

// ValidateMediaItems checks each item and rejects duplicate positions.
func ValidateMediaItems(items []MediaItem) error {
	seen := make(map[int]struct{}, len(items))
	for i, item := range items {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		if _, dup := seen[item.Position]; dup {
			return fmt.Errorf("item %d: %w: duplicate position %d", i, ErrInvalidMediaItem, item.Position)
		}
		seen[item.Position] = struct{}{}
	}
	return nil
}

type MediaSet struct {
	TestID  uuid.UUID   `json:"testId"`
	Variant Variant     `json:"variant"`
	Items   []MediaItem `json:"items"`
}

// Ordered returns the items sorted by position without mutating the set.
func (s MediaSet) Ordered() []MediaItem {
	out := append([]MediaItem(nil), s.Items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// HeroAssignment is the desired hero for one storefront variant in one case. A nil Item clears the hero.
type HeroAssignment struct {
	TestID              uuid.UUID  `json:"testId"`
	StorefrontVariantID string     `json:"storefrontVariantId"`
	Variant             Variant    `json:"variant"`
	Item                *MediaItem `json:"item"`
}

// TestSnapshot is a test with everything needed to reconcile it.
type TestSnapshot struct {
	Test    Test             `json:"test"`
	Control MediaSet         `json:"control"`
	Treat   MediaSet         `json:"treatment"`
	Heroes  []HeroAssignment `json:"heroes"`
}

func (s TestSnapshot) MediaSet(v Variant) MediaSet {
	if v == VariantTest {
		return s.Treat
	}
	return s.Control
}

// HeroesFor returns the desired hero per tracked storefront variant for the given case.
// Variants tracked only under the other case map to nil. A test scoped to one storefront
// variant tracks that variant's hero only.
func (s TestSnapshot) HeroesFor(v Variant) map[string]*MediaItem {
	out := map[string]*MediaItem{}
	for _, h := range s.Heroes {
		if !s.Test.Tracks(h.StorefrontVariantID) {
			continue
		}
		if _, ok := out[h.StorefrontVariantID]; !ok {
			out[h.StorefrontVariantID] = nil
		}
	}
	for _, h := range s.Heroes {
		if h.Variant == v && h.Item != nil && s.Test.Tracks(h.StorefrontVariantID) {
			item := *h.Item
			out[h.StorefrontVariantID] = &item
		}
	}
	return out
}

type StreamStatus string

const (
	StreamPending    StreamStatus = "pending"
	StreamInProgress StreamStatus = "in_progress"
	StreamDone       StreamStatus = "done"
	StreamFailed     StreamStatus = "failed"
)

type RotationHistoryEntry struct {
	ID          uuid.UUID       `json:"id"`
	Seq         int64           `json:"seq"`
	TestID      uuid.UUID       `json:"testId"`
	FromVariant Variant         `json:"fromVariant"`
	ToVariant   Variant         `json:"toVariant"`
	TriggeredBy Trigger         `json:"triggeredBy"`
	Succeeded   bool            `json:"succeeded"`
	DurationMs  int64           `json:"durationMs"`
	Error       *string         `json:"error,omitempty"`
	OccurredAt  time.Time       `json:"occurredAt"`
	Context     json.RawMessage `json:"contextMetadata"`
}
