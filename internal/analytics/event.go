package analytics

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"

	"github.com/slugy/edge/internal/models"
	"github.com/slugy/edge/internal/trigger"
)

// ClickEvent is one recorded visit. Events are immutable once appended.
type ClickEvent struct {
	ID          string    `json:"id"`
	LinkID      int64     `json:"linkId"`
	WorkspaceID string    `json:"workspaceId"`
	Slug        string    `json:"slug"`
	URL         string    `json:"url"`
	Domain      string    `json:"domain"`
	IP          string    `json:"ip,omitempty"`
	Country     string    `json:"country,omitempty"`
	City        string    `json:"city,omitempty"`
	Continent   string    `json:"continent,omitempty"`
	Device      string    `json:"device,omitempty"`
	Browser     string    `json:"browser,omitempty"`
	OS          string    `json:"os,omitempty"`
	Referer     string    `json:"referer,omitempty"`
	Trigger     string    `json:"trigger,omitempty"`
	UTMSource   string    `json:"utm_source,omitempty"`
	UTMMedium   string    `json:"utm_medium,omitempty"`
	UTMCampaign string    `json:"utm_campaign,omitempty"`
	UTMTerm     string    `json:"utm_term,omitempty"`
	UTMContent  string    `json:"utm_content,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

type Dimension string

const (
	DimSlug        Dimension = "slug"
	DimDestination Dimension = "destination"
	DimCountry     Dimension = "country"
	DimCity        Dimension = "city"
	DimContinent   Dimension = "continent"
	DimBrowser     Dimension = "browser"
	DimOS          Dimension = "os"
	DimReferrer    Dimension = "referrer"
	DimDevice      Dimension = "device"
	DimTrigger     Dimension = "trigger"
)

// Dimensions lists every dimension in breakdown order.
var Dimensions = []Dimension{
	DimSlug, DimDestination, DimCountry, DimCity, DimContinent,
	DimBrowser, DimOS, DimReferrer, DimDevice, DimTrigger,
}

func ParseDimension(s string) (Dimension, bool) {
	for _, d := range Dimensions {
		if string(d) == s {
			return d, true
		}
	}
	return "", false
}

// RefererHost is the referring host, or "direct" when there was none.
func (e *ClickEvent) RefererHost() string {
	if e.Referer == "" {
		return "direct"
	}
	u, err := url.Parse(e.Referer)
	if err != nil || u.Host == "" {
		return e.Referer
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// Value returns the event's value for d.
func (e *ClickEvent) Value(d Dimension) string {
	switch d {
	case DimSlug:
		return e.Slug
	case DimDestination:
		return e.URL
	case DimCountry:
		return e.Country
	case DimCity:
		return e.City
	case DimContinent:
		return e.Continent
	case DimBrowser:
		return e.Browser
	case DimOS:
		return e.OS
	case DimReferrer:
		return e.RefererHost()
	case DimDevice:
		return e.Device
	case DimTrigger:
		return e.Trigger
	}
	return ""
}

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid click event: %s %s", e.Field, e.Reason)
}

// Validate checks the fields an event must carry before it is buffered.
func (e *ClickEvent) Validate() error {
	switch {
	case e.LinkID <= 0:
		return &ValidationError{Field: "linkId", Reason: "must be positive"}
	case e.WorkspaceID == "":
		return &ValidationError{Field: "workspaceId", Reason: "is required"}
	case e.Slug == "":
		return &ValidationError{Field: "slug", Reason: "is required"}
	case e.Domain == "":
		return &ValidationError{Field: "domain", Reason: "is required"}
	}
	if e.Trigger != "" && !knownTrigger(e.Trigger) {
		return &ValidationError{Field: "trigger", Reason: fmt.Sprintf("%q is not a trigger kind", e.Trigger)}
	}
	return nil
}

func knownTrigger(s string) bool {
	for _, r := range trigger.Rules() {
		if string(r.Kind) == s {
			return true
		}
	}
	return s == string(trigger.Link)
}

// normalize fills the id and timestamp and defaults the trigger.
func (e *ClickEvent) normalize(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC()
	e.Domain = strings.ToLower(e.Domain)
	if e.Trigger == "" {
		e.Trigger = string(trigger.Link)
	}
}

func encodeEvent(e *ClickEvent) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeEvent(b []byte) (*ClickEvent, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	var e ClickEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		return nil, fmt.Errorf("decode: missing id or timestamp")
	}
	return &e, nil
}

// archived converts e to its source-of-truth row.
func (e *ClickEvent) archived() models.Click {
	return models.Click{
		ID:          e.ID,
		LinkID:      e.LinkID,
		WorkspaceID: e.WorkspaceID,
		Slug:        e.Slug,
		Domain:      e.Domain,
		URL:         e.URL,
		ClickedAt:   e.Timestamp,
		IP:          e.IP,
		Referer:     e.Referer,
		Country:     e.Country,
		City:        e.City,
		Continent:   e.Continent,
		Browser:     e.Browser,
		OS:          e.OS,
		Device:      e.Device,
		Trigger:     e.Trigger,
		UTMSource:   e.UTMSource,
		UTMMedium:   e.UTMMedium,
		UTMCampaign: e.UTMCampaign,
		UTMTerm:     e.UTMTerm,
		UTMContent:  e.UTMContent,
	}
}
