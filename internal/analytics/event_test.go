package analytics

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	valid := func() *ClickEvent { return event(1, t0) }

	tests := []struct {
		name  string
		edit  func(*ClickEvent)
		field string
	}{
		{"valid", func(*ClickEvent) {}, ""},
		{"no link", func(e *ClickEvent) { e.LinkID = 0 }, "linkId"},
		{"no workspace", func(e *ClickEvent) { e.WorkspaceID = "" }, "workspaceId"},
		{"no slug", func(e *ClickEvent) { e.Slug = "" }, "slug"},
		{"no domain", func(e *ClickEvent) { e.Domain = "" }, "domain"},
		{"no url is fine", func(e *ClickEvent) { e.URL = "" }, ""},
		{"bad trigger", func(e *ClickEvent) { e.Trigger = "carrier-pigeon" }, "trigger"},
		{"known trigger", func(e *ClickEvent) { e.Trigger = "qr" }, ""},
		{"link trigger", func(e *ClickEvent) { e.Trigger = "link" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.edit(e)
			err := e.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestRefererHost(t *testing.T) {
	tests := []struct {
		referer string
		want    string
	}{
		{"", "direct"},
		{"https://www.Google.com/search?q=x", "google.com"},
		{"https://t.co/abc", "t.co"},
		{"android-app://com.slack", "com.slack"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		e := &ClickEvent{Referer: tt.referer}
		assert.Equal(t, tt.want, e.RefererHost(), "referer %q", tt.referer)
	}
}

func TestParseDimension(t *testing.T) {
	d, ok := ParseDimension("country")
	assert.True(t, ok)
	assert.Equal(t, DimCountry, d)

	_, ok = ParseDimension("shoe_size")
	assert.False(t, ok)
}

func TestEncodeDecode(t *testing.T) {
	e := event(9, t0)
	e.normalize(time.Now())
	e.Country = "DE"

	b, err := encodeEvent(e)
	require.NoError(t, err)

	got, err := decodeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "DE", got.Country)
	assert.True(t, e.Timestamp.Equal(got.Timestamp))

	_, err = decodeEvent([]byte("garbage"))
	assert.Error(t, err)
}

func TestArchivedRow(t *testing.T) {
	e := event(4, t0)
	e.ID = "evt_1"
	e.Trigger = "email"
	e.UTMSource = "newsletter"

	row := e.archived()
	assert.Equal(t, "evt_1", row.ID)
	assert.Equal(t, int64(4), row.LinkID)
	assert.Equal(t, "email", row.Trigger)
	assert.Equal(t, "newsletter", row.UTMSource)
	assert.Equal(t, t0, row.ClickedAt)
}
