package crawler

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestNormalizedDocumentPostedAt(t *testing.T) {
	t.Parallel()

	collected := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	posted := time.Date(2024, 2, 28, 8, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		meta map[string]any
		want time.Time
	}{
		{name: "missing meta", meta: nil, want: collected},
		{name: "rfc3339 string", meta: map[string]any{PostedAtKey: "2024-02-28T08:30:00Z"}, want: posted},
		{name: "offset string", meta: map[string]any{PostedAtKey: "2024-02-28T09:30:00+01:00"}, want: posted},
		{name: "time value", meta: map[string]any{PostedAtKey: posted}, want: posted},
		{name: "unparseable", meta: map[string]any{PostedAtKey: "yesterday"}, want: collected},
		{name: "wrong type", meta: map[string]any{PostedAtKey: 42}, want: collected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doc := NormalizedDocument{RawMeta: tt.meta, CollectedAt: collected}
			require.True(t, tt.want.Equal(doc.PostedAt()), "got %v", doc.PostedAt())
		})
	}
}

func TestScheduleConfigValidate(t *testing.T) {
	t.Parallel()

	hour := func(h int) *int { return &h }
	tests := []struct {
		name    string
		cfg     ScheduleConfig
		wantErr string
	}{
		{name: "valid window", cfg: ScheduleConfig{SourceID: "s", Enabled: true, AllowedStartHourUTC: hour(0), AllowedEndHourUTC: hour(23)}},
		{name: "no window", cfg: ScheduleConfig{SourceID: "s"}},
		{name: "blank id", cfg: ScheduleConfig{SourceID: "  "}, wantErr: "sourceId"},
		{name: "start too large", cfg: ScheduleConfig{SourceID: "s", AllowedStartHourUTC: hour(24)}, wantErr: "allowedStartHourUtc"},
		{name: "end negative", cfg: ScheduleConfig{SourceID: "s", AllowedEndHourUTC: hour(-1)}, wantErr: "allowedEndHourUtc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	fatal := fmt.Errorf("send doc: %w", Fatal(base))
	require.True(t, IsFatal(fatal))
	require.False(t, IsRetriable(fatal))
	require.ErrorIs(t, fatal, base)

	retriable := Retriable(base)
	require.False(t, IsFatal(retriable))
	require.True(t, IsRetriable(retriable))

	require.True(t, IsRetriable(base), "unclassified errors are retriable")
	require.False(t, IsRetriable(nil))
	require.Nil(t, Fatal(nil))
	require.Equal(t, "bad url", Fatalf("bad %s", "url").Error())
}

func TestErrorMessageKeepsValidUTF8(t *testing.T) {
	t.Parallel()

	require.Equal(t, "unknown error", ErrorMessage(nil))
	require.Equal(t, "short", ErrorMessage(errors.New("short")))

	ascii := ErrorMessage(errors.New(strings.Repeat("a", 3000)))
	require.Len(t, ascii, maxErrorMessage)

	msg := ErrorMessage(errors.New(strings.Repeat("a", 2047) + "é tail"))
	require.True(t, utf8.ValidString(msg))
	require.Equal(t, strings.Repeat("a", 2047), msg)
}
