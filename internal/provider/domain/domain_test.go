package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/globus/action-provider-tools/pkg/schemax"
)

func TestISODuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"P30D", 30 * 24 * time.Hour},
		{"PT1H30M", 90 * time.Minute},
		{"P1DT2H3M4S", 26*time.Hour + 3*time.Minute + 4*time.Second},
		{"PT45S", 45 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseISODuration(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.in, FormatISODuration(got))
		})
	}

	for _, bad := range []string{"", "P", "PT", "30D", "P1W", "P1.5D", "PT1H2D"} {
		_, err := ParseISODuration(bad)
		require.Error(t, err, bad)
	}
}

func TestActionLifecycle(t *testing.T) {
	t.Parallel()

	now := time.Now()
	a := Action{Status: StatusActive, ReleaseAfter: time.Hour}
	require.False(t, a.IsTerminal())
	require.False(t, a.Expired(now))

	a.Status = StatusSucceeded
	a.CompletionTime = &now
	require.True(t, a.IsTerminal())
	require.False(t, a.Expired(now.Add(59*time.Minute)))
	require.True(t, a.Expired(now.Add(time.Hour)))

	st := a.ToStatus()
	require.Equal(t, "PT1H", st.ReleaseAfter)
	require.NotNil(t, st.Details)
}

func TestRunRequestValidate(t *testing.T) {
	t.Parallel()

	ok := RunRequest{RequestID: "r1", Body: map[string]any{}}
	require.NoError(t, ok.Validate())

	for name, r := range map[string]RunRequest{
		"no request id": {Body: map[string]any{}},
		"no body":       {RequestID: "r1"},
		"bad release":   {RequestID: "r1", Body: map[string]any{}, ReleaseAfter: "soon"},
		"long label":    {RequestID: "r1", Body: map[string]any{}, Label: strings.Repeat("x", 65)},
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, r.Validate(), ErrInvalidRequest)
		})
	}
}

func TestActionStatusSchema(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := Action{
		ActionID:     "A1",
		Status:       StatusSucceeded,
		CreatorID:    "urn:globus:auth:identity:U1",
		StartTime:    now,
		ReleaseAfter: DefaultReleaseAfter,
	}
	a.CompletionTime = &now
	require.NoError(t, a.ToStatus().Validate())

	st := a.ToStatus()
	require.Equal(t, []string{}, st.MonitorBy)

	st.Status = "DONE"
	require.ErrorIs(t, st.Validate(), schemax.ErrSchemaViolation)

	st = a.ToStatus()
	st.ActionID = ""
	require.ErrorIs(t, st.Validate(), schemax.ErrSchemaViolation)
}
