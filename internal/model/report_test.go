package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReportStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to ReportStatus
		want     bool
	}{
		{ReportStatusPending, ReportStatusProcessing, true},
		{ReportStatusProcessing, ReportStatusComplete, true},
		{ReportStatusProcessing, ReportStatusFailed, true},
		{ReportStatusFailed, ReportStatusPending, true},
		{ReportStatusPending, ReportStatusComplete, false},
		{ReportStatusPending, ReportStatusFailed, false},
		{ReportStatusComplete, ReportStatusPending, false},
		{ReportStatusComplete, ReportStatusProcessing, false},
		{ReportStatusFailed, ReportStatusProcessing, false},
		{ReportStatusProcessing, ReportStatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestReportStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, ReportStatusPending.IsTerminal())
	assert.False(t, ReportStatusProcessing.IsTerminal())
	assert.True(t, ReportStatusComplete.IsTerminal())
	assert.True(t, ReportStatusFailed.IsTerminal())
	assert.False(t, ReportStatus("queued").Valid())
}

func TestReportPermanentlyFailed(t *testing.T) {
	t.Parallel()

	r := &Report{Status: ReportStatusFailed, RetryCount: 2}
	assert.False(t, r.PermanentlyFailed(3))

	r.RetryCount = 3
	assert.True(t, r.PermanentlyFailed(3))

	r.Status = ReportStatusPending
	assert.False(t, r.PermanentlyFailed(3))
}
