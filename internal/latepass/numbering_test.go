package latepass

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestFormatTicketNumber(t *testing.T) {
	tests := []struct {
		year, seq int
		want      string
		wantCode  codes.Code
	}{
		{2025, 1, "LPT-2025-000001", codes.OK},
		{2025, 42, "LPT-2025-000042", codes.OK},
		{2026, 999999, "LPT-2026-999999", codes.OK},
		{2025, 0, "", codes.ResourceExhausted},
		{2025, 1000000, "", codes.ResourceExhausted},
	}
	for _, tt := range tests {
		got, err := FormatTicketNumber(tt.year, tt.seq)
		assert.Equal(t, tt.wantCode, CodeOf(err), "FormatTicketNumber(%d, %d) err = %v", tt.year, tt.seq, err)
		assert.Equal(t, tt.want, got, "FormatTicketNumber(%d, %d)", tt.year, tt.seq)
	}
}

func TestParseTicketNumber(t *testing.T) {
	year, seq, err := ParseTicketNumber("LPT-2025-000123")
	require.NoError(t, err)
	assert.Equal(t, 2025, year)
	assert.Equal(t, 123, seq)
	for _, bad := range []string{"", "LPT-2025", "XYZ-2025-000001", "LPT-25-000001", "LPT-2025-1", "LPT-20a5-000001", "LPT-2025-00000x"} {
		_, _, err := ParseTicketNumber(bad)
		assert.Equal(t, codes.InvalidArgument, CodeOf(err), "ParseTicketNumber(%q) err = %v", bad, err)
	}
}

func TestTicketYearIsUTC(t *testing.T) {
	kiritimati := time.FixedZone("LINT", 14*60*60)
	local := time.Date(2026, 1, 1, 8, 0, 0, 0, kiritimati)
	assert.Equal(t, 2025, ticketYear(local))
}

func TestMemoryNextSequence_SeedsFromExistingNumbers(t *testing.T) {
	repo := NewMemoryRepository()
	repo.root.state.tickets["t1"] = Ticket{ID: "t1", OrgID: testOrg, TicketNumber: "LPT-2025-000007"}
	repo.root.state.tickets["t2"] = Ticket{ID: "t2", OrgID: "org-2", TicketNumber: "LPT-2025-000500"}

	seq, err := repo.NextSequence(context.Background(), testOrg, 2025)
	require.NoError(t, err)
	assert.Equal(t, 8, seq)
	seq, _ = repo.NextSequence(context.Background(), testOrg, 2026)
	assert.Equal(t, 1, seq, "new year")
}
