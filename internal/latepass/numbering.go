package latepass

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
)

const (
	ticketNumberPrefix = "LPT"
	maxTicketSequence  = 999999
)

// FormatTicketNumber renders LPT-<year>-<6-digit sequence>.
func FormatTicketNumber(year, seq int) (string, error) {
	if seq < 1 || seq > maxTicketSequence {
		return "", newError(codes.ResourceExhausted, "ticket sequence %d out of range for %d", seq, year)
	}
	return fmt.Sprintf("%s-%04d-%06d", ticketNumberPrefix, year, seq), nil
}

// ParseTicketNumber splits a ticket number into its year and sequence.
func ParseTicketNumber(s string) (year, seq int, err error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || parts[0] != ticketNumberPrefix || len(parts[1]) != 4 || len(parts[2]) != 6 {
		return 0, 0, invalidArgument("malformed ticket number %q", s)
	}
	if year, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, invalidArgument("malformed ticket number %q", s)
	}
	if seq, err = strconv.Atoi(parts[2]); err != nil {
		return 0, 0, invalidArgument("malformed ticket number %q", s)
	}
	return year, seq, nil
}

// ticketYear is the calendar year, in UTC, a ticket number is scoped to.
func ticketYear(now time.Time) int {
	return now.UTC().Year()
}

// nextNumber allocates the next ticket number for the org. It must run inside
// the issuing transaction: the counter row stays locked until commit, which
// linearizes concurrent issuance, and a rollback returns the number.
func nextNumber(ctx context.Context, tx Repository, orgID string, now time.Time) (string, error) {
	year := ticketYear(now)
	seq, err := tx.NextSequence(ctx, orgID, year)
	if err != nil {
		return "", internal(err, "allocate ticket number")
	}
	if seq > maxTicketSequence {
		return "", newError(codes.ResourceExhausted, "ticket numbers for %d exhausted", year)
	}
	return FormatTicketNumber(year, seq)
}
