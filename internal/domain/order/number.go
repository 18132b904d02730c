package order

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// fallbackModulus bounds the time-derived fallback sequence to five digits.
const fallbackModulus = 99999

var numberPattern = regexp.MustCompile(`^ORD-\d{6}-\d{5,}$`)

// FormatNumber renders an order number as ORD-YYMMDD-NNNNN using the UTC
// date of t. Sequences above 99999 keep all their digits.
func FormatNumber(t time.Time, seq int64) string {
	return fmt.Sprintf("ORD-%s-%05d", t.UTC().Format("060102"), seq)
}

// ValidNumber reports whether s looks like an order number.
func ValidNumber(s string) bool {
	return numberPattern.MatchString(s)
}

// nextNumber draws the next order number. When the sequence is unavailable
// it derives one from the clock; the attempt offset moves retries past a
// colliding fallback value.
func (s *Service) nextNumber(ctx context.Context, now time.Time, attempt int) string {
	if s.sequence != nil {
		seq, err := s.sequence.Next(ctx)
		if err == nil {
			return FormatNumber(now, seq)
		}
		s.lg.Warn("Order number sequence unavailable, using fallback",
			zap.Error(err),
			zap.Int("attempt", attempt),
		)
	}
	seq := now.UnixMilli()%fallbackModulus + int64(attempt)
	return FormatNumber(now, seq)
}
