package idempotency

import (
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// WebhookKey identifies one inbound event from a source.
func WebhookKey(source, eventID string) string {
	return "webhook:" + normalize(source) + ":" + strings.TrimSpace(eventID)
}

// PayoutPeriodKey identifies one settlement run for a UTC calendar date.
func PayoutPeriodKey(date time.Time) string {
	return "payout_period:" + FormatDate(date)
}

// PayoutCreatorKey identifies one creator's payout attempt for a UTC calendar date.
func PayoutCreatorKey(creatorID string, date time.Time) string {
	return "payout_creator:" + strings.TrimSpace(creatorID) + ":" + FormatDate(date)
}

// FormatDate renders the UTC calendar date used in keys.
func FormatDate(date time.Time) string {
	return date.UTC().Format(dateLayout)
}

// TruncateDate returns midnight UTC of the date's UTC calendar day.
func TruncateDate(date time.Time) time.Time {
	y, m, d := date.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date as midnight UTC.
func ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, strings.TrimSpace(value), time.UTC)
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
