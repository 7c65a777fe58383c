package tool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"omnichat/internal/domain"
)

// DateTimeTool reports the current date and time, optionally in another
// timezone or shifted by a number of days.
type DateTimeTool struct {
	now func() time.Time
}

func NewDateTimeTool() *DateTimeTool {
	return &DateTimeTool{now: time.Now}
}

func (t *DateTimeTool) Name() string                  { return "get_datetime" }
func (t *DateTimeTool) Category() domain.ToolCategory { return domain.CategoryDateTime }

func (t *DateTimeTool) Description() string {
	return "Get the current date and time. Optionally pass an IANA timezone (e.g. 'Asia/Ho_Chi_Minh') and a day offset (e.g. 1 for tomorrow)."
}

func (t *DateTimeTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"timezone":    {Type: "string", Description: "IANA timezone name; defaults to UTC"},
			"offset_days": {Type: "integer", Description: "Days to add to the current date (negative for the past)"},
		},
		nil,
	)
}

func (t *DateTimeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(ArgsString(args, "timezone")); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	now := t.now().In(loc)
	if days := ArgsInt(args, "offset_days", 0); days != 0 {
		now = now.AddDate(0, 0, days)
	}
	return fmt.Sprintf("%s (%s, week %d, %s)",
		now.Format("2006-01-02 15:04:05 MST"),
		now.Weekday(),
		isoWeek(now),
		loc.String(),
	), nil
}

func isoWeek(t time.Time) int {
	_, w := t.ISOWeek()
	return w
}
