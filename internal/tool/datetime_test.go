package tool

import (
	"context"
	"strings"
	"testing"
	"time"

	_ "time/tzdata"
)

func fixedDateTime() *DateTimeTool {
	return &DateTimeTool{now: func() time.Time { return time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC) }}
}

func TestDateTimeTool_DefaultsToUTC(t *testing.T) {
	out, err := fixedDateTime().Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out, "2026-03-14 23:30:00 UTC (Saturday") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestDateTimeTool_Timezone(t *testing.T) {
	out, err := fixedDateTime().Execute(context.Background(), map[string]any{"timezone": "Asia/Ho_Chi_Minh"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out, "2026-03-15 06:30:00") || !strings.Contains(out, "Sunday") {
		t.Fatalf("expected next-day local time, got %q", out)
	}
}

func TestDateTimeTool_OffsetDays(t *testing.T) {
	out, err := fixedDateTime().Execute(context.Background(), map[string]any{"offset_days": float64(-14)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out, "2026-02-28") {
		t.Fatalf("expected two weeks earlier, got %q", out)
	}
}

func TestDateTimeTool_UnknownTimezone(t *testing.T) {
	if _, err := fixedDateTime().Execute(context.Background(), map[string]any{"timezone": "Mars/Olympus"}); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}
