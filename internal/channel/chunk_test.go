package channel

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func joinChunks(chunks []string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(StripChunkLabel(c))
	}
	return b.String()
}

func TestSplitMessage_Short(t *testing.T) {
	chunks := SplitMessage("short message", 100)
	if len(chunks) != 1 || chunks[0] != "short message" {
		t.Fatalf("expected the text unchanged, got %q", chunks)
	}
}

func TestSplitMessage_Empty(t *testing.T) {
	chunks := SplitMessage("", 100)
	if len(chunks) != 1 || chunks[0] != "" {
		t.Fatalf("expected one empty chunk, got %q", chunks)
	}
}

func TestSplitMessage_TelegramLimitRoundTrip(t *testing.T) {
	var b strings.Builder
	for b.Len() < 9000 {
		b.WriteString("The quick brown fox jumps over the lazy dog. ")
	}
	text := b.String()[:9000]

	chunks := SplitMessage(text, telegramMaxMsgLen)
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > telegramMaxMsgLen {
			t.Errorf("chunk %d has %d characters", i, n)
		}
		if !strings.HasPrefix(c, chunkLabel(i+1, len(chunks))) {
			t.Errorf("chunk %d missing label: %q", i, c[:10])
		}
	}
	if got := joinChunks(chunks); got != text {
		t.Error("concatenated chunks differ from the original text")
	}
}

func TestSplitMessage_PrefersParagraphBreak(t *testing.T) {
	para := strings.Repeat("a", 60)
	text := para + "\n\n" + para + "\n\n" + para
	chunks := SplitMessage(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %q", len(chunks), chunks)
	}
	if got := StripChunkLabel(chunks[0]); got != para+"\n\n" {
		t.Errorf("first chunk should end at the paragraph break, got %q", got)
	}
}

func TestSplitMessage_HardCutWithoutSpaces(t *testing.T) {
	text := strings.Repeat("x", 250)
	chunks := SplitMessage(text, 64)
	for i, c := range chunks {
		if utf8.RuneCountInString(c) > 64 {
			t.Errorf("chunk %d too long", i)
		}
	}
	if joinChunks(chunks) != text {
		t.Error("hard cut lost characters")
	}
}

func TestSplitMessage_MultibyteRunes(t *testing.T) {
	text := strings.Repeat("héllo wörld ünïcode 日本語 ", 40)
	chunks := SplitMessage(text, 100)
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d is not valid UTF-8", i)
		}
		if utf8.RuneCountInString(c) > 100 {
			t.Errorf("chunk %d too long", i)
		}
	}
	if joinChunks(chunks) != text {
		t.Error("round trip failed")
	}
}

func TestSplitMessage_WideLabels(t *testing.T) {
	text := strings.Repeat("word ", 600) // needs more than 9 chunks at this limit
	chunks := SplitMessage(text, 40)
	if len(chunks) < 10 {
		t.Fatalf("expected two-digit chunk count, got %d", len(chunks))
	}
	for i, c := range chunks {
		if utf8.RuneCountInString(c) > 40 {
			t.Errorf("chunk %d is %d characters", i, utf8.RuneCountInString(c))
		}
	}
	if joinChunks(chunks) != text {
		t.Error("round trip failed")
	}
}

func TestStripChunkLabel_LeavesOrdinaryText(t *testing.T) {
	for _, s := range []string{"[note] hi", "[1/x] nope", "plain"} {
		if got := StripChunkLabel(s); got != s {
			t.Errorf("StripChunkLabel(%q) = %q", s, got)
		}
	}
}

func TestSendChunks_ReturnsFirstIDAndStopsOnError(t *testing.T) {
	var sent []string
	id, err := sendChunks(context.Background(), []string{"a", "b", "c"}, 0, func(_ context.Context, i int, c string) (string, error) {
		sent = append(sent, c)
		return "id-" + c, nil
	})
	if err != nil || id != "id-a" || len(sent) != 3 {
		t.Fatalf("got id=%q err=%v sent=%v", id, err, sent)
	}

	boom := errors.New("boom")
	id, err = sendChunks(context.Background(), []string{"a", "b", "c"}, 0, func(_ context.Context, i int, c string) (string, error) {
		if i == 1 {
			return "", boom
		}
		return "id-" + c, nil
	})
	if !errors.Is(err, boom) || id != "id-a" {
		t.Errorf("got id=%q err=%v", id, err)
	}
}
