package conversation

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSession(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write session file: %v", err)
	}
	return path
}

func TestExtractMissingRecord(t *testing.T) {
	e := NewExtractor(filepath.Join(t.TempDir(), "absent.json"), nil)

	ctx := e.Extract(true)
	if ctx == nil {
		t.Fatal("Extract must not return nil")
	}
	if ctx.TotalConversations != 0 {
		t.Errorf("Expected empty context, got %d conversations", ctx.TotalConversations)
	}
}

func TestExtractFullDetail(t *testing.T) {
	path := writeSession(t, `{
		"active_conversation": "conv-2",
		"conversations": [
			{"id": "conv-1", "title": "first", "message_count": 4, "tokens": {"input": 100, "output": 50}},
			{"id": "conv-2", "title": "second", "message_count": 12, "tokens": {"input": 900, "output": 450}}
		],
		"preferences": {"theme": "dark"},
		"open_files": ["main.go", "README.md"]
	}`)

	ctx := NewExtractor(path, nil).Extract(true)

	if ctx.ActiveConversationID != "conv-2" {
		t.Errorf("Expected active conversation conv-2, got %s", ctx.ActiveConversationID)
	}
	if ctx.Title != "second" {
		t.Errorf("Expected title 'second', got %s", ctx.Title)
	}
	if ctx.MessageCount != 12 {
		t.Errorf("Expected 12 messages, got %d", ctx.MessageCount)
	}
	if ctx.TokenCounts.Input != 900 || ctx.TokenCounts.Output != 450 {
		t.Errorf("Unexpected token counts: %+v", ctx.TokenCounts)
	}
	if ctx.TotalConversations != 2 {
		t.Errorf("Expected 2 total conversations, got %d", ctx.TotalConversations)
	}
	if ctx.Preferences["theme"] != "dark" {
		t.Errorf("Expected preferences to be carried, got %v", ctx.Preferences)
	}
	if len(ctx.OpenFiles) != 2 {
		t.Errorf("Expected 2 open files, got %v", ctx.OpenFiles)
	}
}

func TestExtractWithoutDetail(t *testing.T) {
	path := writeSession(t, `{
		"conversations": [{"id": "conv-1", "title": "only", "message_count": 1}],
		"preferences": {"theme": "dark"},
		"open_files": ["a.go"]
	}`)

	ctx := NewExtractor(path, nil).Extract(false)

	if ctx.ActiveConversationID != "conv-1" {
		t.Errorf("Expected fallback to last conversation, got %s", ctx.ActiveConversationID)
	}
	if ctx.Preferences != nil {
		t.Error("Preferences must be omitted without full detail")
	}
	if ctx.OpenFiles != nil {
		t.Error("Open files must be omitted without full detail")
	}
}

func TestExtractDanglingActivePointer(t *testing.T) {
	path := writeSession(t, `{
		"active_conversation": "gone",
		"conversations": [{"id": "conv-9", "title": "latest", "message_count": 2}]
	}`)

	ctx := NewExtractor(path, nil).Extract(false)
	if ctx.ActiveConversationID != "conv-9" {
		t.Errorf("Expected fallback to last conversation, got %s", ctx.ActiveConversationID)
	}
}

func TestExtractMalformedPartial(t *testing.T) {
	// conversations list has one bad element; preferences still parse
	path := writeSession(t, `{
		"active_conversation": "conv-1",
		"conversations": [
			{"id": "conv-1", "title": "good", "message_count": 3},
			"not-an-object"
		],
		"preferences": {"theme": "light"}
	}`)

	ctx := NewExtractor(path, nil).Extract(true)

	if ctx.ActiveConversationID != "conv-1" {
		t.Errorf("Expected salvaged conversation, got %q", ctx.ActiveConversationID)
	}
	if ctx.Preferences["theme"] != "light" {
		t.Errorf("Expected salvaged preferences, got %v", ctx.Preferences)
	}
}

func TestExtractGarbageNeverFails(t *testing.T) {
	path := writeSession(t, `this is not json at all {{{`)

	ctx := NewExtractor(path, nil).Extract(true)
	if ctx == nil {
		t.Fatal("Extract must not return nil on garbage input")
	}
	if ctx.TotalConversations != 0 {
		t.Errorf("Expected empty context from garbage, got %+v", ctx)
	}
}
