package directmode

import (
	"testing"

	"github.com/getfinn/claudebridge/internal/claude"
	"github.com/getfinn/claudebridge/internal/testutil"
)

func assistantText(text string) claude.Message {
	return claude.Message{Type: claude.TypeAssistant, Content: []claude.ContentBlock{{Type: claude.BlockText, Text: text}}}
}

func resultText(text string) claude.Message {
	return claude.Message{Type: claude.TypeResult, Subtype: "success", Result: text, Cost: 0.02, DurationMs: 900, NumTurns: 1}
}

func TestProcessor_FoldsIdenticalResult(t *testing.T) {
	p := NewProcessor(true)
	first := p.Process(assistantText("The answer is 4.\n"))
	if !first.ShouldProcess || first.Response == nil {
		t.Fatal("assistant message should be processed")
	}

	second := p.Process(resultText("  The answer is 4."))
	if second.Response == nil || !second.Response.IsUpdate {
		t.Fatalf("expected an update, got %+v", second.Response)
	}
	testutil.Equal(t, second.Response.ID, first.Response.ID, "folded id")
	testutil.Equal(t, second.Response.Type, claude.TypeResult, "folded type")
	testutil.Equal(t, second.Response.Metadata.Cost, 0.02, "folded cost")
	testutil.Equal(t, second.Response.Metadata.DurationMs, int64(900), "folded duration")

	// The folded entry is now a result, so another result is not folded again.
	third := p.Process(resultText("The answer is 4."))
	if third.Response.IsUpdate {
		t.Error("a second result must not fold into the first")
	}
}

func TestProcessor_NoFold(t *testing.T) {
	tests := []struct {
		name string
		fold bool
		run  func(p *Processor)
	}{
		{"different text", true, func(p *Processor) { p.Process(assistantText("Working on it")) }},
		{"folding disabled", false, func(p *Processor) { p.Process(assistantText("Done")) }},
		{"tool result in between", true, func(p *Processor) {
			p.Process(assistantText("Done"))
			p.Process(claude.Message{Type: claude.TypeUser, Content: []claude.ContentBlock{{Type: claude.BlockToolResult, Content: "ok"}}})
		}},
		{"status in between", true, func(p *Processor) {
			p.Process(assistantText("Done"))
			p.Note(newResponse(claude.TypeSystem, SubtypeStopped, "Process stopped."))
		}},
		{"nothing before", true, func(p *Processor) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProcessor(tt.fold)
			tt.run(p)
			out := p.Process(resultText("Done"))
			if out.Response == nil || out.Response.IsUpdate {
				t.Fatalf("expected a new entry, got %+v", out.Response)
			}
			testutil.Equal(t, out.Response.Type, claude.TypeResult, "type")
		})
	}
}

func TestProcessor_EmptyResultNeverFolds(t *testing.T) {
	p := NewProcessor(true)
	p.Process(claude.Message{Type: claude.TypeAssistant, Content: []claude.ContentBlock{{Type: claude.BlockToolUse, Name: "Bash"}}})
	out := p.Process(resultText(""))
	if out.Response.IsUpdate {
		t.Error("empty texts must not fold")
	}
}

func TestProcessor_SessionOverwrite(t *testing.T) {
	p := NewProcessor(true)
	p.Process(claude.Message{Type: claude.TypeSystem, Subtype: "init", SessionID: "a"})
	testutil.Equal(t, p.SessionID(), "a", "first session")
	p.Process(assistantText("hi"))
	testutil.Equal(t, p.SessionID(), "a", "messages without a session keep it")
	p.Process(claude.Message{Type: claude.TypeResult, SessionID: "b"})
	testutil.Equal(t, p.SessionID(), "b", "later session overwrites")

	p.Reset()
	testutil.Equal(t, p.SessionID(), "", "reset session")
	if p.LastAssistantMessage() != nil {
		t.Error("reset should drop the last assistant message")
	}
}

func TestProcessor_ErrorsAndLastAssistant(t *testing.T) {
	p := NewProcessor(true)
	out := p.Process(claude.Message{Type: claude.TypeError, ErrorMessage: "overloaded"})
	if !out.IsError || out.Response.Content != "overloaded" {
		t.Errorf("error outcome = %+v", out)
	}
	out = p.Process(claude.Message{Type: claude.TypeResult, IsError: true, Result: "failed"})
	if !out.IsError || !out.Response.IsError() {
		t.Error("error results should be flagged")
	}

	p.Process(assistantText("first"))
	p.Process(assistantText("second"))
	testutil.Equal(t, p.LastAssistantMessage().PlainText(), "second", "last assistant")

	out = p.Process(claude.Message{Type: claude.TypeAssistant})
	if out.ShouldProcess {
		t.Error("an empty assistant message should be skipped")
	}
}

func TestProcessor_CreateUserInputMessage(t *testing.T) {
	p := NewProcessor(true)
	p.ObserveSession(claude.Message{SessionID: "s"})
	resp := p.CreateUserInputMessage("fix the build", "", &claude.UserInputMetadata{FilesReferenced: []string{"main.go"}})
	testutil.Equal(t, resp.Type, claude.TypeUserInput, "type")
	testutil.Equal(t, resp.Subtype, string(claude.UserInputPrompt), "subtype")
	testutil.Equal(t, resp.Content, "fix the build", "content")
	testutil.Equal(t, resp.Metadata.SessionID, "s", "session")
	testutil.Equal(t, resp.Message.Metadata.FilesReferenced, []string{"main.go"}, "files")
}

func TestTranscript_AppliesUpdates(t *testing.T) {
	var tr Transcript
	p := NewProcessor(true)
	for _, msg := range []claude.Message{assistantText("Same"), resultText("Same")} {
		if out := p.Process(msg); out.Response != nil {
			tr.Apply(*out.Response)
		}
	}
	entries := tr.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	testutil.Equal(t, entries[0].Type, claude.TypeResult, "entry type")

	tr.Apply(Response{ID: "unknown", IsUpdate: true})
	testutil.Equal(t, tr.Len(), 2, "unknown update is appended")
	tr.Clear()
	testutil.Equal(t, tr.Len(), 0, "cleared")
}
