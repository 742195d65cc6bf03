package directmode

import (
	"fmt"
	"strings"
	"time"

	"github.com/getfinn/claudebridge/internal/claude"
)

// Outcome of processing one message.
type Outcome struct {
	ShouldProcess bool
	Response      *Response
	IsError       bool
}

// Processor tracks the conversation's session id, the last assistant
// message and the last emitted response, and turns messages into responses.
// It is not safe for concurrent use; the Service guards it.
type Processor struct {
	FoldDuplicateResults bool

	sessionID     string
	lastAssistant *claude.Message
	lastEmitted   *Response
}

// NewProcessor returns a processor with result folding switched on or off.
func NewProcessor(fold bool) *Processor {
	return &Processor{FoldDuplicateResults: fold}
}

// Process converts msg into a response. A result whose text equals the
// assistant response emitted right before it rewrites that response instead
// of producing a second copy of the same answer.
func (p *Processor) Process(msg claude.Message) Outcome {
	p.ObserveSession(msg)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	isError := msg.Type == claude.TypeError || (msg.Type == claude.TypeResult && msg.IsError)

	if msg.Type == claude.TypeResult {
		if folded, ok := p.fold(msg); ok {
			return Outcome{ShouldProcess: true, Response: folded, IsError: isError}
		}
	}

	if msg.Type == claude.TypeAssistant {
		if msg.PlainText() == "" && len(msg.Content) == 0 {
			return Outcome{}
		}
		stored := msg
		p.lastAssistant = &stored
	}

	resp := p.responseFor(msg)
	p.Note(resp)
	return Outcome{ShouldProcess: true, Response: &resp, IsError: isError}
}

func (p *Processor) fold(msg claude.Message) (*Response, bool) {
	if !p.FoldDuplicateResults || p.lastEmitted == nil || p.lastEmitted.Type != claude.TypeAssistant {
		return nil, false
	}
	text := strings.TrimSpace(msg.Result)
	if text == "" || text != strings.TrimSpace(p.lastEmitted.Content) {
		return nil, false
	}

	folded := *p.lastEmitted
	stored := msg
	folded.Type = claude.TypeResult
	folded.Subtype = msg.Subtype
	folded.Timestamp = msg.Timestamp
	folded.Message = &stored
	folded.Metadata.SessionID = p.sessionID
	folded.Metadata.Cost = msg.Cost
	folded.Metadata.DurationMs = msg.DurationMs
	folded.Metadata.NumTurns = msg.NumTurns
	folded.IsUpdate = true

	p.lastEmitted = &folded
	return &folded, true
}

func (p *Processor) responseFor(msg claude.Message) Response {
	resp := newResponse(msg.Type, msg.Subtype, contentOf(msg))
	stored := msg
	resp.Timestamp = msg.Timestamp
	resp.Message = &stored
	resp.Metadata = Metadata{
		SessionID:  p.sessionID,
		Cost:       msg.Cost,
		DurationMs: msg.DurationMs,
		NumTurns:   msg.NumTurns,
		Usage:      msg.Usage,
		Model:      msg.Model,
	}
	return resp
}

func contentOf(msg claude.Message) string {
	switch msg.Type {
	case claude.TypeUser:
		return claude.UserText(&msg)
	case claude.TypeSystem:
		if msg.Subtype == "init" {
			if msg.Model != "" {
				return fmt.Sprintf("Session started with %s", msg.Model)
			}
			return "Session started"
		}
		return msg.Subtype
	case claude.TypeUserInput:
		return msg.Text
	default:
		return msg.PlainText()
	}
}

// Note records resp as the most recently emitted response. Responses the
// service creates itself must pass through here so folding only ever looks
// at the true predecessor.
func (p *Processor) Note(resp Response) {
	stored := resp
	p.lastEmitted = &stored
}

// ObserveSession stores the session id carried by msg, if any. Every
// message that carries one overwrites the previous value.
func (p *Processor) ObserveSession(msg claude.Message) {
	if msg.SessionID != "" {
		p.sessionID = msg.SessionID
	}
}

// SessionID of the conversation, "" before the CLI announced one.
func (p *Processor) SessionID() string { return p.sessionID }

// LastAssistantMessage is the most recent assistant message, or nil.
func (p *Processor) LastAssistantMessage() *claude.Message { return p.lastAssistant }

// CreateUserInputMessage builds the response for something the human typed.
func (p *Processor) CreateUserInputMessage(content string, subtype claude.UserInputSubtype, meta *claude.UserInputMetadata) Response {
	if subtype == "" {
		subtype = claude.UserInputPrompt
	}
	msg := claude.Message{
		Type:      claude.TypeUserInput,
		Subtype:   string(subtype),
		Timestamp: time.Now(),
		SessionID: p.sessionID,
		Text:      content,
		Metadata:  meta,
	}
	resp := p.responseFor(msg)
	p.Note(resp)
	return resp
}

// Reset forgets the conversation.
func (p *Processor) Reset() {
	p.sessionID = ""
	p.lastAssistant = nil
	p.lastEmitted = nil
}
