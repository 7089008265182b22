package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/stationops/quartermaster/pkg/models"
)

// ErrWrongProvider is returned when a chunk is fed to an Extractor configured
// for the other wire shape.
var ErrWrongProvider = errors.New("stream: chunk does not match configured provider")

// ParseError reports a tool call whose accumulated argument payload did not
// parse as a single JSON value, or that completed structurally incomplete.
// The failure is scoped to that step; the rest of the turn proceeds.
type ParseError struct {
	Index    int
	CallID   string
	ToolName string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("stream: tool call at index %d (%s) unparsable: %v", e.Index, e.ToolName, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// block accumulates one in-flight tool-call content block.
type block struct {
	callID string
	name   string
	args   strings.Builder
	closed bool
}

// Extractor assembles one model turn from provider-native incremental chunks.
// State is keyed by the content-block index the provider assigns, so
// concurrent tool-call blocks accumulate independently.
//
// Feed chunks with ProcessAnthropic or ProcessOpenAI according to the
// configured provider tag, then call Drain exactly once after the provider
// signals end of turn.
type Extractor struct {
	provider Provider
	blocks   map[int]*block
	order    []int
	text     strings.Builder
	failures []*ParseError
	done     bool
}

// New creates an Extractor for the given wire shape.
func New(provider Provider) (*Extractor, error) {
	if !provider.Valid() {
		return nil, fmt.Errorf("stream: unknown provider %q", provider)
	}
	return &Extractor{
		provider: provider,
		blocks:   make(map[int]*block),
	}, nil
}

// Provider returns the wire shape this extractor parses.
func (x *Extractor) Provider() Provider {
	return x.provider
}

// Done reports whether the provider has signalled end of turn.
func (x *Extractor) Done() bool {
	return x.done
}

// ProcessAnthropic translates one block-indexed stream event into canonical
// events and applies them. The returned events let the caller forward text
// deltas to live observers as they arrive.
func (x *Extractor) ProcessAnthropic(ev anthropic.MessageStreamEventUnion) ([]Event, error) {
	if x.provider != ProviderAnthropic {
		return nil, ErrWrongProvider
	}

	var events []Event
	switch ev.Type {
	case "content_block_start":
		start := ev.AsContentBlockStart()
		if start.ContentBlock.Type == "tool_use" {
			tu := start.ContentBlock.AsToolUse()
			events = append(events, Event{
				Kind:     EventToolCallStart,
				Index:    int(start.Index),
				CallID:   tu.ID,
				ToolName: tu.Name,
			})
		}

	case "content_block_delta":
		delta := ev.AsContentBlockDelta()
		switch delta.Delta.Type {
		case "text_delta":
			if delta.Delta.Text != "" {
				events = append(events, Event{Kind: EventTextDelta, Text: delta.Delta.Text})
			}
		case "input_json_delta":
			if delta.Delta.PartialJSON != "" {
				events = append(events, Event{
					Kind:     EventToolCallArgDelta,
					Index:    int(delta.Index),
					ArgDelta: delta.Delta.PartialJSON,
				})
			}
		}

	case "content_block_stop":
		stop := ev.AsContentBlockStop()
		if _, ok := x.blocks[int(stop.Index)]; ok {
			events = append(events, Event{Kind: EventToolCallEnd, Index: int(stop.Index)})
		}

	case "message_stop":
		x.done = true
	}

	for _, e := range events {
		x.apply(e)
	}
	return events, nil
}

// ProcessOpenAI translates one choice-delta chunk into canonical events and
// applies them. Tool-call fragments are keyed by the delta's tool-call index;
// a terminal finish reason closes all open blocks.
func (x *Extractor) ProcessOpenAI(resp openai.ChatCompletionStreamResponse) ([]Event, error) {
	if x.provider != ProviderOpenAI {
		return nil, ErrWrongProvider
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}
	choice := resp.Choices[0]

	var events []Event
	if choice.Delta.Content != "" {
		events = append(events, Event{Kind: EventTextDelta, Text: choice.Delta.Content})
	}

	for _, tc := range choice.Delta.ToolCalls {
		index := 0
		if tc.Index != nil {
			index = *tc.Index
		}
		if _, ok := x.blocks[index]; !ok {
			events = append(events, Event{
				Kind:     EventToolCallStart,
				Index:    index,
				CallID:   tc.ID,
				ToolName: tc.Function.Name,
			})
		} else if tc.ID != "" || tc.Function.Name != "" {
			// Late id/name fragments merge into the open block.
			b := x.blocks[index]
			if tc.ID != "" {
				b.callID = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
		}
		if tc.Function.Arguments != "" {
			events = append(events, Event{
				Kind:     EventToolCallArgDelta,
				Index:    index,
				ArgDelta: tc.Function.Arguments,
			})
		}
	}

	if choice.FinishReason != "" {
		for _, index := range x.order {
			if !x.blocks[index].closed {
				events = append(events, Event{Kind: EventToolCallEnd, Index: index})
			}
		}
		x.done = true
	}

	for _, e := range events {
		x.apply(e)
	}
	return events, nil
}

func (x *Extractor) apply(e Event) {
	switch e.Kind {
	case EventTextDelta:
		x.text.WriteString(e.Text)

	case EventToolCallStart:
		if _, ok := x.blocks[e.Index]; ok {
			return
		}
		x.blocks[e.Index] = &block{callID: e.CallID, name: e.ToolName}
		x.order = append(x.order, e.Index)

	case EventToolCallArgDelta:
		b, ok := x.blocks[e.Index]
		if !ok {
			b = &block{}
			x.blocks[e.Index] = b
			x.order = append(x.order, e.Index)
		}
		b.args.WriteString(e.ArgDelta)

	case EventToolCallEnd:
		if b, ok := x.blocks[e.Index]; ok {
			b.closed = true
		}
	}
}

// Drain finalizes the turn. Completed tool calls are returned in encounter
// order; each block whose accumulated payload fails to parse as a single JSON
// value, or that never received a call id and name, is dropped and reported
// as a ParseError instead of failing the turn.
func (x *Extractor) Drain() ([]models.ToolCall, string, []*ParseError) {
	calls := make([]models.ToolCall, 0, len(x.order))
	failures := x.failures

	for _, index := range x.order {
		b := x.blocks[index]
		raw := b.args.String()
		if raw == "" {
			raw = "{}"
		}
		if b.callID == "" || b.name == "" {
			failures = append(failures, &ParseError{
				Index:    index,
				CallID:   b.callID,
				ToolName: b.name,
				Err:      errors.New("incomplete tool call header"),
			})
			continue
		}
		if !json.Valid([]byte(raw)) {
			failures = append(failures, &ParseError{
				Index:    index,
				CallID:   b.callID,
				ToolName: b.name,
				Err:      errors.New("invalid partial-json payload"),
			})
			continue
		}
		calls = append(calls, models.ToolCall{
			ID:    b.callID,
			Name:  b.name,
			Input: json.RawMessage(raw),
		})
	}

	return calls, x.text.String(), failures
}
