package timeline

import (
	"fmt"
	"sort"

	"github.com/xiaot623/agentrun/internal/domain"
)

// Reduce builds the timeline from events and persisted messages. activeRunID
// names the run still in flight, if any. Reduce is pure: the same inputs
// always give the same items, and duplicated events are ignored.
func Reduce(events []domain.Event, messages []domain.Message, activeRunID string) []Item {
	b := &builder{
		active:      activeRunID,
		byID:        make(map[string]*entry),
		spans:       make(map[string]*entry),
		persisted:   make(map[string]bool),
		userForRun:  make(map[string]bool),
		assistantOf: make(map[string]*entry),
	}

	for _, m := range messages {
		if m.RunID == "" {
			continue
		}
		switch m.Role {
		case domain.RoleAssistant:
			b.persisted[m.RunID] = true
		case domain.RoleUser:
			b.userForRun[m.RunID] = true
		}
	}
	for _, m := range messages {
		b.message(m)
	}

	seen := make(map[string]bool, len(events))
	unique := make([]domain.Event, 0, len(events))
	for _, ev := range events {
		if ev.EventID != "" {
			key := ev.RunID + "\x00" + ev.EventID
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		unique = append(unique, ev)
	}
	for _, ev := range inSequence(unique) {
		b.event(ev)
	}

	return b.finish()
}

// inSequence reorders each run's sequenced events by sequence, reusing the
// slots they arrived in. Events without a sequence keep their position.
func inSequence(events []domain.Event) []domain.Event {
	slots := make(map[string][]int)
	for i, ev := range events {
		if ev.Sequence > 0 {
			slots[ev.RunID] = append(slots[ev.RunID], i)
		}
	}
	for _, idx := range slots {
		group := make([]domain.Event, len(idx))
		for j, i := range idx {
			group[j] = events[i]
		}
		sort.SliceStable(group, func(a, b int) bool { return group[a].Sequence < group[b].Sequence })
		for j, i := range idx {
			events[i] = group[j]
		}
	}
	return events
}

// orderKey positions an item. Zero fields are absent.
type orderKey struct {
	displayOrder int64
	sequence     int64
	runID        string
	arrival      int
}

func (k orderKey) keyed() bool { return k.displayOrder > 0 || k.sequence > 0 }

// after reports whether k sorts strictly after o. Keys that cannot be
// compared never sort after each other.
func (k orderKey) after(o orderKey) bool {
	if k.displayOrder > 0 && o.displayOrder > 0 && k.displayOrder != o.displayOrder {
		return k.displayOrder > o.displayOrder
	}
	if k.sequence > 0 && o.sequence > 0 && k.runID == o.runID && k.sequence != o.sequence {
		return k.sequence > o.sequence
	}
	if k.displayOrder > 0 && k.displayOrder == o.displayOrder {
		return k.arrival > o.arrival
	}
	return false
}

type entry struct {
	item Item
	key  orderKey
	// contentSeq is the sequence of the event that set the displayed text.
	contentSeq int64
	open       bool
	final      bool
}

type builder struct {
	active  string
	arrival int
	placed  []*entry
	byID    map[string]*entry
	// spans holds the open reasoning span of each run.
	spans       map[string]*entry
	persisted   map[string]bool
	userForRun  map[string]bool
	assistantOf map[string]*entry
}

// place inserts e. Keyed entries move back past later-keyed neighbours but
// never past an unkeyed one; unkeyed entries are appended.
func (b *builder) place(e *entry) {
	b.byID[e.item.ID] = e
	pos := len(b.placed)
	if e.key.keyed() {
		for pos > 0 {
			prev := b.placed[pos-1]
			if !prev.key.keyed() || !prev.key.after(e.key) {
				break
			}
			pos--
		}
	}
	b.placed = append(b.placed, nil)
	copy(b.placed[pos+1:], b.placed[pos:])
	b.placed[pos] = e
}

func (b *builder) keyOf(seq, displayOrder int64, runID string) orderKey {
	b.arrival++
	return orderKey{displayOrder: displayOrder, sequence: seq, runID: runID, arrival: b.arrival}
}

func (b *builder) message(m domain.Message) {
	e := &entry{key: b.keyOf(0, m.DisplayOrder, m.RunID)}
	e.item = Item{
		RunID:        m.RunID,
		Intent:       IntentMessage,
		Status:       StatusComplete,
		Content:      m.Content,
		DisplayOrder: m.DisplayOrder,
		Timestamp:    m.CreatedAt,
	}
	switch m.Role {
	case domain.RoleAssistant:
		e.item.Kind, e.item.Lane = KindAssistantMessage, LaneAssistant
		if m.RunID != "" {
			e.item.ID = "assistant:" + m.RunID
		} else {
			e.item.ID = "message:" + m.MessageID
		}
	default:
		e.item.Kind, e.item.Lane = KindUserMessage, LaneUser
		e.item.ID = "user:" + m.MessageID
	}
	if _, dup := b.byID[e.item.ID]; dup {
		return
	}
	b.place(e)
}

func (b *builder) newEntry(ev domain.Event, id string, kind Kind, lane Lane, intent Intent) *entry {
	e := &entry{key: b.keyOf(ev.Sequence, ev.DisplayOrder, ev.RunID)}
	e.item = Item{
		ID:           id,
		Kind:         kind,
		Lane:         lane,
		Intent:       intent,
		RunID:        ev.RunID,
		Sequence:     ev.Sequence,
		DisplayOrder: ev.DisplayOrder,
		Timestamp:    ev.Timestamp,
	}
	b.place(e)
	return e
}

func (b *builder) event(ev domain.Event) {
	switch c := ev.Content.(type) {
	case domain.RunStartContent:
		b.runStart(ev, c)
	case domain.RunEndContent:
		b.runEnd(ev, c)
	case domain.ReasoningStartContent:
		b.reasoningStart(ev)
	case domain.ReasoningChunkContent:
		b.reasoningChunk(ev, c)
	case domain.ReasoningEndContent:
		b.reasoningEnd(ev)
	case domain.MessageChunkContent:
		b.messageChunk(ev, c)
	case domain.MessageFinalContent:
		b.messageFinal(ev, c)
	case domain.ToolStartContent:
		b.toolStart(ev, c)
	case domain.ToolEndContent:
		b.toolEnd(ev, c)
	}
}

func (b *builder) runStart(ev domain.Event, c domain.RunStartContent) {
	// Persisted user messages win over the question echoed by run.start.
	if b.userForRun[ev.RunID] || c.Question == "" {
		return
	}
	e := b.newEntry(ev, "user:"+ev.RunID, KindUserMessage, LaneUser, IntentMessage)
	e.item.Status = StatusComplete
	e.item.Content = c.Question
}

func (b *builder) runEnd(ev domain.Event, c domain.RunEndContent) {
	if c.Status == domain.RunStatusCompleted {
		return
	}
	e := b.newEntry(ev, "run:"+ev.RunID+":end", KindRunStatus, LaneControl, IntentUnknownControl)
	e.item.RunStatus = c.Status
	e.item.Code = c.Code
	e.item.Content = c.Reason
	e.item.Error = c.Error
	switch c.Status {
	case domain.RunStatusFailed, domain.RunStatusTimedOut:
		e.item.Status = StatusError
	default:
		e.item.Status = StatusComplete
	}
}

func (b *builder) openSpan(ev domain.Event) *entry {
	e := b.newEntry(ev, fmt.Sprintf("reasoning:%s:%s", ev.RunID, ev.EventID), KindReasoning, LaneReasoning, IntentReasoning)
	e.open = true
	b.spans[ev.RunID] = e
	return e
}

func (b *builder) reasoningStart(ev domain.Event) {
	b.closeSpan(ev.RunID)
	b.openSpan(ev)
}

func (b *builder) closeSpan(runID string) {
	if e, ok := b.spans[runID]; ok {
		e.open = false
		delete(b.spans, runID)
	}
}

func (b *builder) reasoningChunk(ev domain.Event, c domain.ReasoningChunkContent) {
	// Producers may also tag plain chunks with the span boundaries.
	switch c.Phase {
	case domain.PhaseLLMStart:
		b.closeSpan(ev.RunID)
		b.openSpan(ev)
		return
	case domain.PhaseLLMEnd:
		b.closeSpan(ev.RunID)
		return
	}

	e, ok := b.spans[ev.RunID]
	if !ok {
		e = b.openSpan(ev)
	}
	switch c.Phase {
	case domain.PhaseLLMUsage:
		if c.Usage != nil {
			u := *c.Usage
			e.item.Usage = &u
		}
		if c.Model != "" {
			e.item.Model = c.Model
		}
	case domain.PhaseLLMReasoning, "":
		if e.contentSeq == 0 || ev.Sequence == 0 || ev.Sequence >= e.contentSeq {
			e.item.Content = c.Text
			e.contentSeq = ev.Sequence
		}
	}
}

func (b *builder) reasoningEnd(ev domain.Event) {
	if _, ok := b.spans[ev.RunID]; !ok {
		b.openSpan(ev)
	}
	b.closeSpan(ev.RunID)
}

func (b *builder) assistant(ev domain.Event) *entry {
	if e, ok := b.assistantOf[ev.RunID]; ok {
		return e
	}
	e := b.newEntry(ev, "assistant:"+ev.RunID, KindAssistantMessage, LaneAssistant, IntentMessage)
	b.assistantOf[ev.RunID] = e
	return e
}

func (b *builder) messageChunk(ev domain.Event, c domain.MessageChunkContent) {
	if b.persisted[ev.RunID] {
		return
	}
	e := b.assistant(ev)
	if !e.final {
		e.item.Content += c.TextDelta
	}
}

func (b *builder) messageFinal(ev domain.Event, c domain.MessageFinalContent) {
	if b.persisted[ev.RunID] {
		return
	}
	e := b.assistant(ev)
	e.item.Content = c.Text
	e.final = true
}

// tool returns the item of a tool call. Events without a call id cannot be
// paired and get an item of their own.
func (b *builder) tool(ev domain.Event, callID string, control bool) *entry {
	key := callID
	switch {
	case key != "":
	case ev.EventID != "":
		key = "event:" + ev.EventID
	default:
		key = fmt.Sprintf("arrival:%d", b.arrival+1)
	}
	id := fmt.Sprintf("tool:%s:%s", ev.RunID, key)
	if e, ok := b.byID[id]; ok {
		if control {
			promote(e)
		}
		return e
	}
	e := b.newEntry(ev, id, KindTool, LaneTool, IntentExecution)
	e.item.ToolCallID = callID
	if control {
		promote(e)
	}
	return e
}

func promote(e *entry) {
	e.item.Kind = KindApproval
	e.item.Lane = LaneControl
	e.item.Intent = IntentApprovalControl
	if e.item.Decision == "" {
		e.item.Decision = DecisionPending
	}
}

func (b *builder) toolStart(ev domain.Event, c domain.ToolStartContent) {
	e := b.tool(ev, c.ToolCallID, domain.IsApprovalControl(c))
	e.item.Tool = c.Tool
	e.item.Args = c.Args
	if c.ApprovalID != "" {
		e.item.ApprovalID = c.ApprovalID
	}
}

func (b *builder) toolEnd(ev domain.Event, c domain.ToolEndContent) {
	e := b.tool(ev, c.ToolCallID, domain.IsApprovalControl(c))
	e.final = true
	if e.item.Tool == "" {
		e.item.Tool = c.Tool
	}
	if c.ApprovalID != "" {
		e.item.ApprovalID = c.ApprovalID
	}
	if c.Decision != "" {
		e.item.Decision = displayDecision(c.Decision)
	}
	e.item.EffectiveArgs = c.EffectiveArgs
	e.item.Output = c.Output
	e.item.Error = c.Error
}

func (b *builder) finish() []Item {
	out := make([]Item, 0, len(b.placed))
	for _, e := range b.placed {
		item := e.item
		switch item.Kind {
		case KindReasoning:
			item.Status = b.liveStatus(item.RunID, e.open)
		case KindAssistantMessage:
			if item.Status == "" {
				item.Status = b.liveStatus(item.RunID, !e.final)
			}
		case KindTool:
			item.Status = toolStatus(e)
		case KindApproval:
			if item.Decision == DecisionPending && !e.final {
				item.Status = StatusPending
			} else {
				item.Status = toolStatus(e)
			}
		}
		out = append(out, item)
	}
	return out
}

func (b *builder) liveStatus(runID string, open bool) Status {
	if open && runID != "" && runID == b.active {
		return StatusStreaming
	}
	return StatusComplete
}

func toolStatus(e *entry) Status {
	switch {
	case e.item.Error != "":
		return StatusError
	case e.final:
		return StatusComplete
	}
	return StatusPending
}
