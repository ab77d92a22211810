package events

// Batch collects events for a unit of work and emits them only when the work
// commits. Names are checked on Add so a typo fails where it is written.
type Batch struct {
	pending []pendingEvent
}

type pendingEvent struct {
	level  string
	name   string
	msg    string
	fields map[string]interface{}
}

// Add queues an event.
func (b *Batch) Add(level, name, msg string, fields map[string]interface{}) error {
	if err := Validate(name); err != nil {
		return err
	}
	b.pending = append(b.pending, pendingEvent{level: level, name: name, msg: msg, fields: fields})
	return nil
}

// Len returns the number of queued events.
func (b *Batch) Len() int {
	return len(b.pending)
}

// Names returns the queued event names in order.
func (b *Batch) Names() []string {
	names := make([]string, len(b.pending))
	for i, p := range b.pending {
		names[i] = p.name
	}
	return names
}

// Flush emits every queued event in order and empties the batch.
func (b *Batch) Flush() {
	for _, p := range b.pending {
		_, _ = Emit(p.level, p.name, p.msg, p.fields)
	}
	b.pending = nil
}

// Discard drops every queued event.
func (b *Batch) Discard() {
	b.pending = nil
}
