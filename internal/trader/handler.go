package trader

// IntentHandler validates and applies one intent kind.
// Each implementation owns the rules for a single kind.
type IntentHandler interface {
	// Kind returns the intent kind this handler processes.
	Kind() IntentKind

	// Handle applies the intent and returns the broker command, if any.
	Handle(ctx *HandlerContext, in Intent, adm Admission) (Command, error)
}

// HandlerContext gives handlers access to the machine internals without
// exporting them.
type HandlerContext struct {
	machine *Machine
}

func (c *HandlerContext) position() Position { return c.machine.pos }
func (c *HandlerContext) stage() Stage       { return c.machine.stage }

// start records the accepted request and enters the pending stage.
func (c *HandlerContext) start(cmd Command, next Stage, kind EventKind, adm Admission) {
	m := c.machine
	prior, priorStage := m.pos.Clone(), m.stage
	m.begin(cmd, adm)
	m.stage = next
	m.record(kind, prior, priorStage, cmd.Intent, adm, nil, "")
}
