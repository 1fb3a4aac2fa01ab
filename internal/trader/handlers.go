package trader

import "fmt"

type holdHandler struct{}

func (holdHandler) Kind() IntentKind { return IntentHold }

func (holdHandler) Handle(*HandlerContext, Intent, Admission) (Command, error) {
	return Command{}, nil
}

type enterHandler struct{}

func (enterHandler) Kind() IntentKind { return IntentEnter }

func (enterHandler) Handle(ctx *HandlerContext, in Intent, adm Admission) (Command, error) {
	if err := requireAdmissible(adm); err != nil {
		return Command{}, err
	}
	if !adm.EntriesAllowed {
		return Command{}, fmt.Errorf("%w: new entries blocked (%s)", ErrNotAdmissible, adm.EntryBlock)
	}
	pos := ctx.position()
	if pos.Side != SideNone || ctx.stage() != StageNone {
		return Command{}, conflict("enter %s while %s %d (%s)", in.Side, pos.Side, pos.Size, ctx.stage())
	}
	if in.Side != SideLong && in.Side != SideShort {
		return Command{}, conflict("enter requires long or short, got %q", in.Side)
	}
	if in.Size <= 0 {
		return Command{}, conflict("enter requires size > 0, got %d", in.Size)
	}
	cmd := Command{
		Kind:       CommandPlaceEntry,
		Symbol:     pos.Symbol,
		Side:       in.Side,
		Size:       in.Size,
		EntryPrice: clonePrice(in.EntryPrice),
		StopLoss:   clonePrice(in.StopLoss),
		TakeProfit: clonePrice(in.TakeProfit),
		Intent:     in,
		Prior:      pos.Clone(),
	}
	ctx.start(cmd, StageEnteringPending, EventEntryRequested, adm)
	return cmd, nil
}

type adjustHandler struct{}

func (adjustHandler) Kind() IntentKind { return IntentAdjust }

// Handle applies the brackets optimistically; FailPending restores them.
func (adjustHandler) Handle(ctx *HandlerContext, in Intent, adm Admission) (Command, error) {
	if err := requireAdmissible(adm); err != nil {
		return Command{}, err
	}
	if err := requireManageable(ctx, "adjust"); err != nil {
		return Command{}, err
	}
	if in.StopLoss == nil && in.TakeProfit == nil {
		return Command{}, conflict("adjust without stop or target")
	}
	m := ctx.machine
	prior, priorStage := m.pos.Clone(), m.stage
	m.begin(Command{}, adm)
	if in.StopLoss != nil {
		m.pos.StopLoss = clonePrice(in.StopLoss)
	}
	if in.TakeProfit != nil {
		m.pos.TakeProfit = clonePrice(in.TakeProfit)
	}
	cmd := Command{
		Kind:       CommandModifyBrackets,
		Symbol:     m.pos.Symbol,
		Side:       m.pos.Side,
		Size:       m.pos.Size,
		StopLoss:   clonePrice(m.pos.StopLoss),
		TakeProfit: clonePrice(m.pos.TakeProfit),
		Intent:     in,
		Prior:      prior,
	}
	m.pending.command = cmd
	m.stage = StageAdjusting
	m.record(EventAdjusted, prior, priorStage, in, adm, nil, "")
	return cmd, nil
}

type scaleHandler struct{}

func (scaleHandler) Kind() IntentKind { return IntentScale }

// Handle clamps the close size so the runner target always remains.
func (scaleHandler) Handle(ctx *HandlerContext, in Intent, adm Admission) (Command, error) {
	if err := requireAdmissible(adm); err != nil {
		return Command{}, err
	}
	if err := requireManageable(ctx, "scale"); err != nil {
		return Command{}, err
	}
	pos := ctx.position()
	closeSize := in.Size
	if closeSize <= 0 {
		return Command{}, conflict("scale requires close size > 0, got %d", closeSize)
	}
	if closeSize >= pos.Size {
		return Command{}, conflict("scale %d of %d closes everything, use close", closeSize, pos.Size)
	}
	if runner := pos.RunnerTargetSize; runner > 0 && pos.Size-closeSize < runner {
		closeSize = pos.Size - runner
		if closeSize <= 0 {
			return Command{}, conflict("position already at runner size %d", runner)
		}
	}
	cmd := Command{
		Kind:   CommandClosePartial,
		Symbol: pos.Symbol,
		Side:   pos.Side,
		Size:   closeSize,
		Intent: in,
		Prior:  pos.Clone(),
	}
	ctx.start(cmd, StageScaling, EventScaleRequested, adm)
	return cmd, nil
}

type closeHandler struct{}

func (closeHandler) Kind() IntentKind { return IntentClose }

func (closeHandler) Handle(ctx *HandlerContext, in Intent, adm Admission) (Command, error) {
	if err := requireAdmissible(adm); err != nil {
		return Command{}, err
	}
	if err := requireManageable(ctx, "close"); err != nil {
		return Command{}, err
	}
	pos := ctx.position()
	cmd := Command{
		Kind:   CommandCloseAll,
		Symbol: pos.Symbol,
		Side:   pos.Side,
		Size:   pos.Size,
		Intent: in,
		Prior:  pos.Clone(),
	}
	ctx.start(cmd, StageClosingPending, EventCloseRequested, adm)
	return cmd, nil
}

func requireAdmissible(adm Admission) error {
	if !adm.Admissible {
		return fmt.Errorf("%w: %s", ErrNotAdmissible, adm.Reason)
	}
	return nil
}

func requireManageable(ctx *HandlerContext, op string) error {
	pos := ctx.position()
	if pos.IsFlat() {
		return conflict("%s without an open position", op)
	}
	if st := ctx.stage(); st.Pending() {
		return conflict("%s while %s", op, st)
	}
	return nil
}
