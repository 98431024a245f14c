package pipeline

import (
	"context"
	"reflect"

	"github.com/filecoin-project/go-statemachine"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/metrics"
	"github.com/ziggy-project/ziggy/task/store"
)

type transition struct {
	evt  reflect.Type
	next store.Step
}

func on(evt interface{}, next store.Step) transition {
	return transition{evt: reflect.TypeOf(evt), next: next}
}

var fsmPlanners = map[store.Step][]transition{
	store.StepInitializing: {
		on(TaskStart{}, store.StepInitializing),
		on(TaskInitialized{}, store.StepMarshaling),
	},
	store.StepMarshaling: {
		on(TaskMarshaled{}, store.StepSubmitting),
	},
	store.StepSubmitting: {
		on(TaskSubmitted{}, store.StepQueued),
	},
	store.StepQueued: {
		on(TaskExecuting{}, store.StepExecuting),
		on(TaskAlgorithmDone{}, store.StepAlgorithmComplete),
	},
	store.StepExecuting: {
		on(TaskAlgorithmDone{}, store.StepAlgorithmComplete),
	},
	store.StepAlgorithmComplete: {
		on(TaskPersist{}, store.StepStoring),
	},
	store.StepStoring: {
		on(TaskStored{}, store.StepComplete),
	},
	store.StepComplete: {},
}

func nextStep(step store.Step, evt interface{}) (store.Step, bool) {
	t := reflect.TypeOf(evt)
	for _, tr := range fsmPlanners[step] {
		if tr.evt == t {
			return tr.next, true
		}
	}
	return step, false
}

type stepHandler func(ctx statemachine.Context, pi ProcessingInfo) error

func (p *Pipeline) Plan(events []statemachine.Event, user interface{}) (interface{}, uint64, error) {
	next, processed, err := p.plan(events, user.(*ProcessingInfo))
	if err != nil || next == nil {
		if err != nil {
			log.Errorw("planning task", "error", err)
		}
		return nil, processed, nil
	}

	return func(ctx statemachine.Context, pi ProcessingInfo) error {
		if err := p.store.UpdateStep(ctx.Context(), pi.TaskID, pi.ProcessingStep()); err != nil {
			log.Warnw("recording step", "task", pi.TaskID, "step", pi.Step, "error", err)
		}
		start := build.Clock.Now()
		err := next(ctx, pi)
		sctx, _ := tag.New(ctx.Context(), tag.Upsert(metrics.Step, pi.Step))
		metrics.Milliseconds(sctx, metrics.TaskStepDuration, build.Clock.Since(start))
		if err != nil {
			p.fail(ctx, pi, err)
		}
		return nil
	}, processed, nil
}

// plan applies events to state in order and picks the handler for the
// resulting step, or none when nothing moved or the task is errored.
func (p *Pipeline) plan(events []statemachine.Event, state *ProcessingInfo) (stepHandler, uint64, error) {
	applied := false
	halted := false

	for _, evt := range events {
		prev := state.ProcessingStep()

		switch e := evt.User.(type) {
		case TaskFailed:
			state.Errored = true
			state.LastError = e.Error
			if len(state.LastError) > maxErrorLen {
				state.LastError = state.LastError[:maxErrorLen]
			}
			log.Warnw("task errored", "task", state.TaskID, "step", state.Step, "error", e.Error)

		case TaskRestart:
			applyRestart(state, e.Mode)
			applied, halted = true, false

		default:
			if state.Errored || state.Halted {
				log.Warnw("ignoring event for errored task", "task", state.TaskID, "step", state.Step, "event", reflect.TypeOf(evt.User).Name())
				continue
			}
			next, ok := nextStep(prev, evt.User)
			if !ok {
				log.Warnw("ignoring unexpected event", "task", state.TaskID, "step", state.Step, "event", reflect.TypeOf(evt.User).Name())
				continue
			}
			switch e := evt.User.(type) {
			case TaskSubmitted:
				state.SubmissionID = e.SubmissionID
				state.Resubmitted = false
			}
			state.Step = string(next)
			applied = true

			if next != prev && p.cfg.HaltStep != "" && prev == p.cfg.HaltStep {
				log.Infow("halting task after step", "task", state.TaskID, "step", prev)
				state.Halted, state.Errored = true, true
				halted = true
			}
		}

		if cur := state.ProcessingStep(); cur != prev {
			sctx, _ := tag.New(context.Background(), tag.Upsert(metrics.Step, string(cur)))
			stats.Record(sctx, metrics.TaskStepTransitions.M(1))
		}
	}

	if halted {
		return p.handleHalted, uint64(len(events)), nil
	}
	if !applied || state.Errored {
		return nil, uint64(len(events)), nil
	}

	var h stepHandler
	switch state.ProcessingStep() {
	case store.StepInitializing:
		h = p.handleInitializing
	case store.StepMarshaling:
		h = p.handleMarshaling
	case store.StepSubmitting:
		h = p.handleSubmitting
	case store.StepQueued, store.StepExecuting:
		h = p.handleWaiting
	case store.StepAlgorithmComplete:
		h = p.handleAlgorithmComplete
	case store.StepStoring:
		h = p.handleStoring
	case store.StepComplete:
		h = p.handleComplete
	default:
		return nil, uint64(len(events)), xerrors.Errorf("task %d in unknown step %q", state.TaskID, state.Step)
	}
	return h, uint64(len(events)), nil
}

func applyRestart(state *ProcessingInfo, mode RestartMode) {
	step := state.ProcessingStep()
	waiting := step == store.StepQueued || step == store.StepExecuting

	switch mode {
	case RestartFromBeginning:
		state.Step = string(store.StepInitializing)
	case ResumeCurrentStep:
		switch {
		case waiting:
			state.Step = string(store.StepSubmitting)
			state.Resubmitted = true
		case step == store.StepAlgorithmComplete:
			// jobs are done and handed back; nothing else moves the task on
			state.Step = string(store.StepStoring)
		}
	case Resubmit:
		state.Step = string(store.StepSubmitting)
		state.Resubmitted = true
	case ResumeMonitoring:
		switch {
		case step == store.StepAlgorithmComplete:
			state.Step = string(store.StepStoring)
		case !waiting:
			log.Warnw("task is not waiting on jobs, resuming current step instead", "task", state.TaskID, "step", step)
		}
	}

	log.Infow("restarting task", "task", state.TaskID, "mode", mode, "from", step, "to", state.Step)
	state.Errored = false
	state.Halted = false
	state.LastError = ""
}
