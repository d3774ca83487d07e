package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"areaautomation/internal/activity"
	"areaautomation/internal/aggregate"
	"areaautomation/internal/clock"
	"areaautomation/internal/entity"
	"areaautomation/internal/environment"
	"areaautomation/internal/shadowstate"
)

const (
	debouncePrefix = "debounce:"
	exitPrefix     = "exit:"
	pollKey        = "environment:poll"
)

// ActivitySource is the per-area activity classifier
type ActivitySource interface {
	Activity(areaID string) activity.Level
	Snapshot(areaID string) (activity.State, bool)
	SubscribeArea(areaID string, fn activity.Listener) func()
	Settle(areaID string)
}

// Environment supplies environmental facts per area
type Environment interface {
	Facts(areaID string) map[string]any
	Refresh(areaID string) environment.Snapshot
	SensorIDs(areaID string) []string
}

// LightGroups resolves the light group of an area
type LightGroups interface {
	LightGroup(areaID string) (*aggregate.LightGroup, bool)
}

// Recorder receives the inputs and actions of every execution
type Recorder interface {
	UpdateInputs(areaID string, inputs map[string]interface{})
	RecordAction(areaID string, record shadowstate.ActionRecord)
}

// Options holds the engine's timing
type Options struct {
	Debounce        time.Duration
	Cooldown        time.Duration
	PollInterval    time.Duration
	DispatchTimeout time.Duration
}

// Collaborators bundles what the engine reads from and writes to
type Collaborators struct {
	Apps       AppSource
	Activity   ActivitySource
	Env        Environment
	Lights     LightGroups
	Dispatcher entity.Dispatcher
	Bus        *entity.Bus
	Recorder   Recorder
}

type cooldownKey struct {
	areaID string
	level  activity.Level
}

// areaRuntime is the engine state of one enabled area
type areaRuntime struct {
	// exec serialises evaluations of the area
	exec sync.Mutex

	unsubActivity func()
	unsubSensors  entity.Unsubscribe
	sensors       map[string]struct{}

	lastLevel         activity.Level
	hasLast           bool
	executedThisEntry bool
	pendingTransition bool
}

// Engine maps activity transitions and environmental changes to the rules
// of each area's assigned app
type Engine struct {
	c      Collaborators
	clock  clock.Clock
	sched  *clock.Scheduler
	opts   Options
	logger *zap.Logger

	mu          sync.Mutex
	assignments map[string]Assignment
	areas       map[string]*areaRuntime
	cooldowns   map[cooldownKey]time.Time
	stats       Stats
	polling     bool
}

// NewEngine creates a rule engine
func NewEngine(c Collaborators, clk clock.Clock, opts Options, logger *zap.Logger) *Engine {
	return &Engine{
		c:           c,
		clock:       clk,
		sched:       clock.NewScheduler(clk),
		opts:        opts,
		logger:      logger.Named("rules"),
		assignments: make(map[string]Assignment),
		areas:       make(map[string]*areaRuntime),
		cooldowns:   make(map[cooldownKey]time.Time),
	}
}

// Assign binds an area to an app
func (e *Engine) Assign(a Assignment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.assignments[a.AreaID] = a
	e.logger.Info("App assigned",
		zap.String("area_id", a.AreaID),
		zap.String("app_id", a.AppID),
		zap.Bool("enabled", a.FeatureEnabled))
}

// Unassign removes an area's assignment and cancels its pending exits
func (e *Engine) Unassign(areaID string) {
	e.mu.Lock()
	delete(e.assignments, areaID)
	e.mu.Unlock()
	e.sched.CancelPrefix(exitPrefix + areaID + ":")
}

// Assignment returns an area's assignment
func (e *Engine) Assignment(areaID string) (Assignment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.assignments[areaID]
	return a, ok
}

// SetFeatureEnabled toggles automation for an area. Classification keeps
// running either way; re-enabling starts from the current level without
// running stale on_exit actions.
func (e *Engine) SetFeatureEnabled(areaID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.assignments[areaID]
	if !ok {
		return fmt.Errorf("area %s has no assignment", areaID)
	}
	a.FeatureEnabled = enabled
	e.assignments[areaID] = a
	if rt, ok := e.areas[areaID]; ok && enabled {
		rt.hasLast = false
	}
	if !enabled {
		e.sched.CancelPrefix(exitPrefix + areaID + ":")
	}
	return nil
}

// EnableArea attaches the activity and environment-sensor listeners of an area
func (e *Engine) EnableArea(areaID string) {
	e.mu.Lock()
	if _, ok := e.areas[areaID]; ok {
		e.mu.Unlock()
		return
	}
	rt := &areaRuntime{sensors: make(map[string]struct{})}
	e.areas[areaID] = rt
	e.mu.Unlock()

	for _, id := range e.c.Env.SensorIDs(areaID) {
		rt.sensors[id] = struct{}{}
	}
	unsubActivity := e.c.Activity.SubscribeArea(areaID, func(activity.Change) {
		e.trigger(areaID, true)
	})
	unsubSensors := e.c.Bus.SubscribeStates(func(change entity.StateChange) {
		if _, ok := rt.sensors[change.EntityID]; ok {
			e.trigger(areaID, false)
		}
	})

	e.mu.Lock()
	rt.unsubActivity = unsubActivity
	rt.unsubSensors = unsubSensors
	e.mu.Unlock()

	e.logger.Info("Area enabled", zap.String("area_id", areaID))
}

// DisableArea detaches an area's listeners and cancels its timers
func (e *Engine) DisableArea(areaID string) {
	e.mu.Lock()
	rt, ok := e.areas[areaID]
	delete(e.areas, areaID)
	e.mu.Unlock()
	if !ok {
		return
	}

	if rt.unsubActivity != nil {
		rt.unsubActivity()
	}
	if rt.unsubSensors != nil {
		rt.unsubSensors()
	}
	e.sched.Cancel(debouncePrefix + areaID)
	e.sched.CancelPrefix(exitPrefix + areaID + ":")

	e.logger.Info("Area disabled", zap.String("area_id", areaID))
}

// EnabledAreas returns the enabled areas, sorted
func (e *Engine) EnabledAreas() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.areas))
	for id := range e.areas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// trigger schedules a debounced evaluation. Within the window only the last
// trigger runs; it is an activity evaluation if any coalesced trigger was.
func (e *Engine) trigger(areaID string, transition bool) {
	e.mu.Lock()
	rt, ok := e.areas[areaID]
	if !ok {
		e.mu.Unlock()
		return
	}
	if transition {
		rt.pendingTransition = true
	}
	e.mu.Unlock()

	e.sched.Schedule(debouncePrefix+areaID, e.opts.Debounce, func() {
		e.mu.Lock()
		rt, ok := e.areas[areaID]
		if !ok {
			e.mu.Unlock()
			return
		}
		environmental := !rt.pendingTransition
		rt.pendingTransition = false
		e.mu.Unlock()

		e.EvaluateAndExecute(context.Background(), areaID, environmental)
	})
}

// EvaluateAndExecute runs the area's rule for its current activity level.
// Failures are contained to the area.
func (e *Engine) EvaluateAndExecute(ctx context.Context, areaID string, isEnvironmental bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Rule evaluation panicked",
				zap.String("area_id", areaID),
				zap.Any("panic", r))
		}
	}()

	e.mu.Lock()
	rt, ok := e.areas[areaID]
	e.mu.Unlock()
	if !ok {
		// Not enabled; evaluate against a throwaway runtime
		rt = &areaRuntime{}
	}

	rt.exec.Lock()
	defer rt.exec.Unlock()

	e.evaluateLocked(ctx, areaID, rt, isEnvironmental)
}

func (e *Engine) evaluateLocked(ctx context.Context, areaID string, rt *areaRuntime, isEnvironmental bool) {
	e.mu.Lock()
	assignment, ok := e.assignments[areaID]
	if !ok || !assignment.FeatureEnabled {
		e.mu.Unlock()
		return
	}
	e.stats.TotalTriggers++
	e.mu.Unlock()

	log := e.logger.With(zap.String("area_id", areaID))

	app, ok := e.c.Apps.GetApp(assignment.AppID)
	if !ok {
		log.Warn("Assigned app not found", zap.String("app_id", assignment.AppID))
		return
	}

	level := e.c.Activity.Activity(areaID)

	e.mu.Lock()
	prev, hadPrev := rt.lastLevel, rt.hasLast
	transition := !hadPrev || prev != level
	if transition {
		rt.lastLevel = level
		rt.hasLast = true
		rt.executedThisEntry = false
	}
	e.mu.Unlock()

	if transition {
		// Re-entering a level cancels its pending exit
		e.sched.Cancel(exitKey(areaID, level))
		if hadPrev {
			e.handleExit(ctx, areaID, app, prev)
		}
	}

	rule, ok := app.ActivityActions[level]
	if !ok || rule == nil {
		return
	}
	if err := rule.Validate(); err != nil {
		log.Warn("Malformed rule, skipping",
			zap.String("app_id", app.ID),
			zap.String("level", string(level)),
			zap.Error(err))
		return
	}

	e.mu.Lock()
	alreadyRan := rt.executedThisEntry
	e.mu.Unlock()
	if isEnvironmental && !transition && alreadyRan {
		return
	}

	facts := e.facts(areaID, level)
	if e.c.Recorder != nil {
		e.c.Recorder.UpdateInputs(areaID, facts)
	}

	passed, err := EvaluateAll(rule.Logic, rule.Conditions, facts)
	if err != nil {
		log.Warn("Condition evaluation failed",
			zap.String("level", string(level)),
			zap.Error(err))
		return
	}
	if !passed {
		log.Debug("Conditions not met", zap.String("level", string(level)))
		return
	}

	key := cooldownKey{areaID: areaID, level: level}
	now := e.clock.Now()
	e.mu.Lock()
	if last, ok := e.cooldowns[key]; ok && now.Sub(last) < e.opts.Cooldown {
		e.stats.CooldownBlocks++
		e.mu.Unlock()
		log.Debug("Execution suppressed by cooldown", zap.String("level", string(level)))
		return
	}
	e.mu.Unlock()

	reason := "entered " + string(level)
	if isEnvironmental {
		reason = "environment changed while " + string(level)
	}
	succeeded := e.runBatch(ctx, areaID, level, rule.Actions, reason)

	if succeeded > 0 {
		e.mu.Lock()
		e.cooldowns[key] = e.clock.Now()
		rt.executedThisEntry = true
		e.mu.Unlock()
	}
}

// handleExit runs or schedules the on_exit actions of the level being left
func (e *Engine) handleExit(ctx context.Context, areaID string, app App, left activity.Level) {
	rule, ok := app.ActivityActions[left]
	if !ok || rule == nil || len(rule.OnExit) == 0 {
		return
	}
	for i, a := range rule.OnExit {
		if err := a.Validate(); err != nil {
			e.logger.Warn("Malformed on_exit action, skipping exit",
				zap.String("area_id", areaID),
				zap.Int("index", i),
				zap.Error(err))
			return
		}
	}

	if delay := rule.OnExitDelay(); delay > 0 {
		actions := rule.OnExit
		e.sched.ScheduleLabeled(exitKey(areaID, left), string(left), delay, func() {
			e.runDelayedExit(areaID, left, actions)
		})
		return
	}
	e.runBatch(ctx, areaID, left, rule.OnExit, "left "+string(left))
}

func (e *Engine) runDelayedExit(areaID string, left activity.Level, actions []Action) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Delayed exit panicked",
				zap.String("area_id", areaID),
				zap.Any("panic", r))
		}
	}()

	// A same-instant state machine transition applies before on_exit
	e.c.Activity.Settle(areaID)

	if e.c.Activity.Activity(areaID) == left {
		return
	}

	e.mu.Lock()
	assignment, ok := e.assignments[areaID]
	rt := e.areas[areaID]
	e.mu.Unlock()
	if !ok || !assignment.FeatureEnabled {
		return
	}
	if rt == nil {
		rt = &areaRuntime{}
	}

	rt.exec.Lock()
	defer rt.exec.Unlock()
	e.runBatch(context.Background(), areaID, left, actions, "left "+string(left)+" (delayed)")
}

// runBatch executes actions in order. A failing action does not stop the
// rest. Returns the number of actions that succeeded.
func (e *Engine) runBatch(ctx context.Context, areaID string, level activity.Level, actions []Action, reason string) int {
	executionID := uuid.NewString()
	failed := 0
	for _, a := range actions {
		err := e.executeAction(ctx, areaID, a)
		if err != nil {
			failed++
			e.logger.Warn("Action failed",
				zap.String("area_id", areaID),
				zap.String("execution_id", executionID),
				zap.String("service", a.Service),
				zap.Error(err))
		}
		e.record(areaID, executionID, level, a, reason, err)
	}

	e.mu.Lock()
	e.stats.FailedExecutions += int64(failed)
	if failed == 0 && len(actions) > 0 {
		e.stats.SuccessfulExecutions++
	}
	e.mu.Unlock()

	if failed == 0 {
		e.logger.Info("Actions executed",
			zap.String("area_id", areaID),
			zap.String("execution_id", executionID),
			zap.String("level", string(level)),
			zap.String("reason", reason),
			zap.Int("actions", len(actions)))
	}
	return len(actions) - failed
}

func (e *Engine) record(areaID, executionID string, level activity.Level, a Action, reason string, err error) {
	if e.c.Recorder == nil {
		return
	}
	rec := shadowstate.ActionRecord{
		ExecutionID: executionID,
		ActionType:  a.Service,
		Level:       string(level),
		Reason:      reason,
		Success:     err == nil,
		Details:     map[string]interface{}{"target": a.Target},
	}
	if len(a.EntityIDs) > 0 {
		rec.Details["entity_ids"] = a.EntityIDs
	}
	if len(a.Data) > 0 {
		rec.Details["data"] = a.Data
	}
	if err != nil {
		rec.Error = err.Error()
	}
	e.c.Recorder.RecordAction(areaID, rec)
}

// executeAction dispatches one action under the dispatch timeout
func (e *Engine) executeAction(ctx context.Context, areaID string, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", a.Service, r)
		}
	}()

	domain, service, err := a.Split()
	if err != nil {
		return err
	}
	if e.opts.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.DispatchTimeout)
		defer cancel()
	}

	payload := make(map[string]any, len(a.Data)+1)
	for k, v := range a.Data {
		payload[k] = v
	}

	switch a.Target {
	case TargetLights:
		group, ok := e.c.Lights.LightGroup(areaID)
		if !ok {
			e.logger.Debug("Area has no light group, skipping action",
				zap.String("area_id", areaID),
				zap.String("service", a.Service))
			return nil
		}
		if domain == entity.DomainLight {
			switch service {
			case "turn_on":
				_, err = group.TurnOn(ctx, a.Data)
				return err
			case "turn_off":
				_, err = group.TurnOff(ctx, a.Data)
				return err
			}
		}
		members := group.Members()
		if len(members) == 0 {
			return nil
		}
		payload["entity_id"] = members
	case TargetArea:
		payload["area_id"] = areaID
	default:
		payload["entity_id"] = a.EntityIDs
	}
	return e.c.Dispatcher.Call(ctx, domain, service, payload)
}

// facts merges environmental and area-state attributes
func (e *Engine) facts(areaID string, level activity.Level) Facts {
	facts := Facts{}
	for k, v := range e.c.Env.Facts(areaID) {
		facts[k] = v
	}
	facts[AttrActivity] = string(level)
	if st, ok := e.c.Activity.Snapshot(areaID); ok {
		if st.Previous != "" {
			facts[AttrPreviousActivity] = string(st.Previous)
		}
		facts[AttrPresence] = st.Triggered
	} else {
		facts[AttrPresence] = false
	}
	if group, ok := e.c.Lights.LightGroup(areaID); ok {
		facts[AttrLightsOn] = group.LightsOn()
	} else {
		facts[AttrLightsOn] = false
	}
	return facts
}

func exitKey(areaID string, level activity.Level) string {
	return exitPrefix + areaID + ":" + string(level)
}

// ExitTimeoutRemaining returns the time before the area's next delayed
// on_exit runs
func (e *Engine) ExitTimeoutRemaining(areaID string) (time.Duration, bool) {
	prefix := exitPrefix + areaID + ":"
	var best time.Duration
	found := false
	for _, key := range e.sched.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		remaining, ok := e.sched.Remaining(key)
		if !ok {
			continue
		}
		if !found || remaining < best {
			best = remaining
			found = true
		}
	}
	return best, found
}

// PendingTimers returns the number of debounce and exit timers of an area
func (e *Engine) PendingTimers(areaID string) int {
	n := 0
	for _, key := range e.sched.Keys() {
		if key == debouncePrefix+areaID || strings.HasPrefix(key, exitPrefix+areaID+":") {
			n++
		}
	}
	return n
}

// Stats returns a copy of the counters
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.TotalAssignments = int64(len(e.assignments))
	return s
}

// PollOnce refreshes the environment of every enabled area and evaluates it
func (e *Engine) PollOnce(ctx context.Context) {
	for _, areaID := range e.EnabledAreas() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("Environment poll panicked",
						zap.String("area_id", areaID),
						zap.Any("panic", r))
				}
			}()
			e.c.Env.Refresh(areaID)
			e.EvaluateAndExecute(ctx, areaID, true)
		}()
	}
}

// StartPolling evaluates every enabled area each poll interval until Stop
func (e *Engine) StartPolling() {
	e.mu.Lock()
	if e.polling || e.opts.PollInterval <= 0 {
		e.mu.Unlock()
		return
	}
	e.polling = true
	e.mu.Unlock()

	e.logger.Info("Starting environment polling", zap.Duration("interval", e.opts.PollInterval))
	e.schedulePoll()
}

func (e *Engine) schedulePoll() {
	e.sched.Schedule(pollKey, e.opts.PollInterval, func() {
		e.mu.Lock()
		polling := e.polling
		e.mu.Unlock()
		if !polling {
			return
		}
		e.PollOnce(context.Background())
		e.schedulePoll()
	})
}

// Stop disables every area and stops polling
func (e *Engine) Stop() {
	e.mu.Lock()
	e.polling = false
	e.mu.Unlock()
	e.sched.Cancel(pollKey)

	for _, areaID := range e.EnabledAreas() {
		e.DisableArea(areaID)
	}
}
