package anticheat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// DefaultInstructionLimit is the maximum number of Lua opcodes allowed per
// rule evaluation when no override is configured.
const DefaultInstructionLimit = 100_000

// countingContext is a context.Context that cancels itself after Done() has
// been called limit times. GopherLua's mainLoopWithContext calls Done() once
// per opcode, making this an exact instruction-count limit.
type countingContext struct {
	context.Context
	cancel    context.CancelFunc
	remaining *atomic.Int64
}

// Done returns the underlying cancellation channel. Each call decrements the
// remaining counter; when it reaches zero the cancel function fires,
// terminating the Lua VM on the next opcode boundary.
func (c *countingContext) Done() <-chan struct{} {
	if c.remaining.Add(-1) <= 0 {
		c.cancel()
	}
	return c.Context.Done()
}

// newCountingContext returns a context that cancels after limit calls to Done().
// Precondition: limit > 0.
func newCountingContext(limit int) (context.Context, context.CancelFunc) {
	base, cancel := context.WithCancel(context.Background())
	rem := &atomic.Int64{}
	rem.Store(int64(limit))
	return &countingContext{
		Context:   base,
		cancel:    cancel,
		remaining: rem,
	}, cancel
}

// newSandboxedState creates a GopherLua LState with only safe stdlib loaded
// (base, table, string, math) and dangerous globals removed. The caller owns
// the LState and must call Close when done.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	for _, name := range []string{"dofile", "loadfile", "load", "collectgarbage", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	return L
}

// RuleSet is a set of operator-authored Lua deny rules run as the final
// validation stage. A rule file defines a global function
//
//	function deny(action) return denied, reason end
//
// receiving a read-only table describing the action. Rules are evaluated in
// one shared VM; a per-evaluation opcode limit keeps a runaway rule from
// stalling validation.
type RuleSet struct {
	mu        sync.Mutex
	state     *lua.LState
	instLimit int
	logger    *zap.Logger
}

// LoadRules creates a sandboxed VM and executes every *.lua file in dir in
// lexicographic order.
//
// Precondition: dir must be a readable directory; logger must be non-nil.
// Postcondition: Returns a RuleSet ready for Evaluate, or an error on any
// load failure. The caller must call Close when done.
func LoadRules(dir string, instLimit int, logger *zap.Logger) (*RuleSet, error) {
	if instLimit <= 0 {
		instLimit = DefaultInstructionLimit
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading rules dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	L := newSandboxedState()
	ctx, cancel := newCountingContext(instLimit)
	L.SetContext(ctx)
	for _, path := range files {
		if err := L.DoFile(path); err != nil {
			cancel()
			L.Close()
			return nil, fmt.Errorf("loading rule file %q: %w", path, err)
		}
	}
	cancel()

	logger.Info("loaded deny rules",
		zap.String("dir", dir),
		zap.Int("files", len(files)),
	)
	return &RuleSet{state: L, instLimit: instLimit, logger: logger}, nil
}

// Evaluate runs the deny function against one request. Returns denied=false
// when no deny function is defined. The VM is single-threaded; concurrent
// evaluations serialize on an internal mutex.
func (r *RuleSet) Evaluate(req Request) (denied bool, reason string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn := r.state.GetGlobal("deny")
	if fn == lua.LNil {
		return false, "", nil
	}

	// Fresh opcode budget per evaluation.
	ctx, cancel := newCountingContext(r.instLimit)
	defer cancel()
	r.state.SetContext(ctx)

	if err := r.state.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true}, r.requestTable(req)); err != nil {
		return false, "", fmt.Errorf("evaluating deny rule: %w", err)
	}
	reasonVal := r.state.Get(-1)
	deniedVal := r.state.Get(-2)
	r.state.Pop(2)

	if !lua.LVAsBool(deniedVal) {
		return false, "", nil
	}
	reason = lua.LVAsString(reasonVal)
	if reason == "" {
		reason = "denied by rule"
	}
	return true, reason, nil
}

// Close releases the VM.
func (r *RuleSet) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Close()
}

// requestTable builds the Lua table handed to deny().
func (r *RuleSet) requestTable(req Request) *lua.LTable {
	tbl := r.state.NewTable()
	r.state.SetField(tbl, "actor_id", lua.LString(req.ActorID))
	r.state.SetField(tbl, "session_id", lua.LString(req.SessionID))
	r.state.SetField(tbl, "action", lua.LString(req.Action))
	r.state.SetField(tbl, "block_number", lua.LNumber(req.BlockNumber))
	r.state.SetField(tbl, "damage_roll", lua.LNumber(req.DamageRoll))
	r.state.SetField(tbl, "crit_chance", lua.LNumber(req.CritChance))
	r.state.SetField(tbl, "timestamp", lua.LNumber(req.Timestamp.Unix()))
	r.state.SetField(tbl, "turn", lua.LNumber(req.Session.Turn))

	statsTbl := r.state.NewTable()
	r.state.SetField(statsTbl, "health", lua.LNumber(req.Stats.Health))
	r.state.SetField(statsTbl, "attack", lua.LNumber(req.Stats.Attack))
	r.state.SetField(statsTbl, "defense", lua.LNumber(req.Stats.Defense))
	r.state.SetField(statsTbl, "speed", lua.LNumber(req.Stats.Speed))
	r.state.SetField(statsTbl, "special", lua.LNumber(req.Stats.Special))
	r.state.SetField(statsTbl, "luck", lua.LNumber(req.Stats.Luck))
	r.state.SetField(tbl, "stats", statsTbl)

	return tbl
}
