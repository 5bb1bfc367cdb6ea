package recovery

import (
	"sync"

	"github.com/pkg/errors"
	lua "github.com/yuin/gopher-lua"

	"crewctl/internal/model"
)

// LuaRules runs an operator script defining
//
//	function classify(message, ctx) ... end
//
// which returns nil or a table {category = "...", suggestions = {{description
// = "...", action = "...", confidence = 0.5, auto = true}, ...}}.
type LuaRules struct {
	mu    sync.Mutex
	state *lua.LState
}

type ruleVerdict struct {
	Category    model.ErrorCategory
	Suggestions []model.RecoverySuggestion
}

func LoadLuaRules(path string) (*LuaRules, error) {
	state := lua.NewState(lua.Options{SkipOpenLibs: false})
	if err := state.DoFile(path); err != nil {
		state.Close()
		return nil, errors.Wrapf(err, "load recovery rules %s", path)
	}
	if state.GetGlobal("classify").Type() != lua.LTFunction {
		state.Close()
		return nil, errors.Errorf("recovery rules %s must define classify(message, ctx)", path)
	}
	return &LuaRules{state: state}, nil
}

func LoadLuaRulesString(source string) (*LuaRules, error) {
	state := lua.NewState()
	if err := state.DoString(source); err != nil {
		state.Close()
		return nil, errors.Wrap(err, "load recovery rules")
	}
	if state.GetGlobal("classify").Type() != lua.LTFunction {
		state.Close()
		return nil, errors.New("recovery rules must define classify(message, ctx)")
	}
	return &LuaRules{state: state}, nil
}

func (r *LuaRules) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Close()
}

// Evaluate returns false when the script declines the error.
func (r *LuaRules) Evaluate(message string, errCtx map[string]string) (ruleVerdict, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctxTable := r.state.NewTable()
	for key, value := range errCtx {
		ctxTable.RawSetString(key, lua.LString(value))
	}
	if err := r.state.CallByParam(lua.P{
		Fn:      r.state.GetGlobal("classify"),
		NRet:    1,
		Protect: true,
	}, lua.LString(message), ctxTable); err != nil {
		return ruleVerdict{}, false, errors.Wrap(err, "run classify rule")
	}
	ret := r.state.Get(-1)
	r.state.Pop(1)
	table, ok := ret.(*lua.LTable)
	if !ok {
		return ruleVerdict{}, false, nil
	}

	verdict := ruleVerdict{Category: model.ErrorCategory(lua.LVAsString(table.RawGetString("category")))}
	if list, ok := table.RawGetString("suggestions").(*lua.LTable); ok {
		list.ForEach(func(_ lua.LValue, value lua.LValue) {
			entry, ok := value.(*lua.LTable)
			if !ok {
				return
			}
			action := model.RecoveryAction(lua.LVAsString(entry.RawGetString("action")))
			if action == "" {
				action = model.RecoveryActionManual
			}
			verdict.Suggestions = append(verdict.Suggestions, model.RecoverySuggestion{
				Description:    lua.LVAsString(entry.RawGetString("description")),
				Action:         action,
				Confidence:     float64(lua.LVAsNumber(entry.RawGetString("confidence"))),
				AutoExecutable: lua.LVAsBool(entry.RawGetString("auto")) && action != model.RecoveryActionManual,
				Source:         model.SuggestionSourceRule,
			})
		})
	}
	return verdict, true, nil
}
