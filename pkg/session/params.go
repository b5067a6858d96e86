package session

import (
	"github.com/pgdog-io/pgdog/pkg/doglog"
)

// ParamHandler tracks client session parameters with transaction
// semantics: plain SET takes effect immediately but is rolled back if
// the surrounding transaction aborts, SET LOCAL lives only until the
// transaction ends.
type ParamHandler struct {
	startupParams map[string]string
	activeParams  map[string]string
	localParams   map[string]string

	/* snapshot taken at BEGIN, nil outside a transaction */
	beginTxParams map[string]string
}

func NewParamHandler() *ParamHandler {
	return &ParamHandler{
		startupParams: map[string]string{},
		activeParams:  map[string]string{},
		localParams:   map[string]string{},
	}
}

func copymap(params map[string]string) map[string]string {
	ret := make(map[string]string, len(params))
	for k, v := range params {
		ret[k] = v
	}
	return ret
}

// SetStartupParams records the parameters from the startup packet.
// They seed the active set and are what RESET restores to.
func (p *ParamHandler) SetStartupParams(m map[string]string) {
	p.startupParams = copymap(m)
}

// SetParam applies a session-level parameter. The startup "options"
// parameter is unpacked into its individual -c name=value entries.
func (p *ParamHandler) SetParam(name, value string) {
	doglog.Zero.Debug().
		Str("name", name).
		Str("value", value).
		Msg("client param")
	if name == "options" {
		p.parseOptions(value)
		return
	}
	p.activeParams[name] = value
}

func (p *ParamHandler) parseOptions(value string) {
	i := 0
	for i < len(value) {
		if value[i] == ' ' {
			i++
			continue
		}
		if value[i] == '-' {
			if i+2 >= len(value) || value[i+1] != 'c' {
				return
			}
		}
		i += 3

		opname := ""
		opvalue := ""

		for i < len(value) {
			if value[i] == '=' {
				i++
				break
			}
			opname += string(value[i])
			i++
		}
		for i < len(value) {
			if value[i] == ' ' {
				break
			}
			opvalue += string(value[i])
			i++
		}

		if len(opname) == 0 || len(opvalue) == 0 {
			return
		}
		i++

		doglog.Zero.Debug().
			Str("opname", opname).
			Str("opvalue", opvalue).
			Msg("parsed pgoption param")
		p.activeParams[opname] = opvalue
	}
}

// SetLocalParam applies a SET LOCAL parameter, dropped when the
// transaction commits or aborts.
func (p *ParamHandler) SetLocalParam(name, value string) {
	p.localParams[name] = value
}

func (p *ParamHandler) ResetParam(name string) {
	delete(p.localParams, name)
	if val, ok := p.startupParams[name]; ok {
		p.activeParams[name] = val
	} else {
		delete(p.activeParams, name)
	}
}

func (p *ParamHandler) ResetAll() {
	p.activeParams = copymap(p.startupParams)
	p.localParams = map[string]string{}
}

// Params is the effective parameter set, local overrides included.
func (p *ParamHandler) Params() map[string]string {
	if len(p.localParams) == 0 {
		return p.activeParams
	}
	merged := copymap(p.activeParams)
	for k, v := range p.localParams {
		merged[k] = v
	}
	return merged
}

func (p *ParamHandler) StartTx() {
	p.beginTxParams = copymap(p.activeParams)
	p.localParams = map[string]string{}
}

// CommitActiveSet makes parameters set during the transaction
// permanent and drops the local overlay.
func (p *ParamHandler) CommitActiveSet() {
	p.beginTxParams = nil
	p.localParams = map[string]string{}
}

// CleanupLocalSet drops SET LOCAL parameters without touching the
// session set. Called when a transaction ends either way.
func (p *ParamHandler) CleanupLocalSet() {
	p.localParams = map[string]string{}
}

// Rollback restores the parameter set captured at BEGIN.
func (p *ParamHandler) Rollback() {
	if p.beginTxParams != nil {
		p.activeParams = copymap(p.beginTxParams)
	}
	p.beginTxParams = nil
	p.localParams = map[string]string{}
}
