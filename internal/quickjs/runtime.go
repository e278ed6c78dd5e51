//go:build !v8

package quickjs

import (
	"fmt"

	"modernc.org/quickjs"

	"github.com/cryguy/sandbox/internal/core"
)

// qjsRuntime implements core.JSRuntime on one QuickJS VM.
type qjsRuntime struct {
	vm *quickjs.VM
}

var _ core.JSRuntime = (*qjsRuntime)(nil)

func (r *qjsRuntime) Eval(js string) error {
	v, err := r.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	v.Free()
	return nil
}

func (r *qjsRuntime) EvalString(js string) (string, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil || result == nil {
		return "", err
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return fmt.Sprint(result), nil
}

func (r *qjsRuntime) EvalBool(js string) (bool, error) {
	result, err := r.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expected bool, got %T", result)
	}
	return b, nil
}

// unwrapJS replaces a raw registered function with one that turns the
// [value, error] array QuickJS builds for (T, error) results into a
// return value or a thrown TypeError.
const unwrapJS = `(function(raw, name) {
	var fn = globalThis[raw], apply = Reflect.apply, isArray = Array.isArray;
	delete globalThis[raw];
	globalThis[name] = function() {
		var r = apply(fn, this, arguments);
		if (!isArray(r)) return r;
		if (r[1] !== null && r[1] !== undefined) throw new TypeError("calling " + name + ": " + r[1]);
		return r[0];
	};
})(%q, %q)`

// RegisterFunc exposes fn as a global function. QuickJS cannot convert a
// Go bool result, so host functions return int instead.
func (r *qjsRuntime) RegisterFunc(name string, fn any) error {
	raw := "__raw_" + name
	if err := r.vm.RegisterFunc(raw, fn, false); err != nil {
		return err
	}
	return r.Eval(fmt.Sprintf(unwrapJS, raw, name))
}

func (r *qjsRuntime) SetGlobal(name string, value any) error {
	atom, err := r.vm.NewAtom(name)
	if err != nil {
		return fmt.Errorf("creating atom %q: %w", name, err)
	}
	glob := r.vm.GlobalObject()
	defer glob.Free()
	return glob.SetProperty(atom, value)
}

func (r *qjsRuntime) RunMicrotasks() {
	executePendingJobs(r.vm)
}
