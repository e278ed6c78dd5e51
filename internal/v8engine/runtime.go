//go:build v8

package v8engine

import (
	"encoding/json"
	"fmt"
	"reflect"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/sandbox/internal/core"
)

// v8Runtime implements core.JSRuntime on one isolate and context.
type v8Runtime struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ core.JSRuntime = (*v8Runtime)(nil)

func (r *v8Runtime) run(js string) (*v8.Value, error) {
	return r.ctx.RunScript(js, "task.js")
}

func (r *v8Runtime) Eval(js string) error {
	_, err := r.run(js)
	return err
}

func (r *v8Runtime) EvalString(js string) (string, error) {
	val, err := r.run(js)
	if err != nil || val == nil {
		return "", err
	}
	return val.String(), nil
}

func (r *v8Runtime) EvalBool(js string) (bool, error) {
	val, err := r.run(js)
	if err != nil || val == nil {
		return false, err
	}
	return val.Boolean(), nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// checkSignature accepts functions taking string, int, float64 or bool
// and returning nothing, one such value, or one such value and an error.
func checkSignature(t reflect.Type) error {
	if t.Kind() != reflect.Func {
		return fmt.Errorf("expected function, got %s", t)
	}
	for i := 0; i < t.NumIn(); i++ {
		switch t.In(i).Kind() {
		case reflect.String, reflect.Int, reflect.Float64, reflect.Bool:
		default:
			return fmt.Errorf("unsupported argument type %s", t.In(i))
		}
	}
	switch t.NumOut() {
	case 0, 1:
	case 2:
		if t.Out(1) != errorType {
			return fmt.Errorf("second result must be error, got %s", t.Out(1))
		}
	default:
		return fmt.Errorf("too many results")
	}
	return nil
}

// RegisterFunc exposes fn as a global function. An error result is thrown
// as the string "calling <name>: <message>".
func (r *v8Runtime) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()
	if err := checkSignature(fnType); err != nil {
		return fmt.Errorf("registering %s: %w", name, err)
	}

	throw := func(msg string) *v8.Value {
		v, _ := v8.NewValue(r.iso, msg)
		return r.iso.ThrowException(v)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		in := make([]reflect.Value, fnType.NumIn())
		for i := range in {
			if i < len(args) {
				in[i] = fromJS(args[i], fnType.In(i))
			} else {
				in[i] = reflect.Zero(fnType.In(i))
			}
		}
		out := fnVal.Call(in)
		if len(out) == 2 && !out[1].IsNil() {
			return throw(fmt.Sprintf("calling %s: %v", name, out[1].Interface()))
		}
		if len(out) == 0 {
			return nil
		}
		return toJS(r.iso, out[0])
	})
	return r.ctx.Global().Set(name, tmpl.GetFunction(r.ctx))
}

// SetGlobal sets a global variable. Scalars are converted directly and
// anything else goes through JSON.
func (r *v8Runtime) SetGlobal(name string, value any) error {
	var (
		val *v8.Value
		err error
	)
	switch v := value.(type) {
	case nil:
		val = v8.Undefined(r.iso)
	case string, bool, float64:
		val, err = v8.NewValue(r.iso, v)
	case int:
		val, err = v8.NewValue(r.iso, float64(v))
	default:
		data, jerr := json.Marshal(v)
		if jerr != nil {
			return fmt.Errorf("converting value for %q: %w", name, jerr)
		}
		val, err = v8.JSONParse(r.ctx, string(data))
	}
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, val)
}

func (r *v8Runtime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

func fromJS(val *v8.Value, t reflect.Type) reflect.Value {
	switch t.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String())
	case reflect.Int:
		return reflect.ValueOf(int(val.Integer()))
	case reflect.Float64:
		return reflect.ValueOf(val.Number())
	case reflect.Bool:
		return reflect.ValueOf(val.Boolean())
	}
	return reflect.Zero(t)
}

func toJS(iso *v8.Isolate, val reflect.Value) *v8.Value {
	var (
		v   *v8.Value
		err error
	)
	switch val.Kind() {
	case reflect.String:
		v, err = v8.NewValue(iso, val.String())
	case reflect.Int, reflect.Int32, reflect.Int64:
		v, err = v8.NewValue(iso, float64(val.Int()))
	case reflect.Float64:
		v, err = v8.NewValue(iso, val.Float())
	case reflect.Bool:
		v, err = v8.NewValue(iso, val.Bool())
	}
	if err != nil {
		return nil
	}
	return v
}
