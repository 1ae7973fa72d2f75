package interp

import (
	"context"
	"fmt"

	"github.com/dop251/goja"
	"github.com/jkaninda/crucible/internal/future"
)

// futureObject is the script-visible handle for a pending capability
// invocation. Any property access forces resolution first, so plain
// expressions like a.length or a + b behave as if the value were already
// there. Failures surface here, at the point of observation, as a
// catchable exception.
type futureObject struct {
	vm       *goja.Runtime
	ctx      context.Context
	resolver *future.Resolver
	fut      *future.Future
}

func newFutureObject(vm *goja.Runtime, ctx context.Context, r *future.Resolver, f *future.Future) *goja.Object {
	return vm.NewDynamicObject(&futureObject{vm: vm, ctx: ctx, resolver: r, fut: f})
}

// capabilityFailure is the Go error carried by the exception a failed
// observation throws. Classification type-asserts on it rather than on
// the message, so a script throwing a lookalike string stays an ordinary
// runtime error.
type capabilityFailure struct {
	capability string
	err        error
}

func (e *capabilityFailure) Error() string {
	return fmt.Sprintf("capability %s failed: %v", e.capability, e.err)
}

func (e *capabilityFailure) Unwrap() error { return e.err }

// force blocks until the underlying invocation completes. A context
// cancellation interrupts the runtime instead of raising a JS exception,
// since the whole execution is being torn down anyway.
func (o *futureObject) force() goja.Value {
	val, err := o.resolver.Force(o.ctx, o.fut)
	if err != nil {
		if o.ctx.Err() != nil {
			o.vm.Interrupt(o.ctx.Err())
			return goja.Undefined()
		}
		panic(o.vm.NewGoError(&capabilityFailure{capability: o.fut.Capability, err: err}))
	}
	return o.vm.ToValue(val)
}

func (o *futureObject) Get(key string) goja.Value {
	resolved := o.force()
	switch key {
	case "valueOf":
		return o.vm.ToValue(func(goja.FunctionCall) goja.Value { return resolved })
	case "toString":
		return o.vm.ToValue(func(goja.FunctionCall) goja.Value {
			return o.vm.ToValue(resolved.String())
		})
	}
	if goja.IsNull(resolved) || goja.IsUndefined(resolved) {
		return goja.Undefined()
	}
	obj := resolved.ToObject(o.vm)
	if obj == nil {
		return goja.Undefined()
	}
	prop := obj.Get(key)
	if prop == nil {
		return goja.Undefined()
	}
	// Methods of the resolved value must run with it as the receiver,
	// not the proxy.
	if fn, ok := goja.AssertFunction(prop); ok {
		return o.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			ret, err := fn(resolved, call.Arguments...)
			if err != nil {
				panic(o.vm.ToValue(err.Error()))
			}
			return ret
		})
	}
	return prop
}

func (o *futureObject) Has(key string) bool {
	resolved := o.force()
	if goja.IsNull(resolved) || goja.IsUndefined(resolved) {
		return false
	}
	obj := resolved.ToObject(o.vm)
	if obj == nil {
		return false
	}
	return obj.Get(key) != nil
}

func (o *futureObject) Keys() []string {
	resolved := o.force()
	if goja.IsNull(resolved) || goja.IsUndefined(resolved) {
		return nil
	}
	obj := resolved.ToObject(o.vm)
	if obj == nil {
		return nil
	}
	return obj.Keys()
}

// Futures are read-only views.
func (o *futureObject) Set(key string, val goja.Value) bool { return false }

func (o *futureObject) Delete(key string) bool { return false }
