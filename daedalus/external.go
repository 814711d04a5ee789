package daedalus

import (
	"fmt"
	"reflect"
)

var instanceInterface = reflect.TypeOf((*Instance)(nil)).Elem()

// RegisterExternal registers a host callable as the implementation of the
// external function with the given name. The callable's signature is
// validated against the declaration in the script:
//
//	script declared    host parameter / return
//	int, func          int32 or bool
//	float              float32
//	string             string
//	<class> instance   pointer to a host type embedding InstanceData
//
// Instance parameters are not checked against the host type registered for
// the class. An argument whose host type is not assignable to the parameter
// fails the call with ErrWrongContextType.
//
// Void externals must return nothing.
func (vm *VM) RegisterExternal(name string, fn any) error {
	sym := vm.SymbolByName(name)
	if sym == nil {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	if !sym.IsExternal() {
		return symbolError(ErrNotAnExternal, sym)
	}

	wrapper, err := vm.wrapExternal(sym, fn)
	if err != nil {
		return err
	}
	vm.externals[sym.index] = wrapper
	return nil
}

// RegisterExternalRaw registers a callback that manages the operand stack
// itself: it must pop the declared parameters and push the declared return
// value.
func (vm *VM) RegisterExternalRaw(name string, fn func(*VM) error) error {
	sym := vm.SymbolByName(name)
	if sym == nil {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	if !sym.IsExternal() {
		return symbolError(ErrNotAnExternal, sym)
	}
	vm.externals[sym.index] = fn
	return nil
}

// OverrideFunction mounts a host callable onto the address of a script
// function, shadowing its code. Whenever the function would be called from
// within the script, the callable runs instead.
func (vm *VM) OverrideFunction(name string, fn any) error {
	sym := vm.SymbolByName(name)
	if sym == nil {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	if sym.IsExternal() {
		return fmt.Errorf("daedalus: %s is an external, register it instead", sym.name)
	}
	if sym.address == Unset {
		return symbolError(ErrNotAFunction, sym)
	}

	wrapper, err := vm.wrapExternal(sym, fn)
	if err != nil {
		return err
	}
	vm.overrides[sym.address] = wrapper
	return nil
}

// wrapExternal validates fn against the symbol's declared parameter list
// and return type and builds the stack glue around it.
func (vm *VM) wrapExternal(sym *Symbol, fn any) (externalFunc, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func || t.IsVariadic() {
		return nil, fmt.Errorf("daedalus: external %s: callback must be a non-variadic func", sym.name)
	}

	params := vm.ParametersForFunction(sym)
	if t.NumIn() != len(params) {
		return nil, fmt.Errorf("%w: external %s declares %d parameters, callback takes %d",
			ErrArityMismatch, sym.name, len(params), t.NumIn())
	}

	for i, par := range params {
		if par == nil {
			return nil, fmt.Errorf("%w: parameter %d of %s", ErrSymbolNotFound, i+1, sym.name)
		}
		if !externalParamOK(par.typ, t.In(i)) {
			return nil, &ParameterTypeError{Symbol: sym.name, At: i + 1, Declared: par.typ, Given: t.In(i).String()}
		}
	}

	if sym.HasReturn() {
		if t.NumOut() != 1 || !externalReturnOK(sym.returnType, t.Out(0)) {
			return nil, fmt.Errorf("%w: external %s returns %s", ErrReturnTypeMismatch, sym.name, sym.returnType)
		}
	} else if t.NumOut() != 0 {
		return nil, fmt.Errorf("%w: external %s is void", ErrReturnTypeMismatch, sym.name)
	}

	declared := make([]DataType, len(params))
	for i, par := range params {
		declared[i] = par.typ
	}

	return func(machine *VM) error {
		args := make([]reflect.Value, len(declared))

		// The topmost frame is the last parameter.
		for i := len(declared) - 1; i >= 0; i-- {
			in := t.In(i)
			switch declared[i] {
			case TypeInt, TypeFunc:
				x, err := machine.PopInt()
				if err != nil {
					return err
				}
				if in.Kind() == reflect.Bool {
					args[i] = reflect.ValueOf(x != 0)
				} else {
					args[i] = reflect.ValueOf(x)
				}
			case TypeFloat:
				x, err := machine.PopFloat()
				if err != nil {
					return err
				}
				args[i] = reflect.ValueOf(x)
			case TypeString:
				x, err := machine.PopString()
				if err != nil {
					return err
				}
				args[i] = reflect.ValueOf(x)
			case TypeInstance:
				inst, err := machine.PopInstance()
				if err != nil {
					return err
				}
				if inst == nil {
					args[i] = reflect.Zero(in)
					break
				}
				got := reflect.TypeOf(inst)
				if !got.AssignableTo(in) {
					return fmt.Errorf("%w: external %s parameter %d: got %v, want %v",
						ErrWrongContextType, sym.name, i+1, got, in)
				}
				args[i] = reflect.ValueOf(inst)
			default:
				return fmt.Errorf("%w: external %s parameter %d is %s",
					ErrDataTypeMismatch, sym.name, i+1, declared[i])
			}
		}

		out := v.Call(args)
		if len(out) == 0 {
			return nil
		}

		ret := out[0]
		switch sym.returnType {
		case TypeInt, TypeFunc:
			if ret.Kind() == reflect.Bool {
				return machine.PushInt(boolInt(ret.Bool()))
			}
			return machine.PushInt(int32(ret.Int()))
		case TypeFloat:
			return machine.PushFloat(float32(ret.Float()))
		case TypeString:
			return machine.PushString(ret.String())
		case TypeInstance:
			if ret.IsNil() {
				return machine.PushInstance(nil)
			}
			return machine.PushInstance(ret.Interface().(Instance))
		}
		return nil
	}, nil
}

func externalParamOK(declared DataType, t reflect.Type) bool {
	switch declared {
	case TypeInt, TypeFunc:
		return t.Kind() == reflect.Int32 || t.Kind() == reflect.Bool
	case TypeFloat:
		return t.Kind() == reflect.Float32
	case TypeString:
		return t.Kind() == reflect.String
	case TypeInstance:
		return t.Implements(instanceInterface) && t.Kind() == reflect.Ptr
	}
	return false
}

func externalReturnOK(declared DataType, t reflect.Type) bool {
	return externalParamOK(declared, t)
}
