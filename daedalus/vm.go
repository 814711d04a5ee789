package daedalus

import (
	"fmt"
	"math"
	"reflect"

	"github.com/khorinis/zengin/internal/log"
	"go.uber.org/zap"
)

// Stack capacities. Exceeding either raises ErrStackOverflow; the stacks
// are never silently corrupted.
const (
	StackCap = 256
	CallCap  = 256
)

// ExecutionFlags loosen compatibility checks for bytecode that the original
// games shipped with known bugs.
type ExecutionFlags uint8

const (
	// IgnoreConstSpecifier allows assignments to const symbols.
	IgnoreConstSpecifier ExecutionFlags = 1 << iota

	// AllowNullInstanceAccess downgrades member access without an instance
	// to a warning and a zero value.
	AllowNullInstanceAccess
)

type frameKind uint8

const (
	frameInt frameKind = iota
	frameFloat
	frameInstance
	frameRef
)

// stackFrame is one operand-stack slot: either a symbol reference with a
// subscript and the context captured at push time, or a by-value payload.
type stackFrame struct {
	kind    frameKind
	sym     *Symbol
	index   uint8
	context Instance
	i       int32
	f       float32
	inst    Instance
}

// callFrame remembers where to return to and which context to restore.
type callFrame struct {
	function *Symbol
	pc       uint32
	context  Instance
}

// ExceptionStrategy is the verdict of an exception handler.
type ExceptionStrategy int

const (
	// StrategyFail re-raises the error out of the current call.
	StrategyFail ExceptionStrategy = iota

	// StrategyReturn unwinds the current call frame.
	StrategyReturn

	// StrategyContinue keeps executing at the next instruction.
	StrategyContinue
)

// ExceptionHandler is consulted whenever an instruction raises.
type ExceptionHandler func(vm *VM, err error, instr Instruction) ExceptionStrategy

// externalFunc is the erased form of a registered external.
type externalFunc func(*VM) error

// VM executes compiled Daedalus bytecode. It embeds the script, adds the
// operand and call stacks, the external registries and the context
// instance. A VM is a self-contained value; it is not safe for concurrent
// use, but externals may re-enter it.
type VM struct {
	*Script

	flags ExecutionFlags

	stack    [StackCap]stackFrame
	stackPtr int
	calls    [CallCap]callFrame
	callPtr  int

	pc      uint32
	context Instance

	externals       map[uint32]externalFunc // keyed by symbol index
	overrides       map[uint32]externalFunc // keyed by code address
	defaultExternal func(*VM, *Symbol) error
	accessTrap      func(*Symbol)
	trapped         map[uint32]bool

	exceptionHandler ExceptionHandler

	selfSym   *Symbol
	otherSym  *Symbol
	victimSym *Symbol
	heroSym   *Symbol
	itemSym   *Symbol

	tempStrings *Symbol
}

// NewVM creates a VM for the given script. The well-known global symbols
// are cached by name; scripts without them simply leave the slots nil.
func NewVM(scr *Script, flags ExecutionFlags) *VM {
	vm := &VM{
		Script:    scr,
		flags:     flags,
		externals: make(map[uint32]externalFunc),
		overrides: make(map[uint32]externalFunc),
		trapped:   make(map[uint32]bool),
	}

	vm.selfSym = scr.SymbolByName("SELF")
	vm.otherSym = scr.SymbolByName("OTHER")
	vm.victimSym = scr.SymbolByName("VICTIM")
	vm.heroSym = scr.SymbolByName("HERO")
	vm.itemSym = scr.SymbolByName("ITEM")
	vm.tempStrings = scr.SymbolByName(temporaryStringsSymbol)

	return vm
}

// GlobalSelf returns the symbol for the global instance var SELF, or nil.
func (vm *VM) GlobalSelf() *Symbol { return vm.selfSym }

// GlobalOther returns the symbol for the global instance var OTHER, or nil.
func (vm *VM) GlobalOther() *Symbol { return vm.otherSym }

// GlobalVictim returns the symbol for the global instance var VICTIM, or nil.
func (vm *VM) GlobalVictim() *Symbol { return vm.victimSym }

// GlobalHero returns the symbol for the global instance var HERO, or nil.
func (vm *VM) GlobalHero() *Symbol { return vm.heroSym }

// GlobalItem returns the symbol for the global instance var ITEM, or nil.
func (vm *VM) GlobalItem() *Symbol { return vm.itemSym }

// Context returns the current context instance ("self").
func (vm *VM) Context() Instance { return vm.context }

// SetContext sets the current context instance.
func (vm *VM) SetContext(inst Instance) { vm.context = inst }

// StackDepth returns the current operand-stack depth.
func (vm *VM) StackDepth() int { return vm.stackPtr }

// CallFunction looks up the function with the given name and calls it. A
// return value, if any, is left on the operand stack for the caller.
func (vm *VM) CallFunction(name string) error {
	sym := vm.SymbolByName(name)
	if sym == nil {
		return fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	return vm.CallFunctionSymbol(sym)
}

// CallFunctionSymbol calls the given function symbol.
func (vm *VM) CallFunctionSymbol(sym *Symbol) error {
	if sym == nil {
		return ErrSymbolNotFound
	}
	if sym.typ != TypeFunc || sym.address == Unset {
		return symbolError(ErrNotAFunction, sym)
	}
	return vm.UnsafeCall(sym)
}

// UnsafeCall pushes a call frame, jumps to the symbol's address and runs
// until the matching return unwinds the frame. No validation is performed
// on the symbol.
func (vm *VM) UnsafeCall(sym *Symbol) error {
	if err := vm.pushCall(sym); err != nil {
		return err
	}
	if err := vm.jump(sym.address); err != nil {
		return err
	}

	for {
		stop, err := vm.exec()
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}

	vm.popCall()
	return nil
}

// UnsafeJump sets the program counter directly.
func (vm *VM) UnsafeJump(address uint32) error {
	return vm.jump(address)
}

func (vm *VM) jump(address uint32) error {
	if address > vm.CodeSize() {
		return fmt.Errorf("%w: cannot jump to %#x", ErrInvalidAddress, address)
	}
	vm.pc = address
	return nil
}

// exec decodes one instruction, advances the program counter past it before
// dispatch so branch targets land correctly, and executes its effect. A
// failure is routed through the exception handler.
func (vm *VM) exec() (stop bool, err error) {
	instr, err := vm.InstructionAt(vm.pc)
	if err != nil {
		return false, err
	}
	vm.pc += uint32(instr.Size)

	stop, err = vm.execute(instr)
	if err == nil {
		return stop, nil
	}

	if vm.exceptionHandler != nil {
		switch vm.exceptionHandler(vm, err, instr) {
		case StrategyContinue:
			return false, nil
		case StrategyReturn:
			return true, nil
		}
	}

	if log.L != nil {
		log.L.Error("script execution failed", zap.Error(err), log.Op(instr.Op.String()), log.Addr(vm.pc))
	}
	vm.PrintStackTrace()
	return false, err
}

func (vm *VM) execute(instr Instruction) (bool, error) {
	switch instr.Op {
	case OpAdd:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return a + b, nil })
	case OpSub:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return a - b, nil })
	case OpMul:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return a * b, nil })
	case OpDiv:
		return false, vm.binaryInt(divide)
	case OpMod:
		return false, vm.binaryInt(modulo)
	case OpBitOr:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return a | b, nil })
	case OpBitAnd:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return a & b, nil })
	case OpLess:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return boolInt(a < b), nil })
	case OpGreater:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return boolInt(a > b), nil })
	case OpLessOrEqual:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return boolInt(a <= b), nil })
	case OpEqual:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return boolInt(a == b), nil })
	case OpNotEqual:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return boolInt(a != b), nil })
	case OpGreaterOrEqual:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return boolInt(a >= b), nil })
	case OpOr:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return boolInt(a != 0 || b != 0), nil })
	case OpAnd:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return boolInt(a != 0 && b != 0), nil })
	case OpShiftLeft:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return a << (uint32(b) & 31), nil })
	case OpShiftRight:
		return false, vm.binaryInt(func(a, b int32) (int32, error) { return a >> (uint32(b) & 31), nil })

	case OpPlus:
		return false, vm.unaryInt(func(a int32) int32 { return a })
	case OpMinus:
		return false, vm.unaryInt(func(a int32) int32 { return -a })
	case OpNot:
		return false, vm.unaryInt(func(a int32) int32 { return boolInt(a == 0) })
	case OpComplement:
		return false, vm.unaryInt(func(a int32) int32 { return ^a })

	case OpNoop:
		return false, nil

	case OpReturn:
		return true, nil

	case OpCall:
		return false, vm.executeCall(instr)
	case OpCallExternal:
		return false, vm.executeCallExternal(instr)

	case OpPushInt:
		return false, vm.PushInt(instr.Immediate)
	case OpPushVar, OpPushInstance:
		return false, vm.executePushVar(instr)
	case OpPushArrayVar:
		sym := vm.SymbolByIndex(instr.Symbol)
		if sym == nil {
			return false, fmt.Errorf("%w: push_array_var %d", ErrSymbolNotFound, instr.Symbol)
		}
		return false, vm.PushReference(sym, instr.Index)

	case OpAssignInt, OpAssignFunc:
		return false, vm.assignInt(func(_ int32, v int32) (int32, error) { return v, nil })
	case OpAssignAdd:
		return false, vm.assignInt(func(old, v int32) (int32, error) { return old + v, nil })
	case OpAssignSub:
		return false, vm.assignInt(func(old, v int32) (int32, error) { return old - v, nil })
	case OpAssignMul:
		return false, vm.assignInt(func(old, v int32) (int32, error) { return old * v, nil })
	case OpAssignDiv:
		return false, vm.assignInt(func(old, v int32) (int32, error) { return divide(old, v) })
	case OpAssignFloat:
		return false, vm.executeAssignFloat()
	case OpAssignString:
		return false, vm.executeAssignString()
	case OpAssignStringRef:
		return false, fmt.Errorf("daedalus: not implemented: %s", instr.Op)
	case OpAssignInstance:
		return false, vm.executeAssignInstance()

	case OpJump:
		return false, vm.jump(instr.Address)
	case OpJumpIfZero:
		v, err := vm.PopInt()
		if err != nil {
			return false, err
		}
		if v == 0 {
			return false, vm.jump(instr.Address)
		}
		return false, nil

	case OpSetInstance:
		sym := vm.SymbolByIndex(instr.Symbol)
		if sym == nil {
			return false, fmt.Errorf("%w: set_instance %d", ErrSymbolNotFound, instr.Symbol)
		}
		vm.context = sym.GetInstance()
		return false, nil
	}

	return false, fmt.Errorf("daedalus: illegal opcode %d", uint8(instr.Op))
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// Arithmetic is wrapping i32 throughout; division by zero and the
// overflowing MinInt32 / -1 quotient become recoverable errors instead.
func divide(a, b int32) (int32, error) {
	if b == 0 {
		return 0, fmt.Errorf("%w: division by zero", ErrArithmetic)
	}
	if a == math.MinInt32 && b == -1 {
		return 0, fmt.Errorf("%w: integer overflow", ErrArithmetic)
	}
	return a / b, nil
}

func modulo(a, b int32) (int32, error) {
	if b == 0 {
		return 0, fmt.Errorf("%w: division by zero", ErrArithmetic)
	}
	if a == math.MinInt32 && b == -1 {
		return 0, fmt.Errorf("%w: integer overflow", ErrArithmetic)
	}
	return a % b, nil
}

func (vm *VM) binaryInt(f func(a, b int32) (int32, error)) error {
	a, err := vm.PopInt()
	if err != nil {
		return err
	}
	b, err := vm.PopInt()
	if err != nil {
		return err
	}
	v, err := f(a, b)
	if err != nil {
		return err
	}
	return vm.PushInt(v)
}

func (vm *VM) unaryInt(f func(a int32) int32) error {
	a, err := vm.PopInt()
	if err != nil {
		return err
	}
	return vm.PushInt(f(a))
}

// assignInt implements the int assignment family. The reference is popped
// first, then the value; op combines the old value with the popped one.
func (vm *VM) assignInt(op func(old, v int32) (int32, error)) error {
	ref, idx, ctx, err := vm.PopReference()
	if err != nil {
		return err
	}
	value, err := vm.PopInt()
	if err != nil {
		return err
	}

	if ref.IsConst() && vm.flags&IgnoreConstSpecifier == 0 {
		return symbolError(ErrConstViolation, ref)
	}

	if ref.IsMember() && ctx == nil && vm.flags&AllowNullInstanceAccess != 0 {
		vm.warnNullContext(ref)
		return nil
	}

	old, err := ref.GetInt(idx, ctx)
	if err != nil {
		return err
	}
	v, err := op(old, value)
	if err != nil {
		return err
	}
	return ref.SetInt(v, idx, ctx)
}

func (vm *VM) executeAssignFloat() error {
	ref, idx, ctx, err := vm.PopReference()
	if err != nil {
		return err
	}
	value, err := vm.PopFloat()
	if err != nil {
		return err
	}

	if ref.IsConst() && vm.flags&IgnoreConstSpecifier == 0 {
		return symbolError(ErrConstViolation, ref)
	}
	if ref.IsMember() && ctx == nil && vm.flags&AllowNullInstanceAccess != 0 {
		vm.warnNullContext(ref)
		return nil
	}
	return ref.SetFloat(value, idx, ctx)
}

func (vm *VM) executeAssignString() error {
	ref, idx, ctx, err := vm.PopReference()
	if err != nil {
		return err
	}
	value, err := vm.PopString()
	if err != nil {
		return err
	}

	if ref.IsConst() && vm.flags&IgnoreConstSpecifier == 0 {
		return symbolError(ErrConstViolation, ref)
	}
	if ref.IsMember() && ctx == nil && vm.flags&AllowNullInstanceAccess != 0 {
		vm.warnNullContext(ref)
		return nil
	}
	return ref.SetString(value, idx, ctx)
}

func (vm *VM) executeAssignInstance() error {
	ref, _, _, err := vm.PopReference()
	if err != nil {
		return err
	}
	inst, err := vm.PopInstance()
	if err != nil {
		return err
	}
	ref.SetInstance(inst)
	return nil
}

func (vm *VM) executePushVar(instr Instruction) error {
	sym := vm.SymbolByIndex(instr.Symbol)
	if sym == nil {
		return fmt.Errorf("%w: push_var %d", ErrSymbolNotFound, instr.Symbol)
	}

	// The trap fires the first time a symbol is pushed, before the host can
	// observe the reference. Lazy-initialization hooks live here.
	if vm.accessTrap != nil && !vm.trapped[sym.index] {
		vm.trapped[sym.index] = true
		vm.accessTrap(sym)
	}

	return vm.PushReference(sym, 0)
}

// executeCall runs the function at the instruction's address, or the
// override mounted on that address.
func (vm *VM) executeCall(instr Instruction) error {
	sym := vm.SymbolByAddress(instr.Address)

	if cb, ok := vm.overrides[instr.Address]; ok {
		rtype := TypeVoid
		if sym != nil {
			rtype = sym.returnType
		}
		guard := vm.newStackGuard(rtype)
		defer guard.finish()

		if err := cb(vm); err != nil {
			return err
		}
		guard.inhibit()
		return nil
	}

	if sym == nil {
		return fmt.Errorf("%w: call target %#x has no symbol", ErrInvalidAddress, instr.Address)
	}
	return vm.UnsafeCall(sym)
}

// executeCallExternal dispatches to the registered external for the symbol
// operand, falling back to the default handler.
func (vm *VM) executeCallExternal(instr Instruction) error {
	sym := vm.SymbolByIndex(instr.Symbol)
	if sym == nil {
		return fmt.Errorf("%w: call_external %d", ErrSymbolNotFound, instr.Symbol)
	}

	// Guard against callbacks that fail before pushing their return value.
	guard := vm.newStackGuard(sym.returnType)
	defer guard.finish()

	cb, ok := vm.externals[sym.index]
	if !ok {
		if vm.defaultExternal == nil {
			return symbolError(ErrUnregisteredExternal, sym)
		}
		if err := vm.defaultExternal(vm, sym); err != nil {
			return err
		}
		guard.inhibit()
		return nil
	}

	if err := vm.pushCall(sym); err != nil {
		return err
	}
	if err := cb(vm); err != nil {
		return err
	}
	vm.popCall()

	guard.inhibit()
	return nil
}

func (vm *VM) pushCall(sym *Symbol) error {
	if vm.callPtr == CallCap {
		return fmt.Errorf("%w: call stack", ErrStackOverflow)
	}
	vm.calls[vm.callPtr] = callFrame{function: sym, pc: vm.pc, context: vm.context}
	vm.callPtr++
	return nil
}

func (vm *VM) popCall() {
	if vm.callPtr == 0 {
		return
	}
	vm.callPtr--
	frame := vm.calls[vm.callPtr]
	vm.calls[vm.callPtr] = callFrame{}
	vm.pc = frame.pc
	vm.context = frame.context
}

// PushInt pushes an immediate int.
func (vm *VM) PushInt(value int32) error {
	if vm.stackPtr == StackCap {
		return fmt.Errorf("%w: operand stack", ErrStackOverflow)
	}
	vm.stack[vm.stackPtr] = stackFrame{kind: frameInt, i: value}
	vm.stackPtr++
	return nil
}

// PushFloat pushes an immediate float.
func (vm *VM) PushFloat(value float32) error {
	if vm.stackPtr == StackCap {
		return fmt.Errorf("%w: operand stack", ErrStackOverflow)
	}
	vm.stack[vm.stackPtr] = stackFrame{kind: frameFloat, f: value}
	vm.stackPtr++
	return nil
}

// PushInstance pushes an instance by value.
func (vm *VM) PushInstance(inst Instance) error {
	if vm.stackPtr == StackCap {
		return fmt.Errorf("%w: operand stack", ErrStackOverflow)
	}
	vm.stack[vm.stackPtr] = stackFrame{kind: frameInstance, inst: inst}
	vm.stackPtr++
	return nil
}

// PushReference pushes a reference to a symbol with the given subscript.
// The current context instance is captured with the frame.
func (vm *VM) PushReference(sym *Symbol, index uint8) error {
	if vm.stackPtr == StackCap {
		return fmt.Errorf("%w: operand stack", ErrStackOverflow)
	}
	vm.stack[vm.stackPtr] = stackFrame{kind: frameRef, sym: sym, index: index, context: vm.context}
	vm.stackPtr++
	return nil
}

// PushString stores the string in the VM's scratch slot and pushes a
// reference to it.
func (vm *VM) PushString(value string) error {
	if err := vm.tempStrings.SetString(value, 0, nil); err != nil {
		return err
	}
	return vm.PushReference(vm.tempStrings, 0)
}

func (vm *VM) pop() (stackFrame, bool) {
	if vm.stackPtr == 0 {
		return stackFrame{}, false
	}
	vm.stackPtr--
	v := vm.stack[vm.stackPtr]
	vm.stack[vm.stackPtr] = stackFrame{}
	return v, true
}

// PopInt pops an int, resolving references through their captured context.
// Popping from an empty stack yields zero; shipped bytecode relies on it.
func (vm *VM) PopInt() (int32, error) {
	v, ok := vm.pop()
	if !ok {
		return 0, nil
	}

	switch v.kind {
	case frameRef:
		if v.sym.IsMember() && v.context == nil {
			if vm.flags&AllowNullInstanceAccess == 0 {
				return 0, symbolError(ErrNoContext, v.sym)
			}
			vm.warnNullContext(v.sym)
			return 0, nil
		}
		return v.sym.GetInt(v.index, v.context)
	case frameInt:
		return v.i, nil
	default:
		return 0, fmt.Errorf("%w: expected int", ErrWrongFrameType)
	}
}

// PopFloat pops a float. Immediate int frames are reinterpreted bit-wise;
// the compiler pushes float literals through push_int.
func (vm *VM) PopFloat() (float32, error) {
	v, ok := vm.pop()
	if !ok {
		return 0, nil
	}

	switch v.kind {
	case frameRef:
		if v.sym.IsMember() && v.context == nil {
			if vm.flags&AllowNullInstanceAccess == 0 {
				return 0, symbolError(ErrNoContext, v.sym)
			}
			vm.warnNullContext(v.sym)
			return 0, nil
		}
		return v.sym.GetFloat(v.index, v.context)
	case frameFloat:
		return v.f, nil
	case frameInt:
		return math.Float32frombits(uint32(v.i)), nil
	default:
		return 0, fmt.Errorf("%w: expected float", ErrWrongFrameType)
	}
}

// PopString pops a string through a reference frame.
func (vm *VM) PopString() (string, error) {
	sym, idx, ctx, err := vm.PopReference()
	if err != nil {
		return "", err
	}

	if sym.IsMember() && ctx == nil {
		if vm.flags&AllowNullInstanceAccess == 0 {
			return "", symbolError(ErrNoContext, sym)
		}
		vm.warnNullContext(sym)
		return "", nil
	}
	return sym.GetString(idx, ctx)
}

// PopInstance pops an instance, resolving references through the symbol.
func (vm *VM) PopInstance() (Instance, error) {
	v, ok := vm.pop()
	if !ok {
		return nil, fmt.Errorf("%w: popping instance", ErrStackUnderflow)
	}

	switch v.kind {
	case frameRef:
		return v.sym.GetInstance(), nil
	case frameInstance:
		return v.inst, nil
	default:
		return nil, fmt.Errorf("%w: expected instance", ErrWrongFrameType)
	}
}

// PopReference pops a reference frame and returns the symbol, the
// subscript and the context captured when it was pushed.
func (vm *VM) PopReference() (*Symbol, uint8, Instance, error) {
	v, ok := vm.pop()
	if !ok {
		return nil, 0, nil, fmt.Errorf("%w: popping reference", ErrStackUnderflow)
	}
	if v.kind != frameRef {
		return nil, 0, nil, fmt.Errorf("%w: expected reference", ErrWrongFrameType)
	}
	return v.sym, v.index, v.context, nil
}

func (vm *VM) warnNullContext(sym *Symbol) {
	if log.L != nil {
		log.L.Warn("accessing member without an instance set", log.Sym(sym.name))
	}
}

// stackGuard pushes a zero of the declared return type when an external
// invocation fails. The VM inhibits the guard once the external returns
// without error, so a successful callback that pushes nothing leaves no
// return value on the stack.
type stackGuard struct {
	vm        *VM
	typ       DataType
	inhibited bool
}

func (vm *VM) newStackGuard(typ DataType) *stackGuard {
	return &stackGuard{vm: vm, typ: typ}
}

func (g *stackGuard) inhibit() { g.inhibited = true }

func (g *stackGuard) finish() {
	if g.inhibited {
		return
	}
	switch g.typ {
	case TypeFloat:
		_ = g.vm.PushFloat(0)
	case TypeInt, TypeFunc:
		_ = g.vm.PushInt(0)
	case TypeString:
		_ = g.vm.PushString("")
	case TypeInstance:
		_ = g.vm.PushInstance(nil)
	}
}

// RegisterAccessTrap installs a handler invoked the first time a symbol is
// pushed via push_var or push_instance.
func (vm *VM) RegisterAccessTrap(fn func(*Symbol)) {
	vm.accessTrap = fn
}

// RegisterExceptionHandler installs the handler consulted whenever an
// instruction raises.
func (vm *VM) RegisterExceptionHandler(fn ExceptionHandler) {
	vm.exceptionHandler = fn
}

// RegisterDefaultExternal installs a fallback for externals without a
// registered callback. The VM pops the declared parameters and pushes a
// zero return value before invoking fn with the external's name, so the
// operand stack stays balanced.
func (vm *VM) RegisterDefaultExternal(fn func(name string)) {
	vm.defaultExternal = func(v *VM, sym *Symbol) error {
		params := v.ParametersForFunction(sym)
		for i := len(params) - 1; i >= 0; i-- {
			par := params[i]
			if par == nil {
				continue
			}
			switch par.typ {
			case TypeInt, TypeFunc:
				if _, err := v.PopInt(); err != nil {
					return err
				}
			case TypeFloat:
				if _, err := v.PopFloat(); err != nil {
					return err
				}
			case TypeInstance, TypeString:
				if _, _, _, err := v.PopReference(); err != nil {
					return err
				}
			}
		}

		if sym.HasReturn() {
			switch sym.returnType {
			case TypeFloat:
				if err := v.PushFloat(0); err != nil {
					return err
				}
			case TypeInt, TypeFunc:
				if err := v.PushInt(0); err != nil {
					return err
				}
			case TypeString:
				if err := v.PushString(""); err != nil {
					return err
				}
			case TypeInstance:
				if err := v.PushInstance(nil); err != nil {
					return err
				}
			}
		}

		fn(sym.name)
		return nil
	}
}

// RegisterDefaultExternalCustom installs a fallback that manages the stack
// itself.
func (vm *VM) RegisterDefaultExternalCustom(fn func(*VM, *Symbol) error) {
	vm.defaultExternal = fn
}

// LenientExceptionHandler is the supported recovery strategy for bytecode
// that ships with known bugs. It patches up the stack per opcode family and
// always continues. By the time an assignment raises, its operands have
// already been consumed, so there is nothing left to drop for that family.
func LenientExceptionHandler(vm *VM, err error, instr Instruction) ExceptionStrategy {
	if log.L != nil {
		log.L.Warn("script error ignored", zap.Error(err), log.Op(instr.Op.String()))
	}

	switch instr.Op {
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpBitOr, OpBitAnd,
		OpLess, OpGreater, OpLessOrEqual, OpEqual, OpNotEqual, OpGreaterOrEqual,
		OpOr, OpAnd, OpShiftLeft, OpShiftRight,
		OpPlus, OpMinus, OpNot, OpComplement:
		_ = vm.PushInt(0)
	case OpPushInt, OpPushVar, OpPushInstance, OpPushArrayVar:
		// Push an int and hope it's the right type.
		_ = vm.PushInt(0)
	}

	return StrategyContinue
}

// InitInstance allocates a host object of type T, binds it to the instance
// symbol with the given name and runs the instance's constructor code. The
// symbol's parent class must have been registered for T.
func InitInstance[T any, PT interface {
	*T
	Instance
}](vm *VM, name string) (PT, error) {
	sym := vm.SymbolByName(name)
	if sym == nil {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	return InitInstanceSymbol[T, PT](vm, sym)
}

// InitInstanceSymbol is InitInstance for an already-resolved symbol.
func InitInstanceSymbol[T any, PT interface {
	*T
	Instance
}](vm *VM, sym *Symbol) (PT, error) {
	if sym.typ != TypeInstance {
		return nil, fmt.Errorf("%w: cannot init %s: not an instance", ErrDataTypeMismatch, sym.name)
	}

	// Walk the prototype chain up to the class and check the binding.
	parent := vm.SymbolByIndex(sym.parent)
	for parent != nil && parent.typ != TypeClass {
		parent = vm.SymbolByIndex(parent.parent)
	}
	if parent == nil {
		return nil, fmt.Errorf("%w: %s has no class parent", ErrSymbolNotFound, sym.name)
	}
	if want := reflect.TypeOf(PT(nil)); parent.boundType != want {
		return nil, fmt.Errorf("%w: cannot init %s: class %s is not registered for %v",
			ErrParentConflict, sym.name, parent.name, want)
	}

	inst := PT(new(T))
	inst.instanceData().bind(sym.index)

	vm.context = inst
	sym.SetInstance(inst)
	if vm.selfSym != nil {
		vm.selfSym.SetInstance(inst)
	}

	if err := vm.UnsafeCall(sym); err != nil {
		return nil, err
	}
	return inst, nil
}

// PrintStackTrace logs the call stack and the operand stack through the
// structured logger, most recent entries first.
func (vm *VM) PrintStackTrace() {
	if log.L == nil {
		return
	}

	lastPC := vm.pc
	for i := vm.callPtr - 1; i >= 0; i-- {
		frame := vm.calls[i]
		name := "<unnamed>"
		if frame.function != nil {
			name = frame.function.name
		}
		log.L.Error("call stack", zap.Int("frame", vm.callPtr-1-i), log.Sym(name), log.Addr(lastPC))
		lastPC = frame.pc
	}

	for i := vm.stackPtr - 1; i >= 0; i-- {
		v := vm.stack[i]
		switch v.kind {
		case frameRef:
			log.L.Error("operand stack", zap.Int("slot", i),
				zap.String("frame", "reference"), log.Sym(v.sym.name), zap.Uint8("index", v.index))
		case frameInt:
			log.L.Error("operand stack", zap.Int("slot", i),
				zap.String("frame", "int"), zap.Int32("value", v.i))
		case frameFloat:
			log.L.Error("operand stack", zap.Int("slot", i),
				zap.String("frame", "float"), zap.Float32("value", v.f))
		case frameInstance:
			typ := "NULL"
			if v.inst != nil {
				typ = reflect.TypeOf(v.inst).String()
			}
			log.L.Error("operand stack", zap.Int("slot", i),
				zap.String("frame", "instance"), zap.String("type", typ))
		}
	}
}
