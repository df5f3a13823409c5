package jsrunner

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// sandbox strips host globals from a runtime and, outside permissive mode,
// freezes the built-in prototypes.
type sandbox struct {
	securityLevel string
}

func newSandbox(level string) *sandbox {
	return &sandbox{securityLevel: level}
}

func (s *sandbox) apply(vm *goja.Runtime) error {
	if err := s.removeHostGlobals(vm); err != nil {
		return fmt.Errorf("failed to remove host globals: %w", err)
	}
	if s.securityLevel == SecurityLevelStrict {
		if err := s.restrictEval(vm); err != nil {
			return err
		}
	}
	if err := s.freezeBuiltins(vm); err != nil {
		return fmt.Errorf("failed to freeze built-ins: %w", err)
	}
	return nil
}

func (s *sandbox) removeHostGlobals(vm *goja.Runtime) error {
	hostGlobals := []string{
		"require",
		"module",
		"exports",
		"process",
		"global",
		"__dirname",
		"__filename",
		"Buffer",
		"setImmediate",
		"clearImmediate",
	}

	for _, name := range hostGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}

func (s *sandbox) restrictEval(vm *goja.Runtime) error {
	return vm.Set("eval", func(call goja.FunctionCall) goja.Value {
		panic(vm.NewTypeError("eval is not allowed in strict security mode"))
	})
}

func (s *sandbox) freezeBuiltins(vm *goja.Runtime) error {
	if s.securityLevel == SecurityLevelPermissive {
		return nil
	}

	_, err := vm.RunString(`
		(function() {
			var names = ['Object', 'Array', 'Function', 'String', 'Number', 'Boolean', 'Date', 'RegExp', 'Error', 'Math', 'JSON'];
			for (var i = 0; i < names.length; i++) {
				var obj = this[names[i]];
				if (!obj) { continue; }
				Object.freeze(obj);
				if (obj.prototype) { Object.freeze(obj.prototype); }
			}
		})()
	`)
	return err
}

// registerConsole exposes console.log/warn/error backed by the service logger
func registerConsole(vm *goja.Runtime, logger *zap.Logger) error {
	logger = logger.Named("jsrunner")
	console := vm.NewObject()

	line := func(call goja.FunctionCall) string {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		return strings.Join(parts, " ")
	}

	levels := map[string]func(string, ...zap.Field){
		"log":   logger.Debug,
		"info":  logger.Info,
		"warn":  logger.Warn,
		"error": logger.Error,
	}
	for name, logFn := range levels {
		logFn := logFn
		if err := console.Set(name, func(call goja.FunctionCall) goja.Value {
			logFn(line(call), zap.String("source", "script"))
			return goja.Undefined()
		}); err != nil {
			return fmt.Errorf("failed to register console.%s: %w", name, err)
		}
	}
	return vm.Set("console", console)
}
