// Package jsrunner provides a split-join Service that runs a JavaScript
// function against every split message. Each worker owns one goja runtime.
//
// The script must define a function named by Config.Function (default
// "process") taking one message object:
//
//	function process(msg) {
//	    // msg.id, msg.payload (string), msg.metadata (object)
//	    return msg.payload.toUpperCase();
//	}
//
// The return value replaces the payload. A string is used as is, an object
// with a "payload" field may also carry a "metadata" object whose entries are
// merged into the message, undefined or null leaves the message unchanged and
// anything else is JSON encoded.
package jsrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wehubfusion/Hydra/pkg/message"
	"github.com/wehubfusion/Hydra/pkg/splitjoin"
)

// Security levels
const (
	SecurityLevelStrict     = "strict"
	SecurityLevelStandard   = "standard"
	SecurityLevelPermissive = "permissive"
)

// DefaultFunction is the entry point looked up after the script runs
const DefaultFunction = "process"

// Config configures the JavaScript service
type Config struct {
	// Script source evaluated once per runtime
	Script string
	// Function is the global function invoked for every message
	Function string
	// Timeout bounds a single call, zero relies on the invocation deadline only
	Timeout time.Duration
	// SecurityLevel is one of strict, standard or permissive
	SecurityLevel string
	// MaxCallStackSize limits recursion depth, zero keeps the goja default
	MaxCallStackSize int
}

// ApplyDefaults fills unset fields
func (c *Config) ApplyDefaults() {
	if c.Function == "" {
		c.Function = DefaultFunction
	}
	if c.SecurityLevel == "" {
		c.SecurityLevel = SecurityLevelStandard
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Script == "" {
		return fmt.Errorf("script is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	switch c.SecurityLevel {
	case SecurityLevelStrict, SecurityLevelStandard, SecurityLevelPermissive:
	default:
		return fmt.Errorf("invalid security level %q", c.SecurityLevel)
	}
	return nil
}

// Factory compiles the script once and returns a ServiceFactory handing out
// one runtime-backed Service per worker.
func Factory(cfg Config, logger *zap.Logger) (splitjoin.ServiceFactory, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	program, err := goja.Compile("script.js", cfg.Script, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}

	return func() (splitjoin.Service, error) {
		return &Service{config: cfg, program: program, logger: logger}, nil
	}, nil
}

// Service executes the compiled script on its own runtime.
// It reports itself invalid after an interrupted call so the pool replaces it.
type Service struct {
	config  Config
	program *goja.Program
	logger  *zap.Logger

	vm      *goja.Runtime
	fn      goja.Callable
	broken  atomic.Bool
	invoked atomic.Int64
}

// Init implements splitjoin.Service
func (s *Service) Init(ctx context.Context) error {
	if s.program == nil {
		return fmt.Errorf("no compiled program")
	}
	return nil
}

// Start creates the runtime, applies the sandbox and resolves the entry point
func (s *Service) Start(ctx context.Context) error {
	vm := goja.New()
	if s.config.MaxCallStackSize > 0 {
		vm.SetMaxCallStackSize(s.config.MaxCallStackSize)
	}

	if err := newSandbox(s.config.SecurityLevel).apply(vm); err != nil {
		return err
	}
	if err := registerConsole(vm, s.logger); err != nil {
		return err
	}

	if _, err := vm.RunProgram(s.program); err != nil {
		return fmt.Errorf("failed to evaluate script: %w", err)
	}

	fn, ok := goja.AssertFunction(vm.Get(s.config.Function))
	if !ok {
		return fmt.Errorf("script does not define function %q", s.config.Function)
	}

	s.vm = vm
	s.fn = fn
	return nil
}

// Execute calls the entry point with msg and applies its result
func (s *Service) Execute(ctx context.Context, msg *message.Message) error {
	if s.vm == nil {
		return fmt.Errorf("runtime not started")
	}
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		s.vm.Interrupt(ctx.Err())
	})

	s.invoked.Add(1)
	result, err := s.fn(goja.Undefined(), s.messageValue(msg))
	if !stop() {
		// the interrupt may land after the call returned
		s.broken.Store(true)
	}
	if err != nil {
		return s.classify(err)
	}
	return apply(msg, result)
}

// IsValid implements splitjoin.Validator
func (s *Service) IsValid() bool {
	return s.vm != nil && !s.broken.Load()
}

// Invocations returns how many calls this runtime served
func (s *Service) Invocations() int64 {
	return s.invoked.Load()
}

// Stop implements splitjoin.Service
func (s *Service) Stop(ctx context.Context) error {
	if s.vm != nil {
		s.vm.ClearInterrupt()
	}
	return nil
}

// Close releases the runtime
func (s *Service) Close(ctx context.Context) error {
	s.vm = nil
	s.fn = nil
	return nil
}

func (s *Service) messageValue(msg *message.Message) goja.Value {
	obj := s.vm.NewObject()
	meta := s.vm.NewObject()
	for k, v := range msg.Metadata {
		_ = meta.Set(k, v)
	}
	_ = obj.Set("id", msg.ID)
	_ = obj.Set("correlationId", msg.CorrelationID)
	_ = obj.Set("payload", string(msg.Payload))
	_ = obj.Set("metadata", meta)
	return obj
}

func (s *Service) classify(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		s.broken.Store(true)
		if cause, ok := interrupted.Value().(error); ok {
			return fmt.Errorf("script interrupted: %w", cause)
		}
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return fmt.Errorf("script error: %s", exception.Error())
	}
	return err
}

// apply writes the script result back onto msg
func apply(msg *message.Message, result goja.Value) error {
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil
	}

	switch v := result.Export().(type) {
	case string:
		msg.WithStringPayload(v)
	case map[string]interface{}:
		if payload, ok := v["payload"]; ok {
			if err := setPayload(msg, payload); err != nil {
				return err
			}
			if meta, ok := v["metadata"].(map[string]interface{}); ok {
				for k, val := range meta {
					msg.WithMetadata(k, fmt.Sprint(val))
				}
			}
			return nil
		}
		return setPayload(msg, v)
	default:
		return setPayload(msg, v)
	}
	return nil
}

func setPayload(msg *message.Message, v interface{}) error {
	if s, ok := v.(string); ok {
		msg.WithStringPayload(s)
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode script result: %w", err)
	}
	msg.WithPayload(b)
	return nil
}

var (
	_ splitjoin.Service   = (*Service)(nil)
	_ splitjoin.Validator = (*Service)(nil)
)
