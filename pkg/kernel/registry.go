package kernel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
	"github.com/Mindburn-Labs/dashkernel/pkg/kernel/errorir"
	"github.com/Mindburn-Labs/dashkernel/pkg/querycache"
)

// Policy decides what happens when a command arrives while another lane of
// the same type is still running.
type Policy int

const (
	// PolicyEvery runs every lane to completion independently.
	PolicyEvery Policy = iota
	// PolicyLatest cancels the running lane; only the newest lane emits an event.
	PolicyLatest
)

func (p Policy) String() string {
	switch p {
	case PolicyLatest:
		return "latest"
	default:
		return "every"
	}
}

// Handler processes one command inside a lane. The returned value becomes the
// payload of the resolved event; a returned error becomes the failure event.
type Handler func(t *Task, cmd contracts.Command) (any, error)

// QueryHandler computes a query value. Its task is read-only.
type QueryHandler func(t *Task, q contracts.Query) (any, error)

// CommandRegistration binds a command tag to its handler.
type CommandRegistration struct {
	Type    contracts.CommandType
	Policy  Policy
	Handler Handler
	// Schema is an optional JSON schema (draft 2020-12) for the payload.
	Schema string
	// LaneKey partitions PolicyLatest supersede: a new lane only supersedes
	// a running lane of the same type with the same key. Nil means one
	// partition per type.
	LaneKey func(contracts.Command) string

	compiled *jsonschema.Schema
}

// QueryRegistration binds a query tag to its handler and cache policy.
type QueryRegistration struct {
	Type    contracts.QueryType
	Handler QueryHandler
	Cache   querycache.Policy
}

// Registry is the static tag-to-handler table built at startup.
type Registry struct {
	mu       sync.RWMutex
	commands map[contracts.CommandType]*CommandRegistration
	queries  map[contracts.QueryType]*QueryRegistration
}

// NewRegistry returns a registry holding the built-in lane cancel command.
func NewRegistry() *Registry {
	r := &Registry{
		commands: make(map[contracts.CommandType]*CommandRegistration),
		queries:  make(map[contracts.QueryType]*QueryRegistration),
	}
	// The built-in registration is static and known to be valid.
	if err := r.RegisterCommand(CommandRegistration{
		Type:    contracts.CommandLaneCancel,
		Policy:  PolicyEvery,
		Handler: cancelLane,
		Schema:  cancelSchema,
	}); err != nil {
		panic(err)
	}
	return r
}

// RegisterCommand adds a command registration. Tags must be namespaced and unique.
func (r *Registry) RegisterCommand(reg CommandRegistration) error {
	if !reg.Type.Valid() {
		return fmt.Errorf("kernel: command tag %q must start with %s", reg.Type, contracts.CommandPrefix)
	}
	if reg.Handler == nil {
		return fmt.Errorf("kernel: command %s has no handler", reg.Type)
	}
	if reg.Schema != "" {
		compiled, err := compileSchema(string(reg.Type), reg.Schema)
		if err != nil {
			return err
		}
		reg.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.commands[reg.Type]; dup {
		return fmt.Errorf("kernel: command %s registered twice", reg.Type)
	}
	r.commands[reg.Type] = &reg
	return nil
}

// RegisterQuery adds a query registration.
func (r *Registry) RegisterQuery(reg QueryRegistration) error {
	if reg.Type == "" || reg.Handler == nil {
		return fmt.Errorf("kernel: query registration needs a type and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.queries[reg.Type]; dup {
		return fmt.Errorf("kernel: query %s registered twice", reg.Type)
	}
	r.queries[reg.Type] = &reg
	return nil
}

// Resolve returns the registration for t or an UnknownCommand error with the
// closest registered tag as suggestion.
func (r *Registry) Resolve(t contracts.CommandType) (*CommandRegistration, error) {
	r.mu.RLock()
	reg, ok := r.commands[t]
	r.mu.RUnlock()
	if !ok {
		return nil, errorir.UnknownCommand(string(t), r.suggest(string(t)))
	}
	return reg, nil
}

// Query returns the registration for a query tag.
func (r *Registry) Query(t contracts.QueryType) (*QueryRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.queries[t]
	return reg, ok
}

// CommandTypes lists registered command tags in sorted order.
func (r *Registry) CommandTypes() []contracts.CommandType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.CommandType, 0, len(r.commands))
	for t := range r.commands {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// QueryTypes lists registered query tags in sorted order.
func (r *Registry) QueryTypes() []contracts.QueryType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contracts.QueryType, 0, len(r.queries))
	for t := range r.queries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Policy returns the lane policy of a registered command.
func (r *Registry) Policy(t contracts.CommandType) (Policy, bool) {
	reg, err := r.Resolve(t)
	if err != nil {
		return PolicyEvery, false
	}
	return reg.Policy, true
}

// maxSuggestionDistance bounds how different a suggested tag may be.
const maxSuggestionDistance = 6

func (r *Registry) suggest(tag string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	best, bestDist := "", maxSuggestionDistance+1
	for t := range r.commands {
		d := levenshtein.ComputeDistance(strings.ToUpper(tag), string(t))
		if d < bestDist || (d == bestDist && string(t) < best) {
			best, bestDist = string(t), d
		}
	}
	return best
}

// validate checks the payload against the registration schema.
func (reg *CommandRegistration) validate(cmd contracts.Command) error {
	if reg.compiled == nil {
		return nil
	}
	var doc any = map[string]any{}
	if len(cmd.Payload) > 0 && string(cmd.Payload) != "null" {
		dec := json.NewDecoder(bytes.NewReader(cmd.Payload))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return errorir.InvalidArguments(string(cmd.Type), "payload is not JSON: %v", err)
		}
	}
	if err := reg.compiled.Validate(doc); err != nil {
		return errorir.InvalidArguments(string(cmd.Type), "payload: %v", err)
	}
	return nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://dashkernel.schemas.local/commands/%s.schema.json",
		strings.ReplaceAll(strings.ToLower(name), "/", "_"))
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("kernel: schema for %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("kernel: schema for %s: %w", name, err)
	}
	return compiled, nil
}

// latestKey is the supersede partition of cmd. A panicking LaneKey falls back
// to the type-wide partition.
func (reg *CommandRegistration) latestKey(cmd contracts.Command) (key string) {
	key = string(cmd.Type)
	if reg.LaneKey == nil {
		return key
	}
	defer func() {
		if recover() != nil {
			key = string(cmd.Type)
		}
	}()
	return string(cmd.Type) + "#" + reg.LaneKey(cmd)
}
