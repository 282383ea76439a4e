// Package access decides whether a token may use a model, by evaluating Rego
// policies with OPA.
package access

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/af-corp/llm-relay/internal/config"
)

const query = "[data.relay.access.allow, data.relay.access.reason]"

//go:embed default.rego
var defaultPolicy string

// Input is the document policies see as `input`.
type Input struct {
	Token   TokenInput   `json:"token"`
	Request RequestInput `json:"request"`
	Time    TimeInput    `json:"time"`
}

type TokenInput struct {
	Tier string `json:"tier"`
}

type RequestInput struct {
	Model    string `json:"model"`
	Premium  bool   `json:"premium"`
	Provider string `json:"provider,omitempty"`
}

type TimeInput struct {
	Hour int    `json:"hour"`
	Day  string `json:"day"`
}

// Decision is a policy verdict.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluator holds the compiled policy.
type Evaluator struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      config.PolicyConfig
	logger   *slog.Logger
}

// NewEvaluator creates an evaluator. Call Load to compile policies.
func NewEvaluator(cfg config.PolicyConfig, logger *slog.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, logger: logger}
}

// Load compiles the .rego files under the bundle path, or the built-in policy
// when no bundle path is configured.
func (e *Evaluator) Load(ctx context.Context) error {
	if e.cfg.BundlePath == "" {
		return e.LoadFromModules(ctx, map[string]string{"default.rego": defaultPolicy})
	}
	modules, err := LoadRegoFiles(e.cfg.BundlePath)
	if err != nil {
		return fmt.Errorf("load rego files: %w", err)
	}
	if len(modules) == 0 {
		return fmt.Errorf("no rego files found in %s", e.cfg.BundlePath)
	}
	return e.LoadFromModules(ctx, modules)
}

// LoadFromModules compiles policies from module sources keyed by file name.
func (e *Evaluator) LoadFromModules(ctx context.Context, modules map[string]string) error {
	opts := []func(*rego.Rego){rego.Query(query)}
	for name, src := range modules {
		opts = append(opts, rego.Module(name, src))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()

	e.logger.Info("access policies loaded", "modules", len(modules))
	return nil
}

// Evaluate runs the policy. Without a compiled policy every request is denied.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) (Decision, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		return Decision{Reason: "no policies loaded"}, nil
	}

	timeout := e.cfg.EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Reason: "no policy result"}, nil
	}

	arr, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{Reason: "unexpected policy result format"}, nil
	}
	allowed, _ := arr[0].(bool)
	reason, _ := arr[1].(string)
	return Decision{Allowed: allowed, Reason: reason}, nil
}

// Allow builds the input for one request and evaluates it. Evaluation errors
// deny the request.
func (e *Evaluator) Allow(ctx context.Context, tier string, req RequestInput) Decision {
	now := time.Now().UTC()
	d, err := e.Evaluate(ctx, Input{
		Token:   TokenInput{Tier: tier},
		Request: req,
		Time:    TimeInput{Hour: now.Hour(), Day: now.Weekday().String()},
	})
	if err != nil {
		e.logger.Error("policy evaluation failed", "error", err, "model", req.Model)
		return Decision{Reason: "policy evaluation failed"}
	}
	return d
}

// LoadRegoFiles reads all .rego files from the given directory.
func LoadRegoFiles(dir string) (map[string]string, error) {
	modules := make(map[string]string)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		modules[entry.Name()] = string(data)
	}
	return modules, nil
}
