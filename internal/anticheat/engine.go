// Package anticheat classifies heartbeat drift with a rego policy.
package anticheat

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

const verdictQuery = "data.focus.anomaly.verdict"

//go:embed policies/*.rego
var embeddedPolicies embed.FS

// Reasons produced by the default policy.
const (
	ReasonWithinTolerance = "within_tolerance"
	ReasonClientAhead     = "client_ahead"
	ReasonClientBehind    = "client_behind"
)

// Input is the document a policy sees as `input`.
type Input struct {
	DriftMs            int64  `json:"drift_ms"`
	ThresholdMs        int64  `json:"threshold_ms"`
	ServerElapsedMs    int64  `json:"server_elapsed_ms"`
	ClientElapsedMs    int64  `json:"client_elapsed_ms"`
	ClientReportedAtMs int64  `json:"client_reported_at_ms"`
	ServerTimeMs       int64  `json:"server_time_ms"`
	Status             string `json:"status"`
}

// Verdict is a policy decision for one heartbeat.
type Verdict struct {
	Suspicious bool   `json:"suspicious"`
	Reason     string `json:"reason"`
}

// ThresholdVerdict applies the plain drift threshold without a policy.
func ThresholdVerdict(in Input) Verdict {
	if in.DriftMs <= in.ThresholdMs {
		return Verdict{Reason: ReasonWithinTolerance}
	}
	if in.ClientElapsedMs > in.ServerElapsedMs {
		return Verdict{Suspicious: true, Reason: ReasonClientAhead}
	}
	return Verdict{Suspicious: true, Reason: ReasonClientBehind}
}

// Engine wraps the OPA rego engine for drift classification
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
}

// NewEngine compiles the drift policy. An empty policyDir uses the built-in policy.
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	if err := e.prepare(); err != nil {
		return nil, fmt.Errorf("failed to prepare anomaly policy: %w", err)
	}

	source := policyDir
	if source == "" {
		source = "embedded"
	}
	e.logger.Info().Str("policy_source", source).Msg("Anomaly policy engine initialized")

	return e, nil
}

// loadPolicies returns policy sources keyed by file name
func (e *Engine) loadPolicies() (map[string]string, error) {
	modules := make(map[string]string)

	if e.policyDir == "" {
		files, err := embeddedPolicies.ReadDir("policies")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded policies: %w", err)
		}
		for _, f := range files {
			content, err := embeddedPolicies.ReadFile("policies/" + f.Name())
			if err != nil {
				return nil, fmt.Errorf("failed to read embedded policy %s: %w", f.Name(), err)
			}
			modules[f.Name()] = string(content)
		}
		return modules, nil
	}

	files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.policyDir)
	}

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}
		modules[file] = string(content)
	}

	return modules, nil
}

// prepare parses and compiles the policies, swapping the prepared query on success
func (e *Engine) prepare() error {
	sources, err := e.loadPolicies()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := []func(*rego.Rego){rego.Query(verdictQuery)}
	for _, name := range names {
		// Parse first so syntax errors name the file
		module, err := ast.ParseModule(name, sources[name])
		if err != nil {
			return fmt.Errorf("failed to parse policy file %s: %w", name, err)
		}
		e.logger.Debug().Str("file", name).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
		opts = append(opts, rego.Module(name, sources[name]))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare verdict query: %w", err)
	}

	e.mu.Lock()
	e.query = query
	e.mu.Unlock()

	return nil
}

// Evaluate classifies one heartbeat
func (e *Engine) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return Verdict{}, fmt.Errorf("verdict query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration", time.Since(startTime)).Msg("Verdict query evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Verdict{}, fmt.Errorf("no results from verdict query")
	}

	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to marshal verdict: %w", err)
	}

	var verdict Verdict
	if err := json.Unmarshal(resultBytes, &verdict); err != nil {
		return Verdict{}, fmt.Errorf("failed to unmarshal verdict: %w", err)
	}

	return verdict, nil
}

// Reload recompiles policies from their source. The previous policy stays
// in effect if the new one fails to compile.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading anomaly policies")

	if err := e.prepare(); err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	e.logger.Info().Msg("Anomaly policies reloaded successfully")
	return nil
}
