package circuits

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/autosage/internal/tools"
	"github.com/haasonsaas/autosage/pkg/models"
)

// Analysis is an ngspice analysis type.
type Analysis string

const (
	AnalysisOp   Analysis = "op"
	AnalysisTran Analysis = "tran"
	AnalysisAC   Analysis = "ac"
	AnalysisDC   Analysis = "dc"
)

// SimulateInput is the input of circuits.simulate.
type SimulateInput struct {
	Netlist   string          `json:"netlist"`
	Analysis  Analysis        `json:"analysis"`
	Probes    []string        `json:"probes"`
	Options   AnalysisOptions `json:"options"`
	TimeoutMs int64           `json:"timeout_ms"`
}

// AnalysisOptions holds per-analysis parameters.
type AnalysisOptions struct {
	Tran *TranOptions `json:"tran,omitempty"`
	AC   *ACOptions   `json:"ac,omitempty"`
	DC   *DCOptions   `json:"dc,omitempty"`
}

// TranOptions configures a transient analysis.
type TranOptions struct {
	Step   float64 `json:"step"`
	TStop  float64 `json:"tstop"`
	TStart float64 `json:"tstart,omitempty"`
}

// ACOptions configures a small-signal AC sweep.
type ACOptions struct {
	Variation string  `json:"variation"`
	Points    int     `json:"points"`
	FStart    float64 `json:"fstart"`
	FStop     float64 `json:"fstop"`
}

// DCOptions configures a DC sweep.
type DCOptions struct {
	Source string  `json:"source"`
	Start  float64 `json:"start"`
	Stop   float64 `json:"stop"`
	Step   float64 `json:"step"`
}

const simulateSchema = `{
	"type": "object",
	"properties": {
		"netlist": {"type": "string", "minLength": 1},
		"analysis": {"type": "string", "enum": ["op", "tran", "ac", "dc"]},
		"probes": {"type": "array", "items": {"type": "string"}},
		"options": {"type": "object"},
		"timeout_ms": {"type": "integer", "minimum": 1}
	},
	"required": ["netlist"]
}`

// Simulate runs a netlist through ngspice in batch mode.
type Simulate struct {
	cfg Config
}

// Descriptor implements tools.Tool.
func (t *Simulate) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "circuits.simulate",
		Description: "Simulate a SPICE netlist with ngspice (op, tran, ac or dc analysis) and collect the raw output and log.",
		InputSchema: json.RawMessage(simulateSchema),
		Stability:   tools.StabilityStable,
		Version:     "1.0.0",
		Tags:        []string{"circuits", "ngspice", "simulation"},
	}
}

// Execute implements tools.Tool.
func (t *Simulate) Execute(ctx context.Context, call *tools.Call) (any, error) {
	var input SimulateInput
	if err := call.Decode(&input); err != nil {
		return nil, err
	}
	deck, err := BuildDeck(input)
	if err != nil {
		return nil, err
	}

	s, err := newSession(t.cfg, call)
	if err != nil {
		return nil, err
	}
	defer s.cleanup()

	if err := s.writeFile("circuit.cir", deck); err != nil {
		return nil, err
	}
	run, err := s.run(ctx, time.Duration(input.TimeoutMs)*time.Millisecond,
		"-b", "-r", "ngspice.raw", "-o", "ngspice.log", "circuit.cir")
	if err != nil {
		return nil, err
	}

	log := s.readLog("ngspice.log")
	analysis := input.Analysis
	if analysis == "" {
		analysis = AnalysisOp
	}
	result := processResult(run, fmt.Sprintf("ngspice %s analysis completed", analysis), s.artifacts())
	result.SetMetric("analysis", string(analysis))
	result.SetMetric("probes", len(input.Probes))
	output, _ := json.Marshal(map[string]any{
		"analysis":    analysis,
		"probes":      input.Probes,
		"log_excerpt": logExcerpt(log, logExcerptLines),
	})
	result.Output = output

	if run.ExitCode != 0 || logHasErrors(log) {
		markFailed(result, models.ErrSolverFailed, "ngspice reported simulation errors")
	}
	return result, nil
}

// BuildDeck renders the ngspice input deck for a simulation request.
func BuildDeck(input SimulateInput) (string, error) {
	netlist := strings.TrimSpace(input.Netlist)
	if netlist == "" {
		return "", tools.NewError(models.ErrInvalidRequest, "netlist must be a non-empty string")
	}

	var b strings.Builder
	b.WriteString("* autosage circuits.simulate\n")
	for _, line := range strings.Split(netlist, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.EqualFold(trimmed, ".end") {
			continue
		}
		b.WriteString(strings.TrimRight(line, "\r"))
		b.WriteString("\n")
	}

	analysis := input.Analysis
	if analysis == "" {
		analysis = AnalysisOp
	}
	card, err := analysisCard(analysis, input.Options)
	if err != nil {
		return "", err
	}
	b.WriteString(card)
	b.WriteString("\n")
	if len(input.Probes) > 0 && analysis != AnalysisOp {
		b.WriteString(".print ")
		b.WriteString(string(analysis))
		for _, probe := range input.Probes {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(probe))
		}
		b.WriteString("\n")
	}
	b.WriteString(".end\n")
	return b.String(), nil
}

func analysisCard(analysis Analysis, opts AnalysisOptions) (string, error) {
	switch analysis {
	case AnalysisOp:
		return ".op", nil
	case AnalysisTran:
		if opts.Tran == nil || opts.Tran.Step <= 0 || opts.Tran.TStop <= 0 {
			return "", tools.NewError(models.ErrInvalidRequest, "tran analysis requires options.tran.step and options.tran.tstop > 0")
		}
		card := ".tran " + num(opts.Tran.Step) + " " + num(opts.Tran.TStop)
		if opts.Tran.TStart > 0 {
			card += " " + num(opts.Tran.TStart)
		}
		return card, nil
	case AnalysisAC:
		ac := opts.AC
		if ac == nil || ac.Points <= 0 || ac.FStart <= 0 || ac.FStop <= ac.FStart {
			return "", tools.NewError(models.ErrInvalidRequest, "ac analysis requires options.ac.points > 0 and 0 < fstart < fstop")
		}
		variation := strings.ToLower(ac.Variation)
		switch variation {
		case "":
			variation = "dec"
		case "dec", "oct", "lin":
		default:
			return "", tools.NewError(models.ErrInvalidRequest, "options.ac.variation must be dec, oct or lin")
		}
		return fmt.Sprintf(".ac %s %d %s %s", variation, ac.Points, num(ac.FStart), num(ac.FStop)), nil
	case AnalysisDC:
		dc := opts.DC
		if dc == nil || strings.TrimSpace(dc.Source) == "" || dc.Step == 0 {
			return "", tools.NewError(models.ErrInvalidRequest, "dc analysis requires options.dc.source and a non-zero step")
		}
		return fmt.Sprintf(".dc %s %s %s %s", dc.Source, num(dc.Start), num(dc.Stop), num(dc.Step)), nil
	default:
		return "", tools.NewError(models.ErrInvalidRequest, "unsupported analysis %q", analysis)
	}
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ValidateNetlist checks that ngspice can parse a netlist.
type ValidateNetlist struct {
	cfg Config
}

// Descriptor implements tools.Tool.
func (t *ValidateNetlist) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "circuits.validate_netlist",
		Description: "Parse a netlist with ngspice in batch mode and report any errors found in its log.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"netlist_text": {"type": "string"}},
			"required": ["netlist_text"]
		}`),
		Stability: tools.StabilityStable,
		Version:   "1.0.0",
		Tags:      []string{"circuits", "ngspice", "validation"},
	}
}

// Execute implements tools.Tool.
func (t *ValidateNetlist) Execute(ctx context.Context, call *tools.Call) (any, error) {
	var input struct {
		NetlistText string `json:"netlist_text"`
	}
	if err := call.Decode(&input); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.NetlistText) == "" {
		return nil, tools.NewError(models.ErrInvalidRequest, "netlist_text must be a non-empty string")
	}

	s, err := newSession(t.cfg, call)
	if err != nil {
		return nil, err
	}
	defer s.cleanup()

	if err := s.writeFile("input.cir", input.NetlistText); err != nil {
		return nil, err
	}
	run, err := s.run(ctx, 0, "-b", "-o", "validate.log", "input.cir")
	if err != nil {
		return nil, err
	}
	log := s.readLog("validate.log")
	result := processResult(run, "netlist is valid", s.artifacts())
	if run.ExitCode != 0 || logHasErrors(log) {
		markFailed(result, models.ErrValidationFailed, "ngspice reported validation errors")
		if log != "" {
			result.SetMetric("log_excerpt", logExcerpt(log, logExcerptLines))
		}
	}
	return result, nil
}

// Version reports the installed ngspice version.
type Version struct {
	cfg Config
}

// Descriptor implements tools.Tool.
func (t *Version) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "circuits.version",
		Description: "Report the ngspice version available to the server.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		Stability:   tools.StabilityStable,
		Version:     "1.0.0",
		Tags:        []string{"circuits", "ngspice", "diagnostics"},
	}
}

// Execute implements tools.Tool.
func (t *Version) Execute(ctx context.Context, call *tools.Call) (any, error) {
	s, err := newSession(t.cfg, call)
	if err != nil {
		return nil, err
	}
	defer s.cleanup()

	run, err := s.run(ctx, 0, "-v")
	if err != nil {
		return nil, err
	}
	if run.ExitCode != 0 {
		if run, err = s.run(ctx, 0, "-V"); err != nil {
			return nil, err
		}
	}
	version := parseVersion(run.Stdout + "\n" + run.Stderr)
	result := processResult(run, "ngspice "+version, []models.Artifact{})
	result.SetMetric("version", version)
	if run.ExitCode != 0 {
		markFailed(result, models.ErrProcessFailed, "ngspice version command failed")
	}
	return result, nil
}

func parseVersion(output string) string {
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		idx := strings.Index(lower, "ngspice-")
		if idx < 0 {
			continue
		}
		fields := strings.Fields(line[idx+len("ngspice-"):])
		if len(fields) > 0 {
			return strings.Trim(fields[0], " :,")
		}
	}
	return "unknown"
}

// smokeNetlist is a small RC circuit that any working ngspice can simulate.
const smokeNetlist = `* ngspice smoke test
V1 in 0 DC 1
R1 in out 1k
C1 out 0 1u
.tran 1u 1m
.end
`

// Smoketest runs a tiny transient simulation to prove the solver works.
type Smoketest struct {
	cfg Config
}

// Descriptor implements tools.Tool.
func (t *Smoketest) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "circuits.smoketest",
		Description: "Run a built-in RC transient simulation to check that ngspice works end to end.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
		Stability:   tools.StabilityExperimental,
		Version:     "1.0.0",
		Tags:        []string{"circuits", "ngspice", "diagnostics"},
	}
}

// Execute implements tools.Tool.
func (t *Smoketest) Execute(ctx context.Context, call *tools.Call) (any, error) {
	s, err := newSession(t.cfg, call)
	if err != nil {
		return nil, err
	}
	defer s.cleanup()

	if err := s.writeFile("smoke.cir", smokeNetlist); err != nil {
		return nil, err
	}
	run, err := s.run(ctx, 0, "-b", "-r", "smoke.raw", "-o", "smoke.log", "smoke.cir")
	if err != nil {
		return nil, err
	}
	artifacts := s.artifacts()
	produced := 0
	for _, artifact := range artifacts {
		if artifact.Name != "smoke.cir" {
			produced++
		}
	}
	result := processResult(run, "ngspice smoketest passed", artifacts)
	if run.ExitCode != 0 || produced == 0 {
		markFailed(result, models.ErrProcessFailed, "ngspice smoketest failed")
	}
	return result, nil
}
