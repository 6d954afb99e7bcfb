package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"opensase/sase-policy/pkg/cli"
	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/engine"
	"opensase/sase-policy/pkg/policy/source"
	"opensase/sase-policy/pkg/server"
	"opensase/sase-policy/pkg/telemetry/logging"
)

var evalFlags struct {
	rules    string
	failMode string
	flows    string
	format   string
	flow     server.DecideRequest
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate flows against a rule set",
	Long: `Load a rule file or directory into a local engine and print the decision
for one flow given by flags, or for many flows read as JSON lines.

Each JSON line has the shape of a POST /v1/decide body:
  {"src_ip":"10.0.0.5","dst_ip":"1.1.1.1","dst_port":443,"protocol":"tcp"}

Examples:
  # One flow
  sase-policy eval --rules rules.yaml --src 10.0.0.5 --dst 1.1.1.1 --dport 443 --proto tcp

  # Many flows, table output
  sase-policy eval --rules rules.d/ --flows flows.jsonl

  # Flows from stdin, fail closed
  cat flows.jsonl | sase-policy eval --rules rules.yaml --flows - --fail-mode fail-closed`,
	RunE: evalFlows,
}

func init() {
	rootCmd.AddCommand(evalCmd)

	f := evalCmd.Flags()
	f.StringVarP(&evalFlags.rules, "rules", "r", "", "rule file or directory (defaults to rules.path from config)")
	f.StringVar(&evalFlags.failMode, "fail-mode", "", "override engine.fail_mode: fail-open, fail-closed")
	f.StringVar(&evalFlags.flows, "flows", "", "JSON lines file of flows, - for stdin")
	f.StringVar(&evalFlags.format, "format", "text", "output format: text, json, yaml, csv")
	f.StringVar(&evalFlags.flow.SrcIP, "src", "", "source address")
	f.StringVar(&evalFlags.flow.DstIP, "dst", "", "destination address")
	f.Uint16Var(&evalFlags.flow.SrcPort, "sport", 0, "source port")
	f.Uint16Var(&evalFlags.flow.DstPort, "dport", 0, "destination port")
	f.StringVar(&evalFlags.flow.Protocol, "proto", "", "protocol name or number")
	f.Uint8Var(&evalFlags.flow.SrcSegment, "src-segment", 0, "source segment")
	f.Uint8Var(&evalFlags.flow.DstSegment, "dst-segment", 0, "destination segment")
	f.Uint8Var(&evalFlags.flow.UserGroup, "group", 0, "user group")
}

// EvalResult is the decision for one flow.
type EvalResult struct {
	Flow     string                `json:"flow" yaml:"flow"`
	Decision server.DecideResponse `json:"decision" yaml:"decision"`
}

// EvalResults implements cli.Table.
type EvalResults []EvalResult

// Header implements cli.Table.
func (r EvalResults) Header() []string {
	return []string{"FLOW", "ACTION", "INSPECTION", "RULE", "PRIORITY", "FLAGS"}
}

// Rows implements cli.Table.
func (r EvalResults) Rows() [][]string {
	rows := make([][]string, 0, len(r))
	for _, res := range r {
		d := res.Decision
		rule := "default"
		if d.Matched {
			rule = strconv.FormatUint(uint64(d.RuleID), 10)
		}
		rows = append(rows, []string{
			res.Flow,
			d.Action.String(),
			d.Inspection.String(),
			rule,
			strconv.FormatUint(uint64(d.Priority), 10),
			strings.Join(d.Flags, ","),
		})
	}
	return rows
}

func evalFlows(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(evalFlags.format)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if evalFlags.failMode != "" {
		cfg.Engine.FailMode = evalFlags.failMode
	}
	path := evalFlags.rules
	if path == "" {
		path = cfg.Rules.Path
	}
	if path == "" {
		return fmt.Errorf("--rules or rules.path must be set")
	}

	engCfg, err := cfg.Engine.EngineOptions()
	if err != nil {
		return cli.NewConfigError("engine", err.Error())
	}
	eng, err := loadEngine(cmd.Context(), engCfg, path)
	if err != nil {
		return cli.NewCommandError("eval", err)
	}

	var requests []server.DecideRequest
	if evalFlags.flows != "" {
		requests, err = readFlows(cmd.InOrStdin(), evalFlags.flows)
		if err != nil {
			return err
		}
	} else {
		requests = []server.DecideRequest{evalFlags.flow}
	}

	results := make(EvalResults, 0, len(requests))
	for i := range requests {
		key, err := requests[i].Key()
		if err != nil {
			return fmt.Errorf("flow %d: %w", i+1, err)
		}
		d, elapsed := eng.LookupTimed(key)
		results = append(results, EvalResult{
			Flow:     key.String(),
			Decision: decideResponse(d, eng.Version(), elapsed.Nanoseconds()),
		})
	}

	var data any = results
	if len(results) == 1 && format != cli.FormatText && format != cli.FormatCSV {
		data = results[0]
	}
	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), data)
}

// loadEngine builds a quiet engine holding the rules under path.
func loadEngine(ctx context.Context, cfg *engine.Config, path string) (*engine.Engine, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.Discard()
	rs, err := source.NewFileSource(path, logger).Load(ctx)
	if err != nil {
		return nil, err
	}
	return engine.NewWithRules(cfg, logger, rs)
}

func decideResponse(d policy.PolicyDecision, version uint64, latencyNS int64) server.DecideResponse {
	return server.DecideResponse{
		Action:       d.Action,
		Inspection:   d.Inspection,
		Priority:     d.Priority,
		RateLimitPPS: d.RateLimitPPS,
		RuleID:       d.RuleID,
		Flags:        d.Flags.Names(),
		Version:      version,
		Matched:      d.RuleID != 0,
		LatencyNS:    latencyNS,
	}
}

func readFlows(stdin io.Reader, path string) ([]server.DecideRequest, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open flows: %w", err)
		}
		defer f.Close()
		r = f
	}

	var out []server.DecideRequest
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text))
		dec.DisallowUnknownFields()
		var req server.DecideRequest
		if err := dec.Decode(&req); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, req)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read flows: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no flows in %s", path)
	}
	return out, nil
}
