package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"opensase/sase-policy/pkg/cli"
	"opensase/sase-policy/pkg/config"
	"opensase/sase-policy/pkg/policy"
	"opensase/sase-policy/pkg/policy/rules"
	"opensase/sase-policy/pkg/policy/source"
	"opensase/sase-policy/pkg/policy/store"
)

var lintFlags struct {
	files            []string
	strict           bool
	format           string
	maxRules         int
	maxPortExpansion int
}

var lintCmd = &cobra.Command{
	Use:   "lint [path...]",
	Short: "Validate rule documents",
	Long: `Validate rule documents the way the engine would load them.

Each document is parsed and compiled; the combined rule set is then checked
for duplicate ids across files and for the rule-count limit. Warnings are
reported for:
  - rules shadowed by an earlier catch-all rule
  - rules restricting neither protocol nor a narrow destination port range,
    which disable the lookup prefilter

Paths may be files or directories; directories are searched recursively for
.yaml, .yml and .json files.

Examples:
  # Lint one file
  sase-policy lint rules.yaml

  # Lint a directory, failing on warnings
  sase-policy lint --strict rules.d/

  # JSON output for CI
  sase-policy lint --format json rules.yaml`,
	RunE: lintRules,
}

func init() {
	rootCmd.AddCommand(lintCmd)

	lintCmd.Flags().StringSliceVarP(&lintFlags.files, "file", "f", nil, "rule file or directory (repeatable)")
	lintCmd.Flags().BoolVar(&lintFlags.strict, "strict", false, "treat warnings as errors")
	lintCmd.Flags().StringVar(&lintFlags.format, "format", "text", "output format: text, json, yaml, csv")
	lintCmd.Flags().IntVar(&lintFlags.maxRules, "max-rules", config.DefaultMaxRules, "maximum rules in the combined set")
	lintCmd.Flags().IntVar(&lintFlags.maxPortExpansion, "max-port-expansion", config.DefaultMaxPortExpansion, "widest destination port range the prefilter indexes")
}

// LintIssue is one finding.
type LintIssue struct {
	File     string `json:"file" yaml:"file"`
	RuleID   uint32 `json:"rule_id,omitempty" yaml:"rule_id,omitempty"`
	Field    string `json:"field,omitempty" yaml:"field,omitempty"`
	Message  string `json:"message" yaml:"message"`
	Severity string `json:"severity" yaml:"severity"`
}

// LintReport is the result of a lint run.
type LintReport struct {
	Files    []string    `json:"files" yaml:"files"`
	Rules    int         `json:"rules" yaml:"rules"`
	Errors   int         `json:"errors" yaml:"errors"`
	Warnings int         `json:"warnings" yaml:"warnings"`
	Issues   []LintIssue `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// Header implements cli.Table.
func (r *LintReport) Header() []string {
	return []string{"SEVERITY", "FILE", "RULE", "FIELD", "MESSAGE"}
}

// Rows implements cli.Table.
func (r *LintReport) Rows() [][]string {
	rows := make([][]string, 0, len(r.Issues))
	for _, is := range r.Issues {
		id := ""
		if is.RuleID != 0 {
			id = strconv.FormatUint(uint64(is.RuleID), 10)
		}
		rows = append(rows, []string{is.Severity, is.File, id, is.Field, is.Message})
	}
	return rows
}

func (r *LintReport) add(is LintIssue) {
	r.Issues = append(r.Issues, is)
	if is.Severity == "error" {
		r.Errors++
	} else {
		r.Warnings++
	}
}

func lintRules(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(lintFlags.format)
	if err != nil {
		return err
	}
	paths := append(slices.Clone(lintFlags.files), args...)
	if len(paths) == 0 {
		return fmt.Errorf("at least one rule file or directory must be specified")
	}

	files, err := ruleFiles(paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no rule files found")
	}

	report := lint(files, lintFlags.maxRules, lintFlags.maxPortExpansion)
	if lintFlags.strict {
		for i := range report.Issues {
			if report.Issues[i].Severity == "warning" {
				report.Issues[i].Severity = "error"
			}
		}
		report.Errors += report.Warnings
		report.Warnings = 0
	}

	out := cmd.OutOrStdout()
	if format == cli.FormatText {
		printLintText(cmd, report)
	} else if err := cli.NewFormatter(format).FormatTo(out, report); err != nil {
		return err
	}

	if report.Errors > 0 {
		return cli.NewCommandError("lint", fmt.Errorf("%d error(s) in %d file(s)", report.Errors, len(files))).
			WithCode(cli.ExitInvalid)
	}
	return nil
}

func lint(files []string, maxRules, maxPortExpansion int) *LintReport {
	report := &LintReport{Files: files}
	var combined []policy.PolicyRule
	origin := make(map[uint32]string)

	for _, f := range files {
		doc, err := rules.ParseFile(f)
		if err != nil {
			report.add(LintIssue{File: f, Message: err.Error(), Severity: "error"})
			continue
		}
		compiled, err := doc.Compile()
		var ce *rules.CompileError
		if errors.As(err, &ce) {
			for _, fe := range ce.Errors {
				report.add(LintIssue{File: f, RuleID: fe.RuleID, Field: fe.Field, Message: fe.Message, Severity: "error"})
			}
			continue
		} else if err != nil {
			report.add(LintIssue{File: f, Message: err.Error(), Severity: "error"})
			continue
		}

		for _, r := range compiled {
			if prev, dup := origin[r.ID]; dup {
				report.add(LintIssue{File: f, RuleID: r.ID, Field: "id", Message: "also defined in " + prev, Severity: "error"})
				continue
			}
			origin[r.ID] = f
			combined = append(combined, r)
		}
	}

	report.Rules = len(combined)
	if len(combined) > maxRules {
		report.add(LintIssue{
			File:     strings.Join(files, ","),
			Message:  fmt.Sprintf("%d rules exceed the limit of %d", len(combined), maxRules),
			Severity: "error",
		})
	}

	var catchAll *policy.PolicyRule
	ordered := store.Prepare(combined)
	for i := range ordered {
		r := &ordered[i]
		if catchAll != nil {
			report.add(LintIssue{
				File:     origin[r.ID],
				RuleID:   r.ID,
				Message:  fmt.Sprintf("unreachable: rule %d matches every flow first", catchAll.ID),
				Severity: "warning",
			})
			continue
		}
		if isCatchAll(r) {
			catchAll = r
			continue
		}
		narrow := r.DstPorts != nil && r.DstPorts.Width() <= maxPortExpansion
		if !narrow && r.Protocol == nil {
			report.add(LintIssue{
				File:     origin[r.ID],
				RuleID:   r.ID,
				Message:  "restricts neither protocol nor a narrow destination port range; the prefilter is disabled",
				Severity: "warning",
			})
		}
	}
	return report
}

func isCatchAll(r *policy.PolicyRule) bool {
	return r.SrcCIDR == nil && r.DstCIDR == nil &&
		r.SrcPorts == nil && r.DstPorts == nil &&
		r.Protocol == nil && r.SrcSegment == nil && r.DstSegment == nil &&
		len(r.UserGroups) == 0
}

func printLintText(cmd *cobra.Command, report *LintReport) {
	out := cmd.OutOrStdout()
	if len(report.Issues) > 0 {
		_ = cli.Text.FormatTo(out, report)
		fmt.Fprintln(out)
	}
	mark := "✓"
	if report.Errors > 0 {
		mark = "✗"
	}
	fmt.Fprintf(out, "%s %d file(s), %d rule(s): %d error(s), %d warning(s)\n",
		mark, len(report.Files), report.Rules, report.Errors, report.Warnings)
}

// ruleFiles expands directories into the rule documents below them, in
// lexical order.
func ruleFiles(paths []string) ([]string, error) {
	exts := source.DefaultWatcherConfig().Extensions
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %q: %w", p, err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if strings.HasPrefix(d.Name(), ".") && path != p {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() && slices.Contains(exts, strings.ToLower(filepath.Ext(path))) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list rule files in %q: %w", p, err)
		}
	}
	return files, nil
}
