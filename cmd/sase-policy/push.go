package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"opensase/sase-policy/pkg/bus"
	"opensase/sase-policy/pkg/cli"
	"opensase/sase-policy/pkg/policy/rules"
)

var pushFlags struct {
	file    string
	name    string
	url     string
	subject string
	wait    time.Duration
	format  string
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Publish a rule set to nodes over NATS",
	Long: `Compile a rule file or directory and publish it on the rules subject.

Every node subscribed to the subject applies the rule set. With --wait the
command waits for one node's reply and fails if that node rejected the set.

Examples:
  # Fire and forget
  sase-policy push --file rules.yaml --url nats://controller:4222

  # Wait for an acknowledgement
  sase-policy push --file rules.d/ --name edge-2025-06 --wait 5s`,
	RunE: pushRules,
}

func init() {
	rootCmd.AddCommand(pushCmd)

	f := pushCmd.Flags()
	f.StringVarP(&pushFlags.file, "file", "f", "", "rule file or directory")
	f.StringVar(&pushFlags.name, "name", "", "document name reported as the origin on nodes")
	f.StringVar(&pushFlags.url, "url", "", "NATS URL (defaults to bus.url from config)")
	f.StringVar(&pushFlags.subject, "subject", "", "subject (defaults to bus.subject from config)")
	f.DurationVar(&pushFlags.wait, "wait", 0, "wait this long for a node's reply")
	f.StringVar(&pushFlags.format, "format", "text", "output format: text, json, yaml")
	_ = pushCmd.MarkFlagRequired("file")
}

func pushRules(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(pushFlags.format)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	url, subject := pushFlags.url, pushFlags.subject
	if url == "" {
		url = cfg.Bus.URL
	}
	if subject == "" {
		subject = cfg.Bus.Subject
	}

	doc, err := pushDocument(cmd, pushFlags.file, pushFlags.name)
	if err != nil {
		return err
	}

	nc, err := nats.Connect(url, nats.Name("sase-policy-push"), nats.Timeout(5*time.Second))
	if err != nil {
		return cli.NewCommandError("push", fmt.Errorf("failed to connect to %s: %w", url, err))
	}
	defer nc.Close()

	reply, err := bus.Publish(nc, subject, doc, pushFlags.wait)
	if err != nil {
		return cli.NewCommandError("push", err)
	}
	if reply == nil {
		if err := nc.FlushTimeout(5 * time.Second); err != nil {
			return cli.NewCommandError("push", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Published %d rule(s) on %s\n", len(doc.Rules), subject)
		return nil
	}

	if format == cli.FormatText {
		printReply(cmd, reply)
	} else if err := cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), reply); err != nil {
		return err
	}
	if !reply.OK {
		return cli.NewCommandError("push", errors.New(reply.Error)).WithCode(cli.ExitInvalid)
	}
	return nil
}

// pushDocument compiles path so that broken rule sets never leave the
// machine, then re-encodes the compiled rules.
func pushDocument(cmd *cobra.Command, path, name string) (*rules.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", path, err)
	}
	if name == "" {
		name = info.Name()
	}
	eng, err := loadEngine(cmd.Context(), nil, path)
	if err != nil {
		return nil, cli.NewCommandError("push", err).WithCode(cli.ExitInvalid)
	}
	return rules.FromRules(name, eng.Rules()), nil
}

func printReply(cmd *cobra.Command, r *bus.Reply) {
	out := cmd.OutOrStdout()
	if !r.OK {
		fmt.Fprintf(out, "✗ Rejected: %s\n", r.Error)
		return
	}
	fmt.Fprintf(out, "✓ %s: version %d, %d rule(s), checksum %s\n", r.Outcome, r.Version, r.RuleCount, r.Checksum)
}
