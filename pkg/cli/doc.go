// Package cli holds the pieces shared by the sase-policy subcommands.
//
// Results render through a Formatter chosen by --format. Values that
// implement Table print as aligned columns in text and as rows in CSV:
//
//	format, err := cli.ParseFormat(flags.format)
//	if err != nil {
//		return err
//	}
//	return cli.NewFormatter(format).FormatTo(cmd.OutOrStdout(), report)
//
// Failures carry exit codes. A ConfigError exits with ExitConfig, a
// CommandError with its Code:
//
//	return cli.NewCommandError("lint", err).WithCode(cli.ExitInvalid)
//
// SignalContext cancels on SIGINT and SIGTERM. ReloadSignals turns SIGHUP
// into rule reloads.
package cli
