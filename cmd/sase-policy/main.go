// sase-policy is the policy decision node of a SASE edge.
//
// It holds the active rule set in a tiered lookup engine, loads rules from
// files or NATS, persists accepted rule sets for restart, and exposes an
// admin API for status, rule management and flow evaluation.
//
// Usage:
//
//	# Start the node with a configuration file
//	sase-policy run --config /etc/sase-policy/config.yaml
//
//	# Validate rule documents
//	sase-policy lint --file rules.yaml
//
//	# Evaluate a flow against a rule file
//	sase-policy eval --rules rules.yaml --src 10.0.0.5 --dst 1.1.1.1 --dport 443 --proto tcp
//
//	# Measure lookup throughput
//	sase-policy bench --synthetic 10000 --duration 10s
//
//	# Print the latest persisted rule set
//	sase-policy export --snapshot /var/lib/sase-policy/snapshots.db
//
//	# Distribute a rule document to every node
//	sase-policy push --file rules.yaml --url nats://controller:4222
package main

func main() {
	Execute()
}
