// Command codegate-brokerctl is the operator CLI for managing broker
// accounts: add, list, remove, pause/resume, priority, stats, and a
// balance/usage analysis report.
package main

import "codegate-broker/cmd/codegate-brokerctl/cmd"

func main() {
	cmd.Execute()
}
