package cln

import (
	"fmt"
	"os/exec"
	"strings"
)

// commandRunner shells out to lightning-cli. The binary and network are
// configurable so the same service drives a local node or one inside a
// container ("docker exec -i cln lightning-cli").
type commandRunner struct {
	bin     []string
	network string
}

func newCommandRunner(bin, network string) *commandRunner {
	parts := strings.Fields(bin)
	if len(parts) == 0 {
		parts = []string{"lightning-cli"}
	}
	return &commandRunner{bin: parts, network: network}
}

func (r *commandRunner) run(args ...string) (string, error) {
	full := append([]string{}, r.bin[1:]...)
	if r.network != "" {
		full = append(full, "--network="+r.network)
	}
	full = append(full, args...)
	cmd := exec.Command(r.bin[0], full...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("error running command: %v, output: %s", err, string(output))
	}
	return strings.TrimSpace(string(output)), nil
}

func keyword(key string, value any) string {
	return fmt.Sprintf("%v=%v", key, value)
}
