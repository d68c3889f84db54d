package commands

import (
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func TestNewRootCmd_RegistersExpectedSubcommands(t *testing.T) {
	root := NewRootCmd("test")

	want := map[string]bool{"serve": false, "project": false, "dlq": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected root command to register %q", name)
		}
	}
}

func TestProjectCmd_RegistersLifecycleSubcommands(t *testing.T) {
	root := NewRootCmd("test")

	projectCmd := findSubcommand(t, root, "project")
	want := map[string]bool{
		"start": false, "pause": false, "queue-next": false,
		"finalize": false, "complete": false, "status": false,
	}
	for _, c := range projectCmd.Commands() {
		name := strings.Fields(c.Use)[0]
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected project command to register %q", name)
		}
	}
}

func findSubcommand(t *testing.T, root *cobra.Command, name string) *cobra.Command {
	t.Helper()
	for _, c := range root.Commands() {
		if c.Name() == name {
			return c
		}
	}
	t.Fatalf("subcommand %q not found", name)
	return nil
}
