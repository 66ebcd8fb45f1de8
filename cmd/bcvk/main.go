// Command bcvk runs bootc container images as ephemeral or
// libvirt-managed virtual machines, and installs them to disk images.
// It is the thin cobra entrypoint spec.md §1 treats as out of scope for
// the core; SPEC_FULL.md extends it just far enough to invoke every
// core operation end to end.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coreos/bcvk-go/internal/bcvkerr"
)

var rootCmd = &cobra.Command{
	Use:   "bcvk",
	Short: "Run bootc container images as VMs, and install them to disk",
}

func main() {
	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log cache/install/domain progress at debug level")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		setVerbose(verbose)
	}

	rootCmd.AddCommand(newEphemeralCmd())
	rootCmd.AddCommand(newToDiskCmd())
	rootCmd.AddCommand(newLibvirtCmd())
	rootCmd.AddCommand(newBaseDisksCmd())

	if err := rootCmd.Execute(); err != nil {
		printUserError(err)
		os.Exit(1)
	}
}

// printUserError implements SPEC_FULL.md 7's "single stderr line
// stating the kind and one line of context" contract, with a console
// hint when the failure involves guest boot.
func printUserError(err error) {
	kind, ok := bcvkerr.Of(err)
	if !ok {
		fmt.Fprintf(os.Stderr, "bcvk: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "bcvk: %s: %v\n", kind, err)
	switch kind {
	case bcvkerr.ReadinessTimeout, bcvkerr.Runtime:
		fmt.Fprintln(os.Stderr, "hint: re-run with --console to attach a serial console and diagnose the guest boot")
	case bcvkerr.Preflight:
		fmt.Fprintln(os.Stderr, "hint: install the missing binary and retry")
	}
}
