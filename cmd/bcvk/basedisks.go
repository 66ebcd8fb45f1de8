package main

import (
	"github.com/spf13/cobra"

	"github.com/coreos/bcvk-go/internal/diskcache"
	"github.com/coreos/bcvk-go/internal/libvirtxml"
)

func newBaseDisksCmd() *cobra.Command {
	var poolDir string

	cmd := &cobra.Command{
		Use:   "base-disks",
		Short: "Inspect and reclaim the content-addressed base-disk cache",
	}
	cmd.PersistentFlags().StringVar(&poolDir, "cache-pool", "", "base-disk cache directory (defaults to the platform storage pool, shared with `libvirt run`)")

	cmd.AddCommand(newBaseDisksListCmd(&poolDir))
	cmd.AddCommand(newBaseDisksPruneCmd(&poolDir))
	return cmd
}

func newBaseDisksListCmd(poolDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List base disks with image digest, size, and reference count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := diskcache.New(resolvePool(*poolDir))
			if err != nil {
				return err
			}
			infos, err := cache.List()
			if err != nil {
				return err
			}
			progress.Infof("%-40s %-12s %12s %12s %5s", "PATH", "DIGEST", "VIRT-SIZE", "ACTUAL-SIZE", "REFS")
			for _, info := range infos {
				digest := info.ImageDigest
				if len(digest) > 12 {
					digest = digest[:12]
				}
				progress.Infof("%-40s %-12s %12d %12d %5d", info.Path, digest, info.VirtualSize, info.ActualSize, info.RefCount)
			}
			return nil
		},
	}
}

func newBaseDisksPruneCmd(poolDir *string) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove base disks with zero references",
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := diskcache.New(resolvePool(*poolDir))
			if err != nil {
				return err
			}
			removed, err := cache.Prune(dryRun)
			if err != nil {
				return err
			}
			verb := "Removed"
			if dryRun {
				verb = "Would remove"
			}
			for _, r := range removed {
				progress.Infof("%s %s", verb, r)
			}
			if len(removed) == 0 {
				progress.Info("Nothing to prune")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only report what would be removed")
	return cmd
}

// resolvePool is the one base-disk cache location `to-disk`, `libvirt
// run`, and `base-disks` all fall back to, so a domain installed by
// one is visible to the others' refcounts without an explicit
// `--cache-pool` on every invocation.
func resolvePool(poolDir string) string {
	if poolDir != "" {
		return poolDir
	}
	return libvirtxml.DefaultPoolDir("")
}
