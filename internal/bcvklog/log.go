// Package bcvklog provides the package-logger pattern used throughout
// this module, following coreos/pkg/capnslog's "one logger per package,
// registered under a repo-wide prefix" convention.
package bcvklog

import (
	"github.com/coreos/pkg/capnslog"
)

// New returns a package logger registered under the module's repo path,
// the same call every package in this tree makes at init time:
//
//	var plog = bcvklog.New("internal/qemu")
func New(pkg string) *capnslog.PackageLogger {
	return capnslog.NewPackageLogger("github.com/coreos/bcvk-go", pkg)
}
