// ABOUTME: Registration of the builtin modules on a console service
// ABOUTME: Masters and monitors register the same set so commands toggle both sides

package modules

import (
	"log/slog"
	"time"

	"github.com/2389/pinion/internal/console"
)

// Options tunes the builtin modules.
type Options struct {
	NodeInfoInterval time.Duration
	LogRoot          string
	LogTimeout       time.Duration
	Logger           *slog.Logger
}

// Register adds nodeInfo and monitorLog to svc.
func Register(svc *console.Service, opts Options) error {
	for _, m := range []console.Module{
		NewNodeInfo(opts.NodeInfoInterval),
		NewMonitorLog(opts.LogRoot, opts.LogTimeout, opts.Logger),
	} {
		if err := svc.Register(m); err != nil {
			return err
		}
	}
	return nil
}
