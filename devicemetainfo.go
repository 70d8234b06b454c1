package atropos

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/atropos/atropos/pkg/arch"
	"github.com/atropos/atropos/pkg/device"
)

// System properties read for the device summary.
const (
	propManufacturer = "ro.product.manufacturer"
	propDevice       = "ro.product.device"
	propModel        = "ro.product.model"
	propRelease      = "ro.build.version.release"
)

// shellRunner is implemented by transports that can run unprivileged commands.
type shellRunner interface {
	RunShell(ctx context.Context, h device.Handle, line string) (device.ShellResult, error)
}

// fetchDeviceMeta collects identity, OS version, ABI and root status. Property
// failures surface as device.UnknownProperty and never abort the run.
func fetchDeviceMeta(ctx context.Context, t device.Transport, h device.Handle) device.Meta {
	meta := device.Meta{
		Manufacturer: t.Property(ctx, h, propManufacturer),
		Device:       t.Property(ctx, h, propDevice),
		Model:        t.Property(ctx, h, propModel),
		Release:      t.Property(ctx, h, propRelease),
		ABI:          t.Property(ctx, h, arch.PropertyABI),
	}
	meta.IsRoot = probeRoot(ctx, t, h)
	return meta
}

func probeRoot(ctx context.Context, t device.Transport, h device.Handle) bool {
	if res, err := t.RunPrivileged(ctx, h, "id"); err == nil {
		if strings.Contains(res.Output, "uid=0") {
			return true
		}
	} else {
		log.Debug().Err(err).Str("serial", h.Serial).Msg("su probe failed")
	}
	runner, ok := t.(shellRunner)
	if !ok {
		return false
	}
	if res, err := runner.RunShell(ctx, h, "which su"); err == nil {
		if res.OK() && strings.TrimSpace(res.Output) != "" {
			return true
		}
	}
	return false
}
