package tunnel

import "fmt"

// Configuration step identifiers carried by ConfigError. They name the
// control operation that failed so startup diagnostics can point at the
// exact ioctl instead of a generic "configuration failed".
const (
	StepAttach        = "attach"
	StepControlSocket = "control-socket"
	StepGetFlags      = "get-flags"
	StepSetFlags      = "set-flags"
	StepSetAddress    = "set-address"
	StepSetNetmask    = "set-netmask"
	StepSetMTU        = "set-mtu"
)

// DeviceUnavailableError indicates the TUN clone device could not be
// opened at all: the path is missing (no tun module) or access was
// denied. It is always fatal at startup.
type DeviceUnavailableError struct {
	Path string
	Err  error
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("tun device %s unavailable: %v", e.Path, e.Err)
}

func (e *DeviceUnavailableError) Unwrap() error { return e.Err }

// ConfigError indicates a single interface configuration step failed.
// The kernel network stack may be left in a partially configured state,
// so callers must treat it as fatal rather than retry.
type ConfigError struct {
	Step string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("interface configuration step %q: %v", e.Step, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
