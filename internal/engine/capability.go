// Package engine defines the capability table every inference backend implements,
// the handle and tensor types that flow through it, and the error taxonomy shared by
// the registry, resolver, loader and providers.
package engine

// Capability names one entry of the function table.
type Capability int

const (
	CapAPIVersion Capability = iota
	CapCreateTensor
	CapTensorInfo
	CapTensorData
	CapReleaseTensor
	CapCreateSession
	CapReleaseSession
	CapRun
	CapSetSeed
	CapTrainStep
)

var capabilityNames = [...]string{
	CapAPIVersion:     "api-version",
	CapCreateTensor:   "create-tensor",
	CapTensorInfo:     "tensor-info",
	CapTensorData:     "tensor-data",
	CapReleaseTensor:  "release-tensor",
	CapCreateSession:  "create-session",
	CapReleaseSession: "release-session",
	CapRun:            "run",
	CapSetSeed:        "set-seed",
	CapTrainStep:      "train-step",
}

func (c Capability) String() string {
	if c < 0 || int(c) >= len(capabilityNames) {
		return "unknown"
	}
	return capabilityNames[c]
}

// Optional reports whether backends may fill the slot with an Unsupported stub
// without that being a deployment problem. Training is only present in some builds.
func (c Capability) Optional() bool {
	return c == CapSetSeed || c == CapTrainStep
}

// Capabilities returns every capability in table order.
func Capabilities() []Capability {
	caps := make([]Capability, len(capabilityNames))
	for i := range capabilityNames {
		caps[i] = Capability(i)
	}
	return caps
}

// ParseCapability maps a capability name back to its value.
func ParseCapability(name string) (Capability, bool) {
	for i, n := range capabilityNames {
		if n == name {
			return Capability(i), true
		}
	}
	return 0, false
}
