package kvm

import "errors"

// ErrMissingCapability is returned at VM creation time if the host
// kernel's /dev/kvm does not advertise a capability the monitor needs.
type ErrMissingCapability struct{ Name string }

func (e *ErrMissingCapability) Error() string {
	return "kvm: missing capability: " + e.Name
}

// ErrAPIVersion is returned if /dev/kvm reports an unexpected API version.
var ErrAPIVersion = errors.New("kvm: unexpected KVM_GET_API_VERSION")

// ErrVcpuIncompatible mirrors novm's VcpuIncompatible: returned when
// vCPU register state can't be serialized/deserialized consistently.
var ErrVcpuIncompatible = errors.New("kvm: incompatible vcpu state")
