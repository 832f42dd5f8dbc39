package gni

import (
	"sync"

	"github.com/rocketbitz/gni-go/internal/hw"
)

var (
	descriptorRegistry sync.Map // completionKey -> *PostDescriptor
)

type completionKey struct {
	ep    *hw.Endpoint
	token uint64
}

// registerCompletion records desc so its local completion can be resolved back
// to it. The descriptor stays in flight until resolved or released.
func registerCompletion(ep *hw.Endpoint, token uint64, desc *PostDescriptor) {
	desc.inFlight = true
	desc.ep = ep
	desc.token = token
	descriptorRegistry.Store(completionKey{ep: ep, token: token}, desc)
}

func resolveCompletion(ep *hw.Endpoint, token uint64) (*PostDescriptor, error) {
	if ep == nil || token == 0 {
		return nil, ErrDescriptorUnknown
	}
	value, ok := descriptorRegistry.LoadAndDelete(completionKey{ep: ep, token: token})
	if !ok {
		return nil, ErrDescriptorUnknown
	}
	desc := value.(*PostDescriptor)
	desc.inFlight = false
	desc.completed = true
	return desc, nil
}

// releaseCompletions drops every descriptor still registered for ep.
func releaseCompletions(ep *hw.Endpoint) {
	descriptorRegistry.Range(func(key, value any) bool {
		if key.(completionKey).ep == ep {
			descriptorRegistry.Delete(key)
			value.(*PostDescriptor).inFlight = false
		}
		return true
	})
}
