package wgpu

import (
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"
)

// halProvider is implemented by device providers that expose their HAL
// objects, such as a gogpu application.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// NewFromProvider adopts the device of a host application as device id.
// The provider keeps ownership: closing the returned device frees the
// resources created through it but not the HAL device.
func NewFromProvider(provider gpucontext.DeviceProvider, id int) (*Device, error) {
	if provider == nil {
		return nil, fmt.Errorf("wgpu: nil device provider")
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("wgpu: provider %T does not expose HAL types", provider)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("wgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("wgpu: provider HalQueue is not hal.Queue")
	}

	name := provider.AdapterInfo().Name
	if name == "" {
		name = fmt.Sprintf("provided-%d", id)
	}
	slogger().Info("wgpu: adopted provider device", "id", id, "name", name)
	return newDevice(id, name, device, queue, false), nil
}
