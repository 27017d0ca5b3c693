package cmdgraph

import (
	"fmt"

	"github.com/gogpu/cmdgraph/backend"
	"github.com/gogpu/cmdgraph/desc"
	"github.com/gogpu/cmdgraph/handle"
)

// presentGPU is the GPU that owns swapchains and presents.
const presentGPU = 0

// Swapchain is a ring of presentable textures on the presenting GPU.
type Swapchain struct {
	desc    desc.SwapchainDesc
	sc      backend.Swapchain
	images  []handle.ResourceHandle
	rtvs    []handle.ViewResourceHandle
	acquire backend.Semaphore
	render  backend.Semaphore

	// guarded by DeviceGroup.presentMu
	index    int
	released bool
}

// Desc returns the swapchain description.
func (s *Swapchain) Desc() desc.SwapchainDesc { return s.desc }

// Images returns the swapchain textures.
func (s *Swapchain) Images() []handle.ResourceHandle { return s.images }

func (s *Swapchain) current() (handle.ResourceHandle, handle.ViewResourceHandle) {
	if s.index < 0 {
		panic("cmdgraph: swapchain image used before AcquirePresentableImage")
	}
	return s.images[s.index], s.rtvs[s.index]
}

// CreateSwapchain creates a swapchain whose images live on GPU 0.
func (g *DeviceGroup) CreateSwapchain(d desc.SwapchainDesc) (*Swapchain, error) {
	if d.Images <= 0 {
		d.Images = 2
	}
	g.closeMu.RLock()
	defer g.closeMu.RUnlock()
	if err := g.checkOpen(); err != nil {
		return nil, err
	}

	dev := g.devices[presentGPU].dev
	sc := &Swapchain{desc: d, index: -1}
	for i := range d.Images {
		h, err := g.createTexture(desc.TextureDesc{
			Label:     fmt.Sprintf("%s[%d]", d.Label, i),
			Width:     d.Width,
			Height:    d.Height,
			Mips:      1,
			ArraySize: 1,
			Format:    d.Format,
			Usage:     desc.TextureRendertarget | desc.TexturePresent,
		}, []int{presentGPU})
		if err != nil {
			g.releaseSwapchain(sc)
			return nil, err
		}
		sc.images = append(sc.images, h)

		v := g.handles.AllocateView(handle.ViewTextureRTV, h)
		if err := dev.CreateView(v); err != nil {
			g.handles.ReleaseView(v)
			g.releaseSwapchain(sc)
			return nil, fmt.Errorf("cmdgraph: swapchain view: %w", err)
		}
		g.resMu.Lock()
		g.views[v.Key()] = &viewRecord{v: v, devices: []int{presentGPU}}
		g.resMu.Unlock()
		sc.rtvs = append(sc.rtvs, v)
	}

	var err error
	if sc.acquire, err = dev.CreateSemaphore(); err == nil {
		sc.render, err = dev.CreateSemaphore()
	}
	if err == nil {
		sc.sc, err = dev.CreateSwapchain(d, sc.images)
	}
	if err != nil {
		g.releaseSwapchain(sc)
		return nil, fmt.Errorf("cmdgraph: create swapchain %q: %w", d.Label, err)
	}
	return sc, nil
}

// ReleaseSwapchain destroys the swapchain, its images and its semaphores
// once every graph created so far has finished. Later calls to
// AcquirePresentableImage or Present with sc fail with ErrInvalidHandle.
func (g *DeviceGroup) ReleaseSwapchain(sc *Swapchain) {
	g.presentMu.Lock()
	defer g.presentMu.Unlock()
	g.releaseSwapchain(sc)
}

func (g *DeviceGroup) releaseSwapchain(sc *Swapchain) {
	for _, v := range sc.rtvs {
		_ = g.ReleaseView(v)
	}
	for _, h := range sc.images {
		_ = g.Release(h)
	}
	sc.rtvs, sc.images = nil, nil
	sc.released = true
	sc.index = -1

	// Submitted lists may still wait on the acquire semaphore or signal the
	// render semaphore.
	chain, sems := sc.sc, []backend.Semaphore{sc.acquire, sc.render}
	sc.sc, sc.acquire, sc.render = nil, nil, nil
	g.garbage.InsertFunc(g.tracker.LastSequence(), func() {
		if chain != nil {
			chain.Release()
		}
		for _, s := range sems {
			if s != nil {
				s.Release()
			}
		}
	})
}

// AcquirePresentableImage advances sc to its next image and returns a
// render target view of it. ok is false when the swapchain is out of date.
func (g *DeviceGroup) AcquirePresentableImage(sc *Swapchain) (rtv handle.ViewResourceHandle, ok bool, err error) {
	g.presentMu.Lock()
	defer g.presentMu.Unlock()
	if sc.released {
		return handle.InvalidView, false, fmt.Errorf("cmdgraph: acquire %q: swapchain released: %w", sc.desc.Label, ErrInvalidHandle)
	}
	idx, ok, err := sc.sc.Acquire(sc.acquire)
	if err != nil {
		return handle.InvalidView, false, fmt.Errorf("cmdgraph: acquire %q: %w", sc.desc.Label, err)
	}
	if !ok {
		return handle.InvalidView, false, nil
	}
	sc.index = idx
	return sc.rtvs[idx], true, nil
}

// Present shows the acquired image of sc once the graph that prepared it
// finished rendering. ok is false when the swapchain is out of date.
func (g *DeviceGroup) Present(sc *Swapchain) (ok bool, err error) {
	g.presentMu.Lock()
	defer g.presentMu.Unlock()
	if sc.released {
		return false, fmt.Errorf("cmdgraph: present %q: swapchain released: %w", sc.desc.Label, ErrInvalidHandle)
	}
	if sc.index < 0 {
		return false, nil
	}
	ok, err = sc.sc.Present(sc.render, sc.index)
	if err != nil {
		return false, fmt.Errorf("cmdgraph: present %q: %w", sc.desc.Label, err)
	}
	return ok, nil
}
