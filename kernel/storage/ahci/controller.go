package ahci

import (
	"unsafe"

	"embercore/kernel"
)

// hbaMem is the controller's generic host control register block, memory
// mapped at the controller's BAR5 address.
type hbaMem struct {
	cap    uint32
	ghc    uint32
	is     uint32
	pi     uint32 // ports implemented, one bit per port
	vs     uint32
	cccCtl uint32
	cccPts uint32
	emLoc  uint32
	emCtl  uint32
	cap2   uint32
	bohc   uint32
}

// Controller owns the generic registers of a single AHCI adapter and the
// Port wrappers for each implemented port.
type Controller struct {
	mmioBase uintptr
	regs     *hbaMem
	ports    []*Port
}

// PortAllocator supplies the per-port DMA memory (command list, FIS area,
// command tables) the engine needs, already resident on the kernel heap.
type PortAllocator interface {
	AllocPortSetup() (uintptr, *kernel.Error)
}

// NewController wraps a controller's memory-mapped registers at mmioBase.
func NewController(mmioBase uintptr) *Controller {
	return &Controller{mmioBase: mmioBase, regs: (*hbaMem)(unsafe.Pointer(mmioBase))}
}

// ImplementedPorts returns the indices of ports the controller reports as
// implemented in its PI register.
func (c *Controller) ImplementedPorts() []int {
	var out []int
	for i := 0; i < 32; i++ {
		if c.regs.pi&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// OpenPort allocates DMA memory for port index via alloc, rebases it, and
// returns a ready-to-use Port.
func (c *Controller) OpenPort(index int, alloc PortAllocator, translate Translator) (*Port, *kernel.Error) {
	setupVirt, err := alloc.AllocPortSetup()
	if err != nil {
		return nil, err
	}
	setup := (*portSetup)(unsafe.Pointer(setupVirt))
	*setup = portSetup{}

	port := NewPort(c.mmioBase, index, setup, translate)
	port.Rebase()
	return port, nil
}
