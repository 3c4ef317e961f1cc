package hal

import (
	"embercore/kernel/driver/tty"
	"embercore/kernel/driver/video/console"
)

// vgaTextBufferPhysAddr, vgaTextWidth and vgaTextHeight describe the
// standard VGA text-mode framebuffer every PC-compatible firmware leaves
// active at boot. Spec section 1 places the console's own hardware
// programming out of scope ("external collaborator"); unlike the teacher,
// which reads these from a multiboot framebuffer tag, this loader's hand-off
// structure (spec section 6) carries no framebuffer descriptor at all, so
// the values are the well-known fixed ones rather than discovered ones.
const (
	// VGATextBufferPhysAddr is exported so bring-up can map the console
	// into the high-half page table (alongside the heap and the kernel's
	// own image) and into the user page table (spec section 4.7: the VGA
	// buffer must remain reachable from the user address space too).
	VGATextBufferPhysAddr = uintptr(0xb8000)
	vgaTextWidth          = 80
	vgaTextHeight         = 25
)

var (
	egaConsole = &console.Ega{}

	// ActiveTerminal points to the currently active terminal.
	ActiveTerminal = &tty.Vt{}
)

// InitTerminal provides a basic terminal to allow the kernel to emit some output
// till everything is properly setup. It must be called while still
// identity-mapped, since it addresses the framebuffer directly by physical
// address.
func InitTerminal() {
	egaConsole.Init(vgaTextWidth, vgaTextHeight, VGATextBufferPhysAddr)
	ActiveTerminal.AttachTo(egaConsole)
}
