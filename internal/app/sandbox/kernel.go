package sandbox

import (
	"fmt"
	"strings"
)

type KernelArgsBuilder interface {
	Build() string
	WithConsole(console string) KernelArgsBuilder
	WithReboot(reboot string) KernelArgsBuilder
	WithPanic(panic int) KernelArgsBuilder
	WithPci(pci string) KernelArgsBuilder
	WithNoModules(noModules bool) KernelArgsBuilder
	WithInit(init string) KernelArgsBuilder
	WithChannelPort(port uint32) KernelArgsBuilder
	WithExtra(args ...string) KernelArgsBuilder
}

type kernelArgsBuilder struct {
	console     string
	reboot      string
	panic       string
	pci         string
	nomodules   string
	channelPort string
	extra       string
	init        string
}

func NewKernelArgsBuilder() KernelArgsBuilder {
	return &kernelArgsBuilder{}
}

// Build joins all arguments. init goes last so that everything after it is
// handed to the init process untouched.
func (c *kernelArgsBuilder) Build() string {
	preBuilt := strings.Join([]string{
		c.console,
		c.reboot,
		c.panic,
		c.pci,
		c.nomodules,
		c.channelPort,
		c.extra,
		c.init,
	}, " ")
	return strings.Join(strings.Fields(preBuilt), " ")
}

func (c *kernelArgsBuilder) WithConsole(console string) KernelArgsBuilder {
	c.console = fmt.Sprintf("console=%s", console)
	return c
}

func (c *kernelArgsBuilder) WithReboot(reboot string) KernelArgsBuilder {
	c.reboot = fmt.Sprintf("reboot=%s", reboot)
	return c
}

func (c *kernelArgsBuilder) WithPanic(panic int) KernelArgsBuilder {
	c.panic = fmt.Sprintf("panic=%d", panic)
	return c
}

func (c *kernelArgsBuilder) WithPci(pci string) KernelArgsBuilder {
	c.pci = fmt.Sprintf("pci=%s", pci)
	return c
}

func (c *kernelArgsBuilder) WithNoModules(noModules bool) KernelArgsBuilder {
	if noModules {
		c.nomodules = "nomodules"
	}
	return c
}

func (c *kernelArgsBuilder) WithInit(init string) KernelArgsBuilder {
	c.init = fmt.Sprintf("init=%s", init)
	return c
}

// WithChannelPort tells the guest agent which vsock port the host listens on.
func (c *kernelArgsBuilder) WithChannelPort(port uint32) KernelArgsBuilder {
	if port > 0 {
		c.channelPort = fmt.Sprintf("stockade.port=%d", port)
	}
	return c
}

func (c *kernelArgsBuilder) WithExtra(args ...string) KernelArgsBuilder {
	c.extra = strings.Join(args, " ")
	return c
}
