package flag

// CLI is the top-level kong command tree: `gokvm probe` inspects the host's
// KVM/CPUID capabilities, `gokvm boot` starts a guest.
type CLI struct {
	Probe ProbeCMD `cmd:"" help:"Probe host KVM capabilities and exit."`
	Boot  BootCMD  `cmd:"" help:"Boot a Linux guest."`
}

// ProbeCMD takes no flags; it just reports what the host's /dev/kvm and
// CPUID support.
type ProbeCMD struct{}

// BootCMD carries every flag needed to create, load, and run a guest. Sizes
// are left as strings here (ParseSize handles the num[gGmMkK] suffix) and
// resolved once in Run.
type BootCMD struct {
	Dev        string `default:"/dev/kvm" short:"D" help:"Path of the KVM device."`
	Kernel     string `default:"./bzImage" short:"k" help:"Kernel image path."`
	Initrd     string `default:"./initrd" short:"i" help:"Initrd path."`
	Params     string `short:"p" help:"Kernel command-line parameters."`
	TapIfName  string `default:"tap" short:"t" help:"Name of the host tap interface."`
	Disk       string `default:"/dev/zero" short:"d" help:"Path of the disk image backing /dev/vda."`
	NCPUs      int    `default:"1" short:"c" help:"Number of vCPUs."`
	MemSize    string `default:"1G" short:"m" help:"Memory size: num[gGmM], defaults to G."`
	TraceCount string `default:"0" short:"T" help:"Instructions to skip between trace prints; 0 disables tracing."`
}
