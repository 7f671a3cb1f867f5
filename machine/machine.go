package machine

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/ec1-systems/microvmd/bootparam"
	"github.com/ec1-systems/microvmd/ebda"
	"github.com/ec1-systems/microvmd/iodev"
	"github.com/ec1-systems/microvmd/kvm"
	"github.com/ec1-systems/microvmd/memregion"
	"github.com/ec1-systems/microvmd/pci"
	"github.com/ec1-systems/microvmd/serial"
	"github.com/ec1-systems/microvmd/tap"
	"github.com/ec1-systems/microvmd/virtio"
)

// InitialRegState GuestPhysAddr                      Binary files [+ offsets in the file]
//
//                 0x00000000    +------------------+
//                               |                  |
// RSI -->         0x00010000    +------------------+ bzImage [+ 0]
//                               |                  |
//                               |  boot param      |
//                               |                  |
//                               +------------------+
//                               |                  |
//                 0x00020000    +------------------+
//                               |                  |
//                               |   cmdline        |
//                               |                  |
//                               +------------------+
//                               |                  |
// RIP -->         0x00100000    +------------------+ bzImage [+ 512 x (setup_sects in boot param header + 1)]
//                               |                  |
//                               |   64bit kernel   |
//                               |                  |
//                               +------------------+
//                               |                  |
//                 0x0f000000    +------------------+ initrd [+ 0]
//                               |                  |
//                               |   initrd         |
//                               |                  |
//                               +------------------+
//                               |                  |
//                 0x40000000    +------------------+
const (
	defaultMemSize = 1 << 30
	kernelAddr     = 0x100000
)

var (
	errorPCIDeviceNotFoundForPort = fmt.Errorf("pci device cannot be found for port")

	// ErrInvalidCPU is returned by any per-vCPU accessor given an out of
	// range cpu index.
	ErrInvalidCPU = fmt.Errorf("invalid cpu index")
)

type Machine struct {
	kvmFd, vmFd    uintptr
	vcpuFds        []uintptr
	mem            []byte
	runs           []*kvm.RunData
	pci            *pci.PCI
	serial         *serial.Serial
	net            *virtio.Net
	blk            *virtio.Blk
	ioportHandlers [0x10000][2]func(m *Machine, port uint64, bytes []byte) error
	acpiShutdown   *iodev.ACPIShutDownDevice

	pauseRequested    int32
	shutdownRequested int32
	vcpuWG            sync.WaitGroup

	regionMgr *memregion.Manager
}

// New opens kvmPath, creates a VM with nCpus vCPUs and memSize bytes of flat
// anonymous guest-physical memory, and attaches the PCI bridge. Devices
// (virtio-net, virtio-blk) are attached afterwards with AddTapIf/AddDisk.
func New(kvmPath string, nCpus int, memSize int) (*Machine, error) {
	m := &Machine{acpiShutdown: iodev.NewACPIShutDownEvent()}

	if memSize <= 0 {
		memSize = defaultMemSize
	}

	devKVM, err := os.OpenFile(kvmPath, os.O_RDWR, 0o644)
	if err != nil {
		return m, fmt.Errorf(`%s: %w`, kvmPath, err)
	}

	m.kvmFd = devKVM.Fd()
	m.vcpuFds = make([]uintptr, nCpus)
	m.runs = make([]*kvm.RunData, nCpus)

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return m, fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return m, err
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return m, err
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return m, err
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return m, err
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return m, err
	}

	for i := 0; i < nCpus; i++ {
		// Create vCPU
		m.vcpuFds[i], err = kvm.CreateVCPU(m.vmFd, i)
		if err != nil {
			return m, err
		}

		// init CPUID
		if err := m.initCPUID(i); err != nil {
			return m, err
		}

		// init kvm_run structure
		r, err := syscall.Mmap(int(m.vcpuFds[i]), 0, int(mmapSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return m, err
		}

		m.runs[i] = (*kvm.RunData)(unsafe.Pointer(&r[0]))
	}

	m.mem, err = syscall.Mmap(-1, 0, memSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_ANONYMOUS)
	if err != nil {
		return m, err
	}

	err = kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: uint64(memSize),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&m.mem[0]))),
	})
	if err != nil {
		return m, err
	}

	e, err := ebda.New()
	if err != nil {
		return m, err
	}

	bytes, err := e.Bytes()
	if err != nil {
		return m, err
	}

	copy(m.mem[bootparam.EBDAStart:], bytes)

	m.pci = pci.New(pci.NewBridge()) // 00:00.0 for PCI bridge

	return m, nil
}

// AddTapIf attaches a virtio-net device backed by host tap interface
// ifName, occupying the next PCI slot. Must be called before LoadLinux sets
// up the I/O port handler table.
func (m *Machine) AddTapIf(ifName string) error {
	t, err := tap.New(ifName)
	if err != nil {
		return err
	}

	m.net = virtio.NewNet(virtioNetIRQ, m, t, m.mem)
	m.pci.Devices = append(m.pci.Devices, m.net)

	go m.net.RxThreadEntry()
	go m.net.TxThreadEntry()

	return nil
}

// AddDisk attaches a virtio-blk device backed by the disk image at path,
// occupying the next PCI slot. Must be called before LoadLinux sets up the
// I/O port handler table.
func (m *Machine) AddDisk(path string) error {
	blk, err := virtio.NewBlk(path, virtioBlkIRQ, m, m.mem)
	if err != nil {
		return err
	}

	m.blk = blk
	m.pci.Devices = append(m.pci.Devices, blk)

	go blk.IOThreadEntry()

	return nil
}

// CPUToFD returns the vCPU fd for cpu, used by every register/MSR/event
// ioctl and by the snapshot machinery.
func (m *Machine) CPUToFD(cpu int) (uintptr, error) {
	if cpu < 0 || cpu >= len(m.vcpuFds) {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCPU, cpu)
	}

	return m.vcpuFds[cpu], nil
}

// RunData returns the kvm.RunData for the VM.
func (m *Machine) RunData() []*kvm.RunData {
	return m.runs
}

func (m *Machine) LoadLinux(bzImagePath, initPath, params string) error {
	// Load initrd
	initrd, err := ioutil.ReadFile(initPath)
	if err != nil {
		return err
	}

	copy(m.mem[initrdAddr:], initrd)

	// Load kernel command-line parameters
	copy(m.mem[cmdlineAddr:], params)
	m.mem[cmdlineAddr+len(params)] = 0 // for null terminated string

	// Load Boot Param
	bootParam, err := bootparam.New(bzImagePath)
	if err != nil {
		return err
	}

	// refs https://github.com/kvmtool/kvmtool/blob/0e1882a49f81cb15d328ef83a78849c0ea26eecc/x86/bios.c#L66-L86
	bootParam.AddE820Entry(
		bootparam.RealModeIvtBegin,
		bootparam.EBDAStart-bootparam.RealModeIvtBegin,
		bootparam.E820Ram,
	)
	bootParam.AddE820Entry(
		bootparam.EBDAStart,
		bootparam.VGARAMBegin-bootparam.EBDAStart,
		bootparam.E820Reserved,
	)
	bootParam.AddE820Entry(
		bootparam.MBBIOSBegin,
		bootparam.MBBIOSEnd-bootparam.MBBIOSBegin,
		bootparam.E820Reserved,
	)
	bootParam.AddE820Entry(
		kernelAddr,
		uint64(len(m.mem))-kernelAddr,
		bootparam.E820Ram,
	)

	bootParam.Hdr.VidMode = 0xFFFF                                                                  // Proto ALL
	bootParam.Hdr.TypeOfLoader = 0xFF                                                               // Proto 2.00+
	bootParam.Hdr.RamdiskImage = initrdAddr                                                         // Proto 2.00+
	bootParam.Hdr.RamdiskSize = uint32(len(initrd))                                                 // Proto 2.00+
	bootParam.Hdr.LoadFlags |= bootparam.CanUseHeap | bootparam.LoadedHigh | bootparam.KeepSegments // Proto 2.00+
	bootParam.Hdr.HeapEndPtr = 0xFE00                                                               // Proto 2.01+
	bootParam.Hdr.ExtLoaderVer = 0                                                                  // Proto 2.02+
	bootParam.Hdr.CmdlinePtr = cmdlineAddr                                                          // Proto 2.06+
	bootParam.Hdr.CmdlineSize = uint32(len(params) + 1)                                             // Proto 2.06+

	bytes, err := bootParam.Bytes()
	if err != nil {
		return err
	}

	copy(m.mem[bootParamAddr:], bytes)

	// Load kernel
	bzImage, err := ioutil.ReadFile(bzImagePath)
	if err != nil {
		return err
	}

	// copy to g.mem with offest setupsz
	//
	// The 32-bit (non-real-mode) kernel starts at offset (setup_sects+1)*512 in
	// the kernel file (again, if setup_sects == 0 the real value is 4.) It should
	// be loaded at address 0x10000 for Image/zImage kernels and 0x100000 for bzImage kernels.
	//
	// refs: https://www.kernel.org/doc/html/latest/x86/boot.html#loading-the-rest-of-the-kernel
	offset := int(bootParam.Hdr.SetupSects+1) * 512
	copy(m.mem[kernelAddr:], bzImage[offset:])

	for i := range m.vcpuFds {
		if err = m.initRegs(i); err != nil {
			return err
		}

		if err = m.initSregs(i); err != nil {
			return err
		}
	}

	m.initIOPortHandlers()

	if m.serial, err = serial.New(m.InjectSerialIRQ); err != nil {
		return err
	}

	return nil
}

func (m *Machine) GetInputChan() chan<- byte {
	return m.serial.GetInputChan()
}

// GetSerial returns the emulated serial port, e.g. so a caller can redirect
// guest console output with serial.Serial.SetOutput.
func (m *Machine) GetSerial() *serial.Serial {
	return m.serial
}

func (m *Machine) initRegs(i int) error {
	regs, err := kvm.GetRegs(m.vcpuFds[i])
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = kernelAddr
	regs.RSI = bootParamAddr

	if err := kvm.SetRegs(m.vcpuFds[i], regs); err != nil {
		return err
	}

	return nil
}

// SetupRegs sets vCPU 0's entry point and stack pointer directly, bypassing
// the Linux boot-protocol layout LoadLinux builds. Intended for unit tests
// and the disassembly helpers in debug_amd64.go that exercise a vCPU
// without a real kernel image.
func (m *Machine) SetupRegs(rip, rsp uint64, longMode bool) error {
	if err := m.initSregs(0); err != nil {
		return err
	}

	regs, err := kvm.GetRegs(m.vcpuFds[0])
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = rip
	regs.RSP = rsp

	return kvm.SetRegs(m.vcpuFds[0], regs)
}

// GetRegs reads cpu's general-purpose registers.
func (m *Machine) GetRegs(cpu int) (*kvm.Regs, error) {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return nil, err
	}

	return kvm.GetRegs(fd)
}

// SetRegs writes cpu's general-purpose registers.
func (m *Machine) SetRegs(cpu int, r *kvm.Regs) error {
	fd, err := m.CPUToFD(cpu)
	if err != nil {
		return err
	}

	return kvm.SetRegs(fd, r)
}

func (m *Machine) initSregs(i int) error {
	sregs, err := kvm.GetSregs(m.vcpuFds[i])
	if err != nil {
		return err
	}

	// set all segment flat
	sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xFFFFFFFF, 1
	sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xFFFFFFFF, 1
	sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xFFFFFFFF, 1
	sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xFFFFFFFF, 1
	sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xFFFFFFFF, 1
	sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xFFFFFFFF, 1

	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 |= 1 // protected mode

	if err := kvm.SetSregs(m.vcpuFds[i], sregs); err != nil {
		return err
	}

	return nil
}

func (m *Machine) initCPUID(i int) error {
	cpuid := kvm.CPUID{}
	cpuid.Nent = 100

	if err := kvm.GetSupportedCPUID(m.kvmFd, &cpuid); err != nil {
		return err
	}

	// https://www.kernel.org/doc/html/latest/virt/kvm/cpuid.html
	for i := 0; i < int(cpuid.Nent); i++ {
		if cpuid.Entries[i].Function == kvm.CPUIDFuncPerMon {
			cpuid.Entries[i].Eax = 0 // disable
		} else if cpuid.Entries[i].Function == kvm.CPUIDSignature {
			cpuid.Entries[i].Eax = kvm.CPUIDFeatures
			cpuid.Entries[i].Ebx = 0x4b4d564b // KVMK
			cpuid.Entries[i].Ecx = 0x564b4d56 // VMKV
			cpuid.Entries[i].Edx = 0x4d       // M
		}
	}

	if err := kvm.SetCPUID2(m.vcpuFds[i], &cpuid); err != nil {
		return err
	}

	return nil
}

func (m *Machine) RunInfiniteLoop(i int) error {
	// https://www.kernel.org/doc/Documentation/virtual/kvm/api.txt
	// - vcpu ioctls: These query and set attributes that control the operation
	//   of a single virtual cpu.
	//
	//   vcpu ioctls should be issued from the same thread that was used to create
	//   the vcpu, except for asynchronous vcpu ioctl that are marked as such in
	//   the documentation.  Otherwise, the first ioctl after switching threads
	//   could see a performance impact.
	//
	// - device ioctls: These query and set attributes that control the operation
	//   of a single device.
	//
	//   device ioctls must be issued from the same process (address space) that
	//   was used to create the VM.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m.vcpuWG.Add(1)
	defer m.vcpuWG.Done()

	for {
		if atomic.LoadInt32(&m.pauseRequested) != 0 {
			return nil
		}

		if atomic.LoadInt32(&m.shutdownRequested) != 0 {
			return nil
		}

		isContinue, err := m.RunOnce(i)
		if err != nil {
			return err
		}

		if !isContinue {
			return nil
		}
	}
}

// Mem exposes the VM's flat guest-physical memory, used by the live
// migration and snapshot machinery to stream or checksum it directly.
func (m *Machine) Mem() []byte {
	return m.mem
}

// SingleStep arms or disarms instruction-level single-stepping on every
// vCPU; a stepped vCPU reports kvm.ErrDebug from RunOnce after each
// instruction instead of running freely.
func (m *Machine) SingleStep(enable bool) error {
	dbg := &kvm.GuestDebug{}
	if enable {
		dbg.Control = kvm.GuestDebugSingleStep
	}

	for _, fd := range m.vcpuFds {
		if err := kvm.SetGuestDebug(fd, dbg); err != nil {
			return err
		}
	}

	return nil
}

// PauseAndWait requests that every running RunInfiniteLoop return at its
// next iteration and blocks until they have all done so. Used before
// collecting state for a snapshot or live migration so that vCPU state is
// not read while KVM_RUN may still be mutating it.
func (m *Machine) PauseAndWait() {
	atomic.StoreInt32(&m.pauseRequested, 1)
	m.vcpuWG.Wait()
}

// QuiesceDevices stops background device I/O so nothing writes to guest
// memory after a pause. Must be called after PauseAndWait.
func (m *Machine) QuiesceDevices() {
	if m.blk != nil {
		_ = m.blk.Close()
	}
}

// InitForMigration wires up the serial device and I/O port handler table
// for a Machine that will have its state populated by ApplyVCPUState /
// ApplyVMState / device.RestoreAll instead of LoadLinux.
func (m *Machine) InitForMigration() error {
	s, err := serial.New(m.InjectSerialIRQ)
	if err != nil {
		return err
	}

	m.serial = s
	m.initIOPortHandlers()

	return nil
}

// Close releases the vCPU, VM, and /dev/kvm file descriptors. The Machine
// must not be used afterwards.
func (m *Machine) Close() error {
	for _, fd := range m.vcpuFds {
		_ = syscall.Close(int(fd))
	}

	_ = syscall.Close(int(m.vmFd))

	return syscall.Close(int(m.kvmFd))
}

func (m *Machine) RunOnce(i int) (bool, error) {
	err := kvm.Run(m.vcpuFds[i])

	switch m.runs[i].ExitReason {
	case uint32(kvm.EXITHLT):
		fmt.Println("KVM_EXIT_HLT")

		return false, err
	case uint32(kvm.EXITIO):
		direction, size, port, count, offset := m.runs[i].IO()
		f := m.ioportHandlers[port][direction]
		bytes := (*(*[100]byte)(unsafe.Pointer(uintptr(unsafe.Pointer(m.runs[i])) + uintptr(offset))))[0:size]

		for i := 0; i < int(count); i++ {
			if err := f(m, port, bytes); err != nil {
				return false, err
			}
		}

		return true, err
	case uint32(kvm.EXITUNKNOWN):
		return true, err
	case uint32(kvm.EXITDEBUG):
		return true, kvm.ErrDebug
	case uint32(kvm.EXITINTR):
		// When a signal is sent to the thread hosting the VM it will result in EINTR
		// refs https://gist.github.com/mcastelino/df7e65ade874f6890f618dc51778d83a
		return true, nil
	default:
		if err != nil {
			return false, err
		}

		return false, fmt.Errorf("%w: %d", kvm.ErrUnexpectedExitReason, m.runs[i].ExitReason)
	}
}

func (m *Machine) initIOPortHandlers() {
	funcNone := func(m *Machine, port uint64, bytes []byte) error {
		return nil
	}

	funcError := func(m *Machine, port uint64, bytes []byte) error {
		return fmt.Errorf("%w: unexpected io port 0x%x", kvm.ErrUnexpectedExitReason, port)
	}

	// default handler
	for port := 0; port < 0x10000; port++ {
		for dir := kvm.EXITIOIN; dir <= kvm.EXITIOOUT; dir++ {
			m.ioportHandlers[port][dir] = funcError
		}
	}

	for dir := kvm.EXITIOIN; dir <= kvm.EXITIOOUT; dir++ {
		// VGA
		for port := 0x3c0; port <= 0x3da; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}

		for port := 0x3b4; port <= 0x3b5; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}

		// CMOS clock
		for port := 0x70; port <= 0x71; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}

		// DMA Page Registers (Commonly 74L612 Chip)
		for port := 0x80; port <= 0x9f; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}

		// Serial port 2
		for port := 0x2f8; port <= 0x2ff; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}

		// Serial port 3
		for port := 0x3e8; port <= 0x3ef; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}

		// Serial port 4
		for port := 0x2e8; port <= 0x2ef; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}

		// unknown
		for port := 0xcfe; port <= 0xcfe; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}

		for port := 0xcfa; port <= 0xcfb; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}

		// PCI Configuration Space Access Mechanism #2
		for port := 0xc000; port <= 0xcfff; port++ {
			m.ioportHandlers[port][dir] = funcNone
		}
	}

	// PS/2 Keyboard (Always 8042 Chip)
	for port := 0x60; port <= 0x6f; port++ {
		m.ioportHandlers[port][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
			// In ubuntu 20.04 on wsl2, the output to IO port 0x64 continued
			// infinitely. To deal with this issue, refer to kvmtool and
			// configure the input to the Status Register of the PS2 controller.
			//
			// refs:
			// https://github.com/kvmtool/kvmtool/blob/0e1882a49f81cb15d328ef83a78849c0ea26eecc/hw/i8042.c#L312
			// https://git.kernel.org/pub/scm/linux/kernel/git/will/kvmtool.git/tree/hw/i8042.c#n312
			// https://wiki.osdev.org/%228042%22_PS/2_Controller
			bytes[0] = 0x20

			return nil
		}
		m.ioportHandlers[port][kvm.EXITIOOUT] = funcNone
	}

	// ACPI shutdown/reboot signal (EDK2/CloudHv convention)
	for port := iodev.ACPIShutDownDevPort; port < iodev.ACPIShutDownDevPort+m.acpiShutdown.Size(); port++ {
		m.ioportHandlers[port][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
			return m.acpiShutdown.Read(port, bytes)
		}
		m.ioportHandlers[port][kvm.EXITIOOUT] = func(m *Machine, port uint64, bytes []byte) error {
			reboot, shutdown := m.acpiShutdown.Write(port, bytes)
			if reboot {
				log.Println("ACPI reboot signaled")
			}

			if shutdown {
				log.Println("ACPI shutdown signaled")
				atomic.StoreInt32(&m.shutdownRequested, 1)
			}

			return nil
		}
	}

	// Serial port 1
	for port := serial.COM1Addr; port < serial.COM1Addr+8; port++ {
		m.ioportHandlers[port][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
			return m.serial.In(port, bytes)
		}
		m.ioportHandlers[port][kvm.EXITIOOUT] = func(m *Machine, port uint64, bytes []byte) error {
			return m.serial.Out(port, bytes)
		}
	}

	// PCI configuration
	//
	// 0xcf8 for address register for PCI Config Space
	// 0xcfc + 0xcff for data for PCI Config Space
	// see https://github.com/torvalds/linux/blob/master/arch/x86/pci/direct.c for more detail.

	m.ioportHandlers[0xCF8][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
		return m.pci.PciConfAddrIn(port, bytes)
	}
	m.ioportHandlers[0xCF8][kvm.EXITIOOUT] = func(m *Machine, port uint64, bytes []byte) error {
		return m.pci.PciConfAddrOut(port, bytes)
	}

	for port := 0xcfc; port < 0xcfc+4; port++ {
		m.ioportHandlers[port][kvm.EXITIOIN] = func(m *Machine, port uint64, bytes []byte) error {
			return m.pci.PciConfDataIn(port, bytes)
		}
		m.ioportHandlers[port][kvm.EXITIOOUT] = func(m *Machine, port uint64, bytes []byte) error {
			return m.pci.PciConfDataOut(port, bytes)
		}
	}

	// PCI devices
	for _, device := range m.pci.Devices {
		start, end := device.GetIORange()
		for port := start; port < end; port++ {
			m.ioportHandlers[port][kvm.EXITIOIN] = pciInFunc
			m.ioportHandlers[port][kvm.EXITIOOUT] = pciOutFunc
		}
	}
}

func pciInFunc(m *Machine, port uint64, bytes []byte) error {
	for i := range m.pci.Devices {
		start, end := m.pci.Devices[i].GetIORange()
		if start <= port && port < end {
			return m.pci.Devices[i].IOInHandler(port, bytes)
		}
	}

	return errorPCIDeviceNotFoundForPort
}

func pciOutFunc(m *Machine, port uint64, bytes []byte) error {
	for i := range m.pci.Devices {
		start, end := m.pci.Devices[i].GetIORange()
		if start <= port && port < end {
			return m.pci.Devices[i].IOOutHandler(port, bytes)
		}
	}

	return errorPCIDeviceNotFoundForPort
}

func (m *Machine) InjectSerialIRQ(irq, level uint32) {
	_ = kvm.IRQLine(m.vmFd, irq, 0)
	_ = kvm.IRQLine(m.vmFd, irq, level)
}

func (m *Machine) InjectVirtioBlkIRQ() error {
	if err := kvm.IRQLine(m.vmFd, virtioBlkIRQ, 0); err != nil {
		return err
	}

	return kvm.IRQLine(m.vmFd, virtioBlkIRQ, 1)
}

func (m *Machine) InjectVirtioNetIRQ() error {
	if err := kvm.IRQLine(m.vmFd, virtioNetIRQ, 0); err != nil {
		return err
	}

	return kvm.IRQLine(m.vmFd, virtioNetIRQ, 1)
}
