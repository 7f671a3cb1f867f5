// Command microvmd is a thin client for the control socket a running
// microvmd guest listens on (see vmm.StartControlSocket): it sends one
// line, prints the response, and exits.
package main

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/alecthomas/kong"
	"github.com/ec1-systems/microvmd/vmm"
)

// CLI is the top-level kong command tree for the control-plane client.
type CLI struct {
	PID int `required:"" short:"p" help:"PID of the running microvmd guest."`

	Pause            PauseCMD            `cmd:"" help:"Pause all vCPUs and quiesce devices."`
	Resume           ResumeCMD           `cmd:"" help:"Resume a paused guest."`
	CreateSnapshot   CreateSnapshotCMD   `cmd:"" help:"Pause the guest and write a full or diff snapshot." name:"create-snapshot"`
	LoadSnapshot     LoadSnapshotCMD     `cmd:"" help:"Load a snapshot onto the guest." name:"load-snapshot"`
	LoadSnapshotUFFD LoadSnapshotUFFDCMD `cmd:"" help:"Load a snapshot with memory served lazily by a uffd handler." name:"load-snapshot-uffd"`
}

// PauseCMD sends PAUSE.
type PauseCMD struct{}

// ResumeCMD sends RESUME.
type ResumeCMD struct{}

// CreateSnapshotCMD sends SNAPSHOT <statePath> <memPath> [dax|-] [diff].
type CreateSnapshotCMD struct {
	StatePath string `arg:"" help:"Output path for the state file."`
	MemPath   string `arg:"" help:"Output path for the memory file."`
	DaxDevice string `optional:"" help:"Relocate memory into this device-DAX node instead of MemPath."`
	Diff      bool   `help:"Write only pages dirtied since the last snapshot instead of a full image."`
}

// LoadSnapshotCMD sends LOADSNAPSHOT <statePath> <memPath> [daxDevice] [resume].
type LoadSnapshotCMD struct {
	StatePath string `arg:"" help:"Path of the state file to load."`
	MemPath   string `arg:"" help:"Path of the memory file to load."`
	DaxDevice string `optional:"" help:"Memory is backed by this device-DAX node instead of MemPath."`
	Resume    bool   `help:"Resume the guest once the snapshot is applied."`
}

func (c *PauseCMD) Run(cli *CLI) error {
	return sendCommand(cli.PID, "PAUSE")
}

func (c *ResumeCMD) Run(cli *CLI) error {
	return sendCommand(cli.PID, "RESUME")
}

func (c *CreateSnapshotCMD) Run(cli *CLI) error {
	dax := c.DaxDevice
	if dax == "" {
		dax = "-"
	}

	line := fmt.Sprintf("SNAPSHOT %s %s", c.StatePath, c.MemPath)
	if c.DaxDevice != "" || c.Diff {
		line += " " + dax
	}

	if c.Diff {
		line += " diff"
	}

	return sendCommand(cli.PID, line)
}

// LoadSnapshotUFFDCMD sends LOADSNAPSHOTUFFD <statePath> <handlerSocket> [resume].
type LoadSnapshotUFFDCMD struct {
	StatePath     string `arg:"" help:"Path of the state file to load."`
	HandlerSocket string `arg:"" help:"Unix socket a uffd.Handler is listening on to service page fills."`
	Resume        bool   `help:"Resume the guest once the snapshot is applied."`
}

func (c *LoadSnapshotUFFDCMD) Run(cli *CLI) error {
	line := fmt.Sprintf("LOADSNAPSHOTUFFD %s %s", c.StatePath, c.HandlerSocket)
	if c.Resume {
		line += " resume"
	}

	return sendCommand(cli.PID, line)
}

func (c *LoadSnapshotCMD) Run(cli *CLI) error {
	dax := c.DaxDevice
	if dax == "" {
		dax = "-"
	}

	line := fmt.Sprintf("LOADSNAPSHOT %s %s %s", c.StatePath, c.MemPath, dax)
	if c.Resume {
		line += " resume"
	}

	return sendCommand(cli.PID, line)
}

// sendCommand dials the guest's control socket, sends line, and prints the
// OK/ERROR response.
func sendCommand(pid int, line string) error {
	path := vmm.ControlSocketPath(pid)

	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", path, err)
	}

	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return fmt.Errorf("write command: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}

	fmt.Print(reply)

	return nil
}

func main() {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("microvmd"),
		kong.Description("Control-plane client for a running microvmd guest."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if err := ctx.Run(&c); err != nil {
		log.Fatal(err)
	}
}
