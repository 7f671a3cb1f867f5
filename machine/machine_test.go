package machine_test

import (
	"testing"

	"github.com/ec1-systems/microvmd/machine"
)

func TestNewAndLoadLinux(t *testing.T) {
	t.Parallel()

	m, err := machine.New("/dev/kvm", 1, 1<<29)
	if err != nil {
		t.Fatal(err)
	}

	if err = m.LoadLinux("../bzImage", "../initrd", "console=ttyS0"); err != nil {
		t.Fatal(err)
	}

	m.GetInputChan()
	m.InjectSerialIRQ(4, 1)
	m.RunData()

	for i := 0; i < 10; i++ {
		isContinue, err := m.RunOnce(0)
		if err != nil {
			t.Fatal(err)
		}

		if !isContinue {
			t.Fatal("guest finished unexpectedly")
		}
	}
}
