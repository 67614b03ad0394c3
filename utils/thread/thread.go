// Package thread pins the calling OS thread to a CPU core. Callers must hold
// the thread with runtime.LockOSThread for the pin to stick to a goroutine.
package thread

import (
	"runtime"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func SetCPUAffinity(coreID int) error {
	if coreID < 0 || coreID >= runtime.NumCPU() {
		return errors.Errorf("cpu %d out of range", coreID)
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(coreID)
	// pid 0 is the calling thread
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return errors.Wrapf(err, "Can not pin thread to cpu %d", coreID)
	}
	return nil
}

// CPUAffinity lists the cores the calling thread may run on.
func CPUAffinity() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, errors.Wrap(err, "Can not read thread affinity")
	}
	var cores []int
	for i := 0; i < runtime.NumCPU(); i++ {
		if set.IsSet(i) {
			cores = append(cores, i)
		}
	}
	return cores, nil
}
