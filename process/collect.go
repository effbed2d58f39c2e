package process

import (
	"fmt"
	"path/filepath"

	ps "github.com/shirou/gopsutil/v4/process"
)

// CollectPeer gathers information about a process from the host's process
// table. Only the name is required; exe, command line and uid are filled
// in when the platform exposes them.
func CollectPeer(pid int) (*PeerInfo, error) {
	p, err := ps.NewProcess(int32(pid))
	if err != nil {
		return nil, fmt.Errorf("failed to look up pid %d: %v", pid, err)
	}

	info := &PeerInfo{PID: pid}
	if exe, err := p.Exe(); err == nil {
		info.ExePath = exe
	}
	if name, err := p.Name(); err == nil {
		info.Comm = name
	} else if info.ExePath != "" {
		info.Comm = filepath.Base(info.ExePath)
	} else {
		return nil, fmt.Errorf("failed to read name of pid %d: %v", pid, err)
	}
	if cmdline, err := p.Cmdline(); err == nil {
		info.CmdLine = cmdline
	}
	if uids, err := p.Uids(); err == nil && len(uids) > 0 {
		// real uid
		info.UID = uids[0]
	}
	return info, nil
}

func processExists(pid int) bool {
	ok, err := ps.PidExists(int32(pid))
	return err == nil && ok
}
