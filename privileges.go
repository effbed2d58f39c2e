package main

import (
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// getOriginalUser gets the user who invoked sudo
func getOriginalUser() (*user.User, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return nil, fmt.Errorf("SUDO_USER environment variable not found")
	}
	return user.Lookup(sudoUser)
}

// chownToInvoker hands dir and everything below it back to the user who
// ran sudo, so the event store stays readable after a privileged session.
// It does nothing when not running as root.
func chownToInvoker(dir string) error {
	if unix.Geteuid() != 0 {
		return nil
	}
	u, err := getOriginalUser()
	if err != nil {
		return fmt.Errorf("could not get original user: %v", err)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("invalid uid: %v", err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid: %v", err)
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := unix.Lchown(path, uid, gid); err != nil {
			return fmt.Errorf("could not chown %s: %v", path, err)
		}
		return nil
	})
}
