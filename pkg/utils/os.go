package utils

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sys/unix"
)

type OsArch int32

const (
	Arch_Unknown OsArch = iota
	Arch_x86_64
	Arch_Arm_64
	Arch_Other
)

var validNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.][a-zA-Z0-9_.-]{0,254}$`)

// DetectArchitecture detects the architecture of the system.
func DetectArchitecture() OsArch {
	var utsname unix.Utsname
	if err := unix.Uname(&utsname); err != nil {
		return Arch_Unknown
	}
	machine := strings.Trim(string(utsname.Machine[:]), "\x00")
	switch machine {
	case "x86_64":
		return Arch_x86_64
	case "arm64", "aarch64":
		return Arch_Arm_64
	}
	return Arch_Other
}

// String returns the string representation of the OsArch.
func (o OsArch) String() string {
	return [...]string{"unknown", "x86_64", "arm64", "other"}[o]
}

// FileExists returns if the given path exists.
func FileExists(filePath string) (bool, fs.FileInfo) {
	stat, err := os.Stat(filePath)
	if err != nil {
		return false, nil
	}
	return true, stat
}

// IsDir returns if the given file is directory.
func IsDir(fileInfo fs.FileInfo) bool {
	return fileInfo.Mode()&fs.ModeDir != 0
}

// IsSocket returns if the given file is a unix socket.
func IsSocket(fileInfo fs.FileInfo) bool {
	return fileInfo.Mode()&fs.ModeSocket != 0
}

// IsWritable checks if the directory at the given path is writable.
// Important: This function uses the unix package, which only works on unix systems.
func IsWritable(path string) (bool, error) {
	if err := unix.Access(path, unix.W_OK); err != nil {
		return false, err
	}
	return true, nil
}

// IsExecutable checks if the file at the given path is a regular file that
// the current user may execute.
func IsExecutable(path string) (bool, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	if !stat.Mode().IsRegular() {
		return false, fmt.Errorf("not a regular file: %s", path)
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return false, err
	}
	return true, nil
}

// IsDirAndWritable checks if the file is a directory and is writable.
func IsDirAndWritable(filePath string, fileInfo fs.FileInfo) (bool, error) {
	if dir := IsDir(fileInfo); !dir {
		return false, fmt.Errorf("given file path is not a directory: %s", filePath)
	}
	_, err := IsWritable(filePath)
	if err != nil {
		return false, fmt.Errorf("given file path is not writable: %v", err)
	}
	return true, nil
}

// IsValidName checks if the given name can be used as a single path element.
func IsValidName(name string) bool {
	return validNamePattern.MatchString(name) && name != "." && name != ".."
}

// PrepareDir creates the directory if it does not exist and checks that it
// is writable otherwise.
func PrepareDir(path string) error {
	exists, fileInfo := FileExists(path)
	if exists {
		ok, err := IsDirAndWritable(path, fileInfo)
		if !ok {
			return fmt.Errorf("target path is not a directory or not writable: %v", err)
		}
		return nil
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	return nil
}

// CopyFile copies the file from the source path to the destination path.
func CopyFile(srcPath string, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer src.Close()

	stat, err := src.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, stat.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy file: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return out.Close()
}

// HardLinkOrCopy links srcPath to destPath. When both paths live on
// different file systems the file is copied instead.
func HardLinkOrCopy(srcPath string, destPath string) error {
	err := os.Link(srcPath, destPath)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EXDEV) || errors.Is(err, unix.EPERM) {
		return CopyFile(srcPath, destPath)
	}
	return fmt.Errorf("failed to link %s to %s: %w", srcPath, destPath, err)
}

// MoveFile renames srcPath to destPath and falls back to copy and remove
// across file systems.
func MoveFile(srcPath string, destPath string) error {
	err := os.Rename(srcPath, destPath)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EXDEV) {
		return fmt.Errorf("failed to move %s to %s: %w", srcPath, destPath, err)
	}
	if err := CopyFile(srcPath, destPath); err != nil {
		return err
	}
	return os.Remove(srcPath)
}

// WriteFileAtomic writes data to a temporary file next to filePath and
// renames it into place. Atomicity only holds within one file system.
func WriteFileAtomic(filePath string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(filePath)
	tmp, err := os.CreateTemp(dir, "*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filePath); err != nil {
		return err
	}
	return SyncDir(dir)
}

// SyncDir flushes directory entries so that renames survive a power loss.
func SyncDir(dir string) error {
	dfd, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer dfd.Close()
	return dfd.Sync()
}

// DirSize returns the summed size of all regular files below path.
func DirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}
