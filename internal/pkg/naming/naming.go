package naming

import (
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// Name of the asset storage bucket holding kernels and root file systems.
	StorageAssetBucketName = "stockade-assets"

	// Redis keys used to exchange approval requests and decisions.
	ApprovalPendingListKey = "stockade:approvals:pending"
)

const (
	// ChainPrefix is prepended to every per VM firewall chain.
	ChainPrefix = "STK-"

	// ChainIDLength is the number of sanitized VM id characters kept in a
	// chain name. Prefix plus id stays below the 28 character kernel limit.
	ChainIDLength = 16

	// APISocketName is the control socket path inside the jail.
	APISocketName = "firecracker.socket"

	// VsockUDSName is the host side vsock socket path inside the jail.
	VsockUDSName = "v.sock"

	SnapshotMemFileName      = "memory.snap"
	SnapshotStateFileName    = "vmstate.snap"
	SnapshotMetadataFileName = "metadata.json"
	SnapshotStagingDirName   = ".staging"

	cgroupMountPoint = "/sys/fs/cgroup"
)

var cgroupV1Controllers = []string{"cpu", "cpuset", "memory", "blkio"}

// ChainName derives the firewall chain of a VM from its id. Ids that share
// the first ChainIDLength sanitized characters map to the same chain.
func ChainName(vmID string) string {
	var b strings.Builder
	b.Grow(ChainIDLength)
	for _, r := range vmID {
		if b.Len() == ChainIDLength {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return ChainPrefix + b.String()
}

func ChrootBaseDir(dataPath string) string {
	return filepath.Join(dataPath, "jails")
}

// ChrootDir mirrors the jail layout of the jailer: <base>/<exec name>/<id>.
func ChrootDir(chrootBase string, execFile string, vmID string) string {
	return filepath.Join(chrootBase, filepath.Base(execFile), vmID)
}

func ChrootRoot(chrootBase string, execFile string, vmID string) string {
	return filepath.Join(ChrootDir(chrootBase, execFile, vmID), "root")
}

// JailedAPISocketPath is the control socket path as seen by the jailed
// hypervisor.
func JailedAPISocketPath() string {
	return "/run/" + APISocketName
}

func APISocketPath(root string) string {
	return filepath.Join(root, "run", APISocketName)
}

func VsockUDSPath(root string) string {
	return filepath.Join(root, VsockUDSName)
}

// VsockListenerPath is the unix socket the hypervisor forwards guest
// initiated vsock connections on the given port to.
func VsockListenerPath(udsPath string, port uint32) string {
	return fmt.Sprintf("%s_%d", udsPath, port)
}

func UnjailedBaseDir(dataPath string) string {
	return filepath.Join(dataPath, "unjailed")
}

// UnjailedDir is the scratch directory of a VM launched without the jailer.
func UnjailedDir(dataPath string, vmID string) string {
	return filepath.Join(UnjailedBaseDir(dataPath), vmID)
}

// CgroupDirs lists the per VM cgroups created by the jailer. With cgroup v1
// there is one per mounted controller.
func CgroupDirs(cgroupVersion string, execFile string, vmID string) []string {
	if cgroupVersion == "1" {
		dirs := make([]string, 0, len(cgroupV1Controllers))
		for _, controller := range cgroupV1Controllers {
			dirs = append(dirs, filepath.Join(cgroupMountPoint, controller, filepath.Base(execFile), vmID))
		}
		return dirs
	}
	return []string{filepath.Join(cgroupMountPoint, filepath.Base(execFile), vmID)}
}

func SnapshotStoragePath(dataPath string) string {
	return filepath.Join(dataPath, "snapshots")
}

func AssetStoragePath(dataPath string) string {
	return filepath.Join(dataPath, "assets")
}

// AssetObjectName is the key of an asset in the storage bucket.
func AssetObjectName(arch string, fileName string) string {
	return fmt.Sprintf("%s/%s", arch, fileName)
}

func ApprovalDecisionKey(requestID string) string {
	return fmt.Sprintf("stockade:approvals:decision:%s", requestID)
}
