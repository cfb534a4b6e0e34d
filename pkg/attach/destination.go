package attach

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// Destination is where a disk is attached: HOST:PATH with PATH ending in
// /<vmID>/images/disk.<N>
type Destination struct {
	Host  string
	Path  string // device target
	Dir   string // directory holding the device target
	VMID  string
	Index int // 0 is the boot disk
}

// DiskName returns the device file name, disk.<N>
func (d Destination) DiskName() string {
	return path.Base(d.Path)
}

// Boot reports whether the destination is the boot disk
func (d Destination) Boot() bool {
	return d.Index == 0
}

func (d Destination) String() string {
	return d.Host + ":" + d.Path
}

// ParseDestination parses a HOST:PATH destination
func ParseDestination(s string) (Destination, error) {
	host, p, ok := strings.Cut(s, ":")
	if !ok || host == "" || p == "" {
		return Destination{}, fmt.Errorf("invalid destination %q: want HOST:PATH", s)
	}
	if !path.IsAbs(p) {
		return Destination{}, fmt.Errorf("invalid destination %q: path must be absolute", s)
	}
	p = path.Clean(p)

	name := path.Base(p)
	n, ok := strings.CutPrefix(name, "disk.")
	if !ok {
		return Destination{}, fmt.Errorf("invalid destination %q: %s is not disk.<N>", s, name)
	}
	index, err := strconv.Atoi(n)
	if err != nil || index < 0 {
		return Destination{}, fmt.Errorf("invalid destination %q: bad disk index %q", s, n)
	}

	dir := path.Dir(p)
	if path.Base(dir) != "images" {
		return Destination{}, fmt.Errorf("invalid destination %q: disk must be under <vmID>/images", s)
	}
	vmID := path.Base(path.Dir(dir))
	if vmID == "/" || vmID == "." {
		return Destination{}, fmt.Errorf("invalid destination %q: missing VM id", s)
	}

	return Destination{
		Host:  host,
		Path:  p,
		Dir:   dir,
		VMID:  vmID,
		Index: index,
	}, nil
}
