package volume

import (
	"errors"
	"os"
	"strings"
	"testing"
)

const (
	emptySHA1   = "da39a3ee5e6b4b0d3255bfef95601890afd80709"
	helloSHA1   = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"
	helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
)

func TestNewFileDriver(t *testing.T) {
	tmpDir := t.TempDir() + "/volumes"

	driver, err := NewFileDriver(tmpDir)
	if err != nil {
		t.Fatalf("NewFileDriver() error = %v", err)
	}

	if driver.basePath != tmpDir {
		t.Errorf("basePath = %v, want %v", driver.basePath, tmpDir)
	}

	if _, err := os.Stat(tmpDir); os.IsNotExist(err) {
		t.Error("Base directory was not created")
	}
}

func TestFileDriver_Create(t *testing.T) {
	driver, _ := NewFileDriver(t.TempDir())

	if err := driver.Create("v1", 1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	info, err := os.Stat(driver.Path("v1"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != gib {
		t.Errorf("size = %d, want %d", info.Size(), gib)
	}

	if err := driver.Create("v1", 1); err == nil {
		t.Error("Create() of an existing volume should fail")
	}
	if err := driver.Create("v2", 0); err == nil {
		t.Error("Create() with zero size should fail")
	}
}

func TestFileDriver_WriteAndChecksum(t *testing.T) {
	driver, _ := NewFileDriver(t.TempDir())

	digests, err := driver.Write("v1", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	want := Digests{SHA1: helloSHA1, SHA256: helloSHA256, Bytes: 5}
	if digests != want {
		t.Errorf("Write() = %+v, want %+v", digests, want)
	}

	got, err := driver.Checksum("v1")
	if err != nil {
		t.Fatalf("Checksum() error = %v", err)
	}
	if got != want {
		t.Errorf("Checksum() = %+v, want %+v", got, want)
	}

	digests, err = driver.Write("v1", strings.NewReader(""))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if digests.SHA1 != emptySHA1 || digests.Bytes != 0 {
		t.Errorf("rewrite digests = %+v", digests)
	}
}

func TestFileDriver_Clone(t *testing.T) {
	driver, _ := NewFileDriver(t.TempDir())

	if _, err := driver.Write("origin", strings.NewReader("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := driver.Clone("origin", "child"); err != nil {
		t.Fatalf("Clone() error = %v", err)
	}

	data, err := os.ReadFile(driver.Path("child"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("clone content = %q", data)
	}

	err = driver.Clone("missing", "other")
	if !errors.Is(err, ErrVolumeMissing) {
		t.Errorf("Clone() of missing volume error = %v, want ErrVolumeMissing", err)
	}
}

func TestFileDriver_Delete(t *testing.T) {
	driver, _ := NewFileDriver(t.TempDir())

	if err := driver.Create("v1", 1); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := driver.Delete("v1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(driver.Path("v1")); !os.IsNotExist(err) {
		t.Error("Volume file still exists after delete")
	}

	// Delete non-existent volume should not error
	if err := driver.Delete("v1"); err != nil {
		t.Errorf("Delete() on non-existent volume error = %v, want nil", err)
	}
}
