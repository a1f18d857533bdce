package vmm

import (
	"strings"
	"testing"
)

func TestVMConfig_Validate(t *testing.T) {
	base := VMConfig{VCPUs: 2, MemoryMB: 2048, RootfsPath: "/tmp/rootfs.ext4", KernelPath: "/tmp/Image"}

	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}

	cases := []VMConfig{
		{VCPUs: 0, MemoryMB: 2048, RootfsPath: "x", KernelPath: "y"},
		{VCPUs: 2, MemoryMB: 64, RootfsPath: "x", KernelPath: "y"},
		{VCPUs: 2, MemoryMB: 2048, KernelPath: "y"},
		{VCPUs: 2, MemoryMB: 2048, RootfsPath: "x"},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected error, got nil", i)
		}
	}
}

func TestVMConfig_Validate_DuplicateMount(t *testing.T) {
	cfg := VMConfig{
		VCPUs: 1, MemoryMB: 256, RootfsPath: "x", KernelPath: "y",
		Mounts: []Mount{
			{HostPath: "/a", GuestPath: "/work"},
			{HostPath: "/b", GuestPath: "/work"},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for duplicate guest path")
	}
}

func TestVMConfig_Validate_RelativeMount(t *testing.T) {
	cfg := VMConfig{
		VCPUs: 1, MemoryMB: 256, RootfsPath: "x", KernelPath: "y",
		Mounts: []Mount{{HostPath: "/a", GuestPath: "relative"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for non-absolute guest path")
	}
}

func TestMount_Tag_StableAndBounded(t *testing.T) {
	m := Mount{GuestPath: "/workspace"}
	tag1 := m.Tag()
	tag2 := m.Tag()
	if tag1 != tag2 {
		t.Errorf("Tag() not stable: %q != %q", tag1, tag2)
	}
	if len(tag1) > 36 {
		t.Errorf("Tag() length %d exceeds 36-char platform limit", len(tag1))
	}

	other := Mount{GuestPath: "/other"}
	if other.Tag() == tag1 {
		t.Error("different guest paths produced the same tag")
	}
}

func TestVMConfig_KernelCmdline(t *testing.T) {
	cfg := VMConfig{
		VCPUs: 1, MemoryMB: 256, RootfsPath: "x", KernelPath: "y",
		NetworkEnabled: true,
		Mounts:         []Mount{{GuestPath: "/work", ReadOnly: true}},
	}
	cmdline := cfg.KernelCmdline()

	for _, want := range []string{"console=hvc0", "root=/dev/vda", "rw", "quiet", "shuru.net=1", "/work:ro"} {
		if !strings.Contains(cmdline, want) {
			t.Errorf("cmdline %q missing %q", cmdline, want)
		}
	}
}

func TestVMConfig_KernelCmdline_Verbose(t *testing.T) {
	cfg := VMConfig{VCPUs: 1, MemoryMB: 256, RootfsPath: "x", KernelPath: "y", Verbose: true}
	cmdline := cfg.KernelCmdline()
	if strings.Contains(cmdline, "quiet") {
		t.Errorf("verbose cmdline should omit quiet: %q", cmdline)
	}
}
