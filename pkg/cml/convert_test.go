package cml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToSystemInfoFlattensComputes(t *testing.T) {
	info := &SystemInformation{Version: "2.7.0", Ready: true}
	stats := &SystemStats{Computes: map[string]ComputeStats{}}

	var cs ComputeStats
	cs.Stats.CPU.Percent = 35.5
	cs.Stats.Memory.Used = 8
	cs.Stats.Memory.Total = 32
	cs.Stats.Disk.Used = 50
	cs.Stats.Disk.Total = 200
	cs.Stats.DomInfo = DomInfo{AllocatedCPUs: 12, AllocatedMemory: 24576, TotalNodes: 9, RunningNodes: 4}
	stats.Computes["compute-a"] = cs

	out := ToSystemInfo(info, stats)
	assert.Equal(t, "2.7.0", out.Version)
	assert.True(t, out.Ready)
	require.Len(t, out.Computes, 1)
	c := out.Computes[0]
	assert.Equal(t, "compute-a", c.Hostname)
	assert.Equal(t, 35.5, c.CPUPercent)
	assert.Equal(t, 25.0, c.MemoryPercent)
	assert.Equal(t, 25.0, c.DiskPercent)
	assert.Equal(t, 9, c.TotalNodes)
	assert.Equal(t, 4, c.RunningNodes)
}

func TestToSystemInfoZeroTotalsDoNotDivide(t *testing.T) {
	stats := &SystemStats{Computes: map[string]ComputeStats{"c": {}}}
	out := ToSystemInfo(nil, stats)
	require.Len(t, out.Computes, 1)
	assert.Zero(t, out.Computes[0].MemoryPercent)
}

func TestToLicenseInfoFeatures(t *testing.T) {
	lic := &Licensing{ProductLicense: "CML_Enterprise", UDI: "udi-1"}
	lic.Registration.Status = "COMPLETED"
	lic.Features = append(lic.Features, struct {
		Name string `json:"name"`
	}{Name: "nodes"})

	out := ToLicenseInfo(lic)
	assert.Equal(t, "COMPLETED", out.RegistrationStatus)
	assert.Equal(t, []string{"nodes"}, out.Features)
}
