package cml

import (
	"sort"
	"time"

	"github.com/cuemby/labfleet/pkg/types"
)

// ToSystemInfo flattens system_information plus per-compute stats into
// the persisted projection shape
func ToSystemInfo(info *SystemInformation, stats *SystemStats) *types.SystemInfo {
	out := &types.SystemInfo{}
	if info != nil {
		out.Version = info.Version
		out.Ready = info.Ready
	}
	if stats != nil {
		names := make([]string, 0, len(stats.Computes))
		for name := range stats.Computes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			cs := stats.Computes[name]
			hostname := cs.Hostname
			if hostname == "" {
				hostname = name
			}
			compute := types.ComputeStats{
				Hostname:        hostname,
				CPUPercent:      cs.Stats.CPU.Percent,
				AllocatedCPUs:   cs.Stats.DomInfo.AllocatedCPUs,
				AllocatedMemory: cs.Stats.DomInfo.AllocatedMemory,
				TotalNodes:      cs.Stats.DomInfo.TotalNodes,
				RunningNodes:    cs.Stats.DomInfo.RunningNodes,
			}
			if cs.Stats.Memory.Total > 0 {
				compute.MemoryPercent = float64(cs.Stats.Memory.Used) / float64(cs.Stats.Memory.Total) * 100
			}
			if cs.Stats.Disk.Total > 0 {
				compute.DiskPercent = float64(cs.Stats.Disk.Used) / float64(cs.Stats.Disk.Total) * 100
			}
			out.Computes = append(out.Computes, compute)
		}
	}
	return out
}

// ToSystemHealth converts the health response into the projection shape
func ToSystemHealth(h *SystemHealth) *types.SystemHealth {
	if h == nil {
		return nil
	}
	return &types.SystemHealth{
		Valid:        h.Valid,
		IsLicensed:   h.IsLicensed,
		IsEnterprise: h.IsEnterprise,
		Computes:     h.Computes,
		Controller:   h.Controller,
	}
}

// ToLicenseInfo converts the licensing response into the projection shape
func ToLicenseInfo(l *Licensing) *types.LicenseInfo {
	if l == nil {
		return nil
	}
	info := &types.LicenseInfo{
		RegistrationStatus:  l.Registration.Status,
		AuthorizationStatus: l.Authorization.Status,
		ProductLicense:      l.ProductLicense,
		UDI:                 l.UDI,
	}
	for _, f := range l.Features {
		info.Features = append(info.Features, f.Name)
	}
	return info
}

// ToLabRecord builds a fresh record from lab details; callers merge it
// into an existing record to preserve history
func ToLabRecord(workerID string, d *LabDetails, now time.Time) *types.LabRecord {
	rec := &types.LabRecord{
		LabID:         d.ID,
		WorkerID:      workerID,
		Title:         d.Title,
		Description:   d.Description,
		Notes:         d.Notes,
		State:         d.State,
		OwnerUsername: d.Owner,
		OwnerFullName: d.OwnerName,
		NodeCount:     d.NodeCount,
		LinkCount:     d.LinkCount,
		Groups:        d.Groups,
		FirstSeenAt:   now,
		LastSyncedAt:  now,
	}
	if t, err := time.Parse(time.RFC3339, d.Created); err == nil {
		rec.LabServiceCreatedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, d.Modified); err == nil {
		rec.LabServiceModifiedAt = &t
	}
	return rec
}
