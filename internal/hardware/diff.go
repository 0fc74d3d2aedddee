package hardware

import (
	"fmt"
	"sort"
)

// ChangeType classifies a difference between two hardware snapshots.
type ChangeType string

const (
	DeviceConnected         ChangeType = "device_connected"
	DeviceDisconnected      ChangeType = "device_disconnected"
	DriverChanged           ChangeType = "driver_changed"
	ConfigurationChanged    ChangeType = "configuration_changed"
	PerformanceStateChanged ChangeType = "performance_state_changed"
)

// Change describes one detected difference.
type Change struct {
	Type        ChangeType
	Description string
}

// Diff lists the differences between prev and cur in a stable order:
// CPU and memory configuration, GPUs, storage, then network interfaces.
func Diff(prev, cur *HardwareSnapshot) []Change {
	if prev == nil || cur == nil {
		return nil
	}

	var changes []Change

	if prev.CPU.LogicalCores != cur.CPU.LogicalCores {
		changes = append(changes, Change{
			Type:        ConfigurationChanged,
			Description: fmt.Sprintf("logical CPU count changed from %d to %d", prev.CPU.LogicalCores, cur.CPU.LogicalCores),
		})
	}
	if prev.Memory.Total != cur.Memory.Total {
		changes = append(changes, Change{
			Type:        ConfigurationChanged,
			Description: fmt.Sprintf("total memory changed from %d to %d bytes", prev.Memory.Total, cur.Memory.Total),
		})
	}

	changes = append(changes, diffGPUs(prev.GPUs, cur.GPUs)...)

	changes = append(changes, diffKeyed(prev.Storage, cur.Storage,
		func(s StorageInfo) string { return s.Device + " on " + s.Mountpoint },
		"storage")...)

	changes = append(changes, diffKeyed(prev.Network, cur.Network,
		func(n NetworkInfo) string { return n.Name },
		"network interface")...)
	changes = append(changes, diffLinkState(prev.Network, cur.Network)...)

	return changes
}

func gpuKey(g GPUInfo) string {
	if g.UUID != "" {
		return g.UUID
	}
	return fmt.Sprintf("index-%d", g.Index)
}

func diffGPUs(prev, cur []GPUInfo) []Change {
	changes := diffKeyed(prev, cur, func(g GPUInfo) string {
		return fmt.Sprintf("%s (%s)", g.Name, gpuKey(g))
	}, "GPU")

	before := make(map[string]GPUInfo, len(prev))
	for _, g := range prev {
		before[gpuKey(g)] = g
	}
	for _, g := range cur {
		old, ok := before[gpuKey(g)]
		if ok && old.Driver != g.Driver {
			changes = append(changes, Change{
				Type:        DriverChanged,
				Description: fmt.Sprintf("GPU %s driver changed from %q to %q", g.Name, old.Driver, g.Driver),
			})
		}
	}

	return changes
}

func diffLinkState(prev, cur []NetworkInfo) []Change {
	before := make(map[string]bool, len(prev))
	for _, n := range prev {
		before[n.Name] = n.Up
	}

	var changes []Change
	for _, n := range cur {
		up, ok := before[n.Name]
		if !ok || up == n.Up {
			continue
		}
		state := "down"
		if n.Up {
			state = "up"
		}
		changes = append(changes, Change{
			Type:        PerformanceStateChanged,
			Description: fmt.Sprintf("network interface %s is %s", n.Name, state),
		})
	}
	return changes
}

func diffKeyed[T any](prev, cur []T, key func(T) string, kind string) []Change {
	before := make(map[string]bool, len(prev))
	for _, item := range prev {
		before[key(item)] = true
	}
	after := make(map[string]bool, len(cur))
	for _, item := range cur {
		after[key(item)] = true
	}

	var added, removed []string
	for k := range after {
		if !before[k] {
			added = append(added, k)
		}
	}
	for k := range before {
		if !after[k] {
			removed = append(removed, k)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	changes := make([]Change, 0, len(added)+len(removed))
	for _, k := range added {
		changes = append(changes, Change{Type: DeviceConnected, Description: kind + " connected: " + k})
	}
	for _, k := range removed {
		changes = append(changes, Change{Type: DeviceDisconnected, Description: kind + " disconnected: " + k})
	}
	return changes
}
