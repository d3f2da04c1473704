package channels

import (
	"iter"
	"slices"
	"strings"
)

// ChannelInfo is a point-in-time snapshot of an active channel.
type ChannelInfo struct {
	Name     string        `json:"name"`
	Platform string        `json:"platform"`
	Status   ChannelStatus `json:"status"`
}

// ListChannels returns an iterator over all active channels in the dispatcher.
func (d *Dispatcher) ListChannels() iter.Seq[ChannelInfo] {
	return func(yield func(ChannelInfo) bool) {
		d.mu.RLock()
		defer d.mu.RUnlock()

		for name, entry := range d.channels {
			if !yield(ChannelInfo{Name: name, Platform: entry.platform, Status: entry.channel.Status()}) {
				return
			}
		}
	}
}

// Snapshot returns every active channel sorted by name, for status pages.
func (d *Dispatcher) Snapshot() []ChannelInfo {
	out := slices.Collect(d.ListChannels())
	slices.SortFunc(out, func(a, b ChannelInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Healthy reports whether at least one channel is active and every active
// channel is connected.
func (d *Dispatcher) Healthy() bool {
	n := 0
	for info := range d.ListChannels() {
		if !info.Status.Connected {
			return false
		}
		n++
	}
	return n > 0
}
