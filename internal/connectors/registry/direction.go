package registry

import "strings"

type Direction string

const (
	DirectionInbound       Direction = "inbound"
	DirectionOutbound      Direction = "outbound"
	DirectionBidirectional Direction = "bidirectional"
)

// ParseDirection returns the direction named by v. ok is false for unknown
// values; empty input defaults to inbound.
func ParseDirection(v string) (Direction, bool) {
	d := Direction(strings.ToLower(strings.TrimSpace(v)))
	switch d {
	case "":
		return DirectionInbound, true
	case DirectionInbound, DirectionOutbound, DirectionBidirectional:
		return d, true
	default:
		return d, false
	}
}

func (d Direction) Inbound() bool {
	return d == DirectionInbound || d == DirectionBidirectional
}

func (d Direction) Outbound() bool {
	return d == DirectionOutbound || d == DirectionBidirectional
}

type SyncType string

const (
	SyncTypeManual    SyncType = "manual"
	SyncTypeScheduled SyncType = "scheduled"
	SyncTypeWebhook   SyncType = "webhook"
	SyncTypeRealtime  SyncType = "realtime"
)

// Entity types understood by local storage.
const (
	EntityCustomer = "customer"
	EntityProduct  = "product"
	EntityInvoice  = "invoice"
)

var AllEntityTypes = []string{EntityCustomer, EntityProduct, EntityInvoice}

// NormalizeEntityTypes lowercases, deduplicates, and drops unknown entity
// types. Empty input means all.
func NormalizeEntityTypes(in []string) []string {
	if len(in) == 0 {
		return append([]string(nil), AllEntityTypes...)
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, raw := range in {
		e := strings.ToLower(strings.TrimSpace(raw))
		switch e {
		case EntityCustomer, EntityProduct, EntityInvoice:
		default:
			continue
		}
		if _, ok := seen[e]; ok {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
