// Package admission provides a concrete, default AdmissionService: a
// temporary ban list keyed by the remote IPv4 address a gateway.ServicePort
// resolves at accept time.
package admission

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// BanList is a TTL-backed ban list. A banned IP is rejected for the
// duration it was banned with; after that it expires back to allowed
// without any explicit unban call.
type BanList struct {
	cache *gocache.Cache
}

// NewBanList returns an empty BanList with no default expiration; every Ban
// call supplies its own TTL.
func NewBanList() *BanList {
	return &BanList{cache: gocache.New(gocache.NoExpiration, time.Minute)}
}

// Ban rejects connections from ip for the given duration.
func (b *BanList) Ban(ip uint32, duration time.Duration) {
	b.cache.Set(key(ip), struct{}{}, duration)
}

// Unban clears a ban before its TTL would otherwise expire it.
func (b *BanList) Unban(ip uint32) {
	b.cache.Delete(key(ip))
}

// AcceptConnection implements gateway.AdmissionService: an IP with a
// live ban entry is rejected, everything else is admitted.
func (b *BanList) AcceptConnection(_ context.Context, remoteIP uint32) bool {
	if remoteIP == 0 {
		return true
	}
	_, banned := b.cache.Get(key(remoteIP))
	return !banned
}

func key(ip uint32) string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, ip)
	return net.IP(b).String()
}
