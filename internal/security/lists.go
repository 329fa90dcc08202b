package security

import (
	"strings"
	"sync"
)

// AddressClass is the outcome of reputation lookup for one address.
type AddressClass struct {
	Blacklisted bool
	Whitelisted bool
	Sanctioned  bool
	Exchange    bool
}

// Clean reports whether no list matched.
func (c AddressClass) Clean() bool {
	return !c.Blacklisted && !c.Whitelisted && !c.Sanctioned && !c.Exchange
}

// AddressLists holds the local reputation sets: blacklist, whitelist,
// sanctions and known exchange addresses. All lookups are O(1); the
// sets are small enough to live in memory and are reloaded wholesale
// when compliance pushes an update.
type AddressLists struct {
	mu        sync.RWMutex
	blacklist map[string]struct{}
	whitelist map[string]struct{}
	sanctions map[string]struct{}
	exchanges map[string]struct{}
}

// NewAddressLists builds empty lists.
func NewAddressLists() *AddressLists {
	return &AddressLists{
		blacklist: make(map[string]struct{}),
		whitelist: make(map[string]struct{}),
		sanctions: make(map[string]struct{}),
		exchanges: make(map[string]struct{}),
	}
}

// normalizeAddress folds hex addresses to lower case. Base58 forms are
// case-significant and pass through unchanged.
func normalizeAddress(addr string) string {
	if strings.HasPrefix(addr, "0x") || strings.HasPrefix(addr, "0X") {
		return strings.ToLower(addr)
	}
	return addr
}

// Classify looks the address up in every list.
func (l *AddressLists) Classify(addr string) AddressClass {
	key := normalizeAddress(addr)
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, black := l.blacklist[key]
	_, white := l.whitelist[key]
	_, sanc := l.sanctions[key]
	_, exch := l.exchanges[key]
	return AddressClass{Blacklisted: black, Whitelisted: white, Sanctioned: sanc, Exchange: exch}
}

// AddBlacklisted marks addresses as blacklisted.
func (l *AddressLists) AddBlacklisted(addrs ...string) { l.add(l.blacklist, addrs) }

// AddWhitelisted marks addresses as whitelisted.
func (l *AddressLists) AddWhitelisted(addrs ...string) { l.add(l.whitelist, addrs) }

// AddSanctioned marks addresses as sanctioned.
func (l *AddressLists) AddSanctioned(addrs ...string) { l.add(l.sanctions, addrs) }

// AddExchange marks addresses as belonging to a known exchange.
func (l *AddressLists) AddExchange(addrs ...string) { l.add(l.exchanges, addrs) }

func (l *AddressLists) add(set map[string]struct{}, addrs []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range addrs {
		set[normalizeAddress(a)] = struct{}{}
	}
}

// ReplaceAll swaps every list in one step. Nil slices clear their list.
func (l *AddressLists) ReplaceAll(blacklist, whitelist, sanctions, exchanges []string) {
	build := func(addrs []string) map[string]struct{} {
		set := make(map[string]struct{}, len(addrs))
		for _, a := range addrs {
			set[normalizeAddress(a)] = struct{}{}
		}
		return set
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blacklist = build(blacklist)
	l.whitelist = build(whitelist)
	l.sanctions = build(sanctions)
	l.exchanges = build(exchanges)
}

// Sizes reports the list cardinalities for monitoring.
func (l *AddressLists) Sizes() (blacklist, whitelist, sanctions, exchanges int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blacklist), len(l.whitelist), len(l.sanctions), len(l.exchanges)
}
