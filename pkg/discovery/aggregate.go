package discovery

// aggregator tracks browsed services by instance name.
type aggregator struct {
	services map[string]*ServerService
}

func newAggregator() *aggregator {
	return &aggregator{services: make(map[string]*ServerService)}
}

// add records svc and reports whether it is new. For a known instance the
// addresses are merged into the existing entry.
func (a *aggregator) add(svc *ServerService) bool {
	existing, found := a.services[svc.InstanceName]
	if found {
		existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
		return false
	}
	a.services[svc.InstanceName] = svc
	return true
}

// remove drops addresses from an instance and forgets the instance when
// none remain.
func (a *aggregator) remove(instance string, addrs []string) {
	existing, found := a.services[instance]
	if !found {
		return
	}
	existing.Addresses = removeAddresses(existing.Addresses, addrs)
	if len(existing.Addresses) == 0 {
		delete(a.services, instance)
	}
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}

	for _, addr := range added {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses filters gone out of addresses.
func removeAddresses(addresses, gone []string) []string {
	toRemove := make(map[string]bool, len(gone))
	for _, addr := range gone {
		toRemove[addr] = true
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
