package plugin

import (
	"context"
	"fmt"
	"strings"
)

// serviceEntry holds a registered service and its lazily created instance.
type serviceEntry struct {
	ServiceRegistration
	instance any
	created  bool
}

// RegisterService records a lazy service factory. The factory is not
// invoked here; it runs on first resolution. Registration fails on
// conflict with a protected core service name or with another plugin's
// service.
func (r *Registry) RegisterService(pluginName string, s Service) error {
	if s.Factory == nil {
		return fmt.Errorf("service %q: factory is required", s.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.protectedServices[s.Name] {
		return fmt.Errorf("service %q: %w", s.Name, ErrReservedName)
	}
	if existing, ok := r.services[s.Name]; ok && existing.PluginName != pluginName {
		return fmt.Errorf("service %q already registered by plugin %q: %w", s.Name, existing.PluginName, ErrNameConflict)
	}

	r.services[s.Name] = &serviceEntry{
		ServiceRegistration: ServiceRegistration{Service: s, PluginName: pluginName},
	}
	return nil
}

// HasService reports whether a service name is registered.
func (r *Registry) HasService(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.services[name]
	return ok
}

// ResolveService resolves a service, building its declared dependencies
// first (depth-first). The factory runs exactly once per process lifetime;
// later resolutions return the cached instance. Missing and circular
// dependencies fail with an error naming the missing service or the cycle
// members.
func (r *Registry) ResolveService(name string) (any, error) {
	return r.resolveService(name, nil)
}

func (r *Registry) resolveService(name string, path []string) (any, error) {
	for _, seen := range path {
		if seen == name {
			cycle := append(append([]string{}, path...), name)
			return nil, fmt.Errorf("%w: %s", ErrCircularService, strings.Join(cycle, " -> "))
		}
	}

	r.mu.RLock()
	entry, ok := r.services[name]
	if !ok {
		r.mu.RUnlock()
		if len(path) > 0 {
			return nil, fmt.Errorf("service %q depends on %q: %w", path[len(path)-1], name, ErrServiceNotFound)
		}
		return nil, fmt.Errorf("service %q: %w", name, ErrServiceNotFound)
	}
	if entry.created {
		instance := entry.instance
		r.mu.RUnlock()
		return instance, nil
	}
	deps := append([]string{}, entry.Dependencies...)
	factory := entry.Factory
	r.mu.RUnlock()

	resolved := make(map[string]any, len(deps))
	childPath := append(append([]string{}, path...), name)
	for _, dep := range deps {
		instance, err := r.resolveService(dep, childPath)
		if err != nil {
			return nil, err
		}
		resolved[dep] = instance
	}

	// Factory runs outside the registry lock so service construction can
	// call back into the registry.
	instance, err := factory(resolved)
	if err != nil {
		return nil, fmt.Errorf("service %q: factory failed: %w", name, err)
	}

	r.mu.Lock()
	if entry.created {
		// A nested resolution beat us to it; keep the first instance.
		instance = entry.instance
	} else {
		entry.instance = instance
		entry.created = true
		r.serviceOrder = append(r.serviceOrder, name)
	}
	r.mu.Unlock()

	return instance, nil
}

// collectServicesLocked removes a plugin's service entries from the
// registry and returns the instantiated ones in reverse creation order.
// Caller must hold r.mu.
func (r *Registry) collectServicesLocked(pluginName string) []*serviceEntry {
	owned := make(map[string]*serviceEntry)
	for name, entry := range r.services {
		if entry.PluginName == pluginName {
			owned[name] = entry
			delete(r.services, name)
		}
	}
	if len(owned) == 0 {
		return nil
	}

	var toDispose []*serviceEntry
	keptOrder := r.serviceOrder[:0]
	for _, name := range r.serviceOrder {
		if entry, ok := owned[name]; ok {
			toDispose = append(toDispose, entry)
		} else {
			keptOrder = append(keptOrder, name)
		}
	}
	r.serviceOrder = keptOrder

	// Reverse so the most recently created instance is disposed first.
	for i, j := 0, len(toDispose)-1; i < j; i, j = i+1, j-1 {
		toDispose[i], toDispose[j] = toDispose[j], toDispose[i]
	}
	return toDispose
}

// disposeServices invokes each entry's disposer, catching failures so the
// remaining disposers still run. Services never resolved are never disposed.
func (r *Registry) disposeServices(ctx context.Context, entries []*serviceEntry) {
	for _, entry := range entries {
		if !entry.created || entry.Dispose == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			r.log.Warn().Err(err).Msg("service disposal interrupted")
			return
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Warn().Str("service", entry.Name).Msgf("disposer panicked: %v", rec)
				}
			}()
			if err := entry.Dispose(entry.instance); err != nil {
				r.log.Warn().Err(err).Str("service", entry.Name).Msg("disposer failed")
			}
		}()
	}
}
