package homeassistant

import (
	"log/slog"
	"path"
	"sort"
	"strings"
)

// Selection describes which entities to monitor. An entity is selected
// when it is listed explicitly, or when it is enabled in the registry
// and matches any of Domains, Areas, or Include. Exclude patterns
// remove entities from the final set, including explicit ones.
type Selection struct {
	Entities []string
	Domains  []string
	Areas    []string // area IDs or area names, case-insensitive
	Include  []string // path.Match globs on entity ID
	Exclude  []string // path.Match globs on entity ID
}

// NeedsRegistry reports whether resolving the selection requires the
// HA registries. A purely explicit list does not.
func (s Selection) NeedsRegistry() bool {
	return len(s.Domains)+len(s.Areas)+len(s.Include) > 0
}

// Resolve applies the selection to a registry snapshot and returns the
// sorted, de-duplicated entity IDs. reg may be nil when NeedsRegistry
// is false.
func (s Selection) Resolve(reg *Registry, logger *slog.Logger) []string {
	if logger == nil {
		logger = slog.Default()
	}

	selected := make(map[string]bool)
	for _, id := range s.Entities {
		if id = strings.TrimSpace(id); id != "" {
			selected[id] = true
		}
	}

	if reg != nil && s.NeedsRegistry() {
		domains := toSet(s.Domains)
		areas := s.areaIDs(reg)
		deviceArea := make(map[string]string, len(reg.Devices))
		for _, d := range reg.Devices {
			deviceArea[d.ID] = d.AreaID
		}

		for _, e := range reg.Entities {
			if e.IsDisabled() {
				continue
			}
			area := e.AreaID
			if area == "" {
				area = deviceArea[e.DeviceID]
			}
			switch {
			case domains[domainOf(e.EntityID)]:
			case area != "" && areas[area]:
			case matchAny(s.Include, e.EntityID, logger):
			default:
				continue
			}
			selected[e.EntityID] = true
		}
	}

	ids := make([]string, 0, len(selected))
	for id := range selected {
		if matchAny(s.Exclude, id, logger) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// areaIDs maps configured areas, given by ID or display name, to
// registry area IDs.
func (s Selection) areaIDs(reg *Registry) map[string]bool {
	ids := make(map[string]bool, len(s.Areas))
	for _, want := range s.Areas {
		want = strings.ToLower(strings.TrimSpace(want))
		for _, a := range reg.Areas {
			if strings.ToLower(a.AreaID) == want || strings.ToLower(a.Name) == want {
				ids[a.AreaID] = true
			}
		}
	}
	return ids
}

func matchAny(patterns []string, entityID string, logger *slog.Logger) bool {
	for _, pat := range patterns {
		matched, err := path.Match(pat, entityID)
		if err != nil {
			logger.Debug("glob match error", "pattern", pat, "entity_id", entityID, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[strings.TrimSpace(it)] = true
	}
	return set
}

func domainOf(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}
