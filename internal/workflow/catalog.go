package workflow

import (
	"fmt"
	"os"
	"sort"

	"github.com/fentz26/linecook/internal/models"
	"gopkg.in/yaml.v3"
)

// Catalog is the server-owned reference data loaded at startup.
type Catalog struct {
	Resources []models.Resource
	Users     []models.User
	Workflows []models.WorkflowDefinition
}

type catalogFile struct {
	Resources []catalogResource           `yaml:"resources"`
	Users     []models.User               `yaml:"users"`
	Workflows []models.WorkflowDefinition `yaml:"workflows"`
}

type catalogResource struct {
	ID           string                `yaml:"id"`
	Name         string                `yaml:"name"`
	Capacity     int                   `yaml:"capacity"`
	Accepts      []models.ResourceType `yaml:"accepts"`
	Active       *bool                 `yaml:"active,omitempty"`
	DisplayOrder int                   `yaml:"display_order"`
}

// LoadCatalog reads and validates a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog and validates every definition against
// the resource types it declares.
func ParseCatalog(data []byte) (*Catalog, error) {
	var raw catalogFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse catalog: %v", models.ErrValidation, err)
	}

	cat := &Catalog{Users: raw.Users, Workflows: raw.Workflows}
	seen := make(map[string]bool)
	for _, r := range raw.Resources {
		if r.ID == "" {
			return nil, fmt.Errorf("%w: resource id is required", models.ErrValidation)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("%w: duplicate resource id %q", models.ErrValidation, r.ID)
		}
		seen[r.ID] = true
		if r.Capacity < 1 {
			return nil, fmt.Errorf("%w: resource %q: capacity must be >= 1", models.ErrValidation, r.ID)
		}
		active := true
		if r.Active != nil {
			active = *r.Active
		}
		cat.Resources = append(cat.Resources, models.Resource{
			ID:            r.ID,
			Name:          r.Name,
			Capacity:      r.Capacity,
			AcceptedTypes: r.Accepts,
			Active:        active,
			DisplayOrder:  r.DisplayOrder,
		})
	}
	SortResources(cat.Resources)

	known := KnownTypes(cat.Resources)
	keys := make(map[string]bool)
	for i := range cat.Workflows {
		def := &cat.Workflows[i]
		if keys[def.Key()] {
			return nil, fmt.Errorf("%w: duplicate workflow %s", models.ErrValidation, def.Key())
		}
		keys[def.Key()] = true
		if err := Validate(def, known); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

// SortResources orders resources by configured display order, then id.
func SortResources(rs []models.Resource) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].DisplayOrder != rs[j].DisplayOrder {
			return rs[i].DisplayOrder < rs[j].DisplayOrder
		}
		return rs[i].ID < rs[j].ID
	})
}

// Latest returns the highest version of each workflow id.
func Latest(defs []models.WorkflowDefinition) map[string]*models.WorkflowDefinition {
	out := make(map[string]*models.WorkflowDefinition)
	for i := range defs {
		d := &defs[i]
		if cur, ok := out[d.ID]; !ok || d.Version > cur.Version {
			out[d.ID] = d
		}
	}
	return out
}
