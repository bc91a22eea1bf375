package quota

import "github.com/router-for-me/CLIProxyAPIQuota/internal/models"

// EntityDiff is the change set turning one assignment set into another.
type EntityDiff struct {
	Insert []EntityRef
	Delete []uint64
}

// Empty reports whether the diff changes nothing.
func (d EntityDiff) Empty() bool {
	return len(d.Insert) == 0 && len(d.Delete) == 0
}

// DiffEntities compares stored assignments with the desired set keyed by
// (entity_type, entity_id). Entities present in both are untouched; duplicate
// stored rows for one key keep the first and delete the rest. Insert order
// follows desired.
func DiffEntities(current []models.QuotaRuleEntity, desired []EntityRef) EntityDiff {
	want := make(map[EntityRef]struct{}, len(desired))
	var diff EntityDiff
	for _, ref := range desired {
		if _, dup := want[ref]; dup {
			continue
		}
		want[ref] = struct{}{}
	}

	kept := make(map[EntityRef]struct{}, len(current))
	for _, row := range current {
		ref := EntityRef{EntityType: row.EntityType, EntityID: row.EntityID}
		_, wanted := want[ref]
		_, already := kept[ref]
		if wanted && !already {
			kept[ref] = struct{}{}
			continue
		}
		diff.Delete = append(diff.Delete, row.ID)
	}

	seen := make(map[EntityRef]struct{}, len(desired))
	for _, ref := range desired {
		if _, ok := kept[ref]; ok {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		diff.Insert = append(diff.Insert, ref)
	}
	return diff
}
