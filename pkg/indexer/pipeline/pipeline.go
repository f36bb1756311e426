// Package pipeline declares the logical pipelines, the table families each
// one owns and the families it reads from other pipelines.
package pipeline

import (
	"fmt"
	"sort"

	"github.com/canopy-network/ledgerx/pkg/db/entities"
)

const (
	Checkpoints     = "checkpoints"
	Transactions    = "transactions"
	Events          = "events"
	Objects         = "objects"
	Packages        = "packages"
	ObjectsSnapshot = "objects_snapshot"
)

// Pipeline is an independent consumer of the checkpoint stream with its own watermark.
type Pipeline struct {
	Name string
	// Families are written by this pipeline only.
	Families []entities.Entity
	// DependsOn are families of other pipelines this pipeline needs to stay
	// around until its own reader_lo passes them.
	DependsOn []entities.Entity
	// Compacted pipelines are advanced by the snapshot compactor, not a committer.
	Compacted bool
}

var registry = []Pipeline{
	{
		Name:     Checkpoints,
		Families: []entities.Entity{entities.Checkpoints, entities.PrunerCpWatermark},
	},
	{
		Name: Transactions,
		Families: []entities.Entity{
			entities.Transactions, entities.TxSenders, entities.TxRecipients,
			entities.TxCallsPkg, entities.TxCallsMod, entities.TxCallsFun,
			entities.TxInputObjects, entities.TxChangedObjects,
			entities.TxAffectedAddresses, entities.TxAffectedObjects,
		},
		DependsOn: []entities.Entity{entities.PrunerCpWatermark},
	},
	{
		Name: Events,
		Families: []entities.Entity{
			entities.Events, entities.EventEmitPackage, entities.EventEmitModule,
			entities.EventStructPackage, entities.EventStructModule, entities.EventStructName,
			entities.EventStructInstantiation, entities.EventSenders,
		},
		DependsOn: []entities.Entity{entities.PrunerCpWatermark},
	},
	{
		Name:     Objects,
		Families: []entities.Entity{entities.Objects, entities.ObjectsHistory, entities.ObjectsVersion},
	},
	{
		Name:     Packages,
		Families: []entities.Entity{entities.Packages},
	},
	{
		Name:      ObjectsSnapshot,
		Families:  []entities.Entity{entities.ObjectsSnapshot},
		DependsOn: []entities.Entity{entities.ObjectsHistory},
		Compacted: true,
	},
}

func init() {
	owner := make(map[entities.Entity]string)
	for _, p := range registry {
		for _, e := range p.Families {
			if prev, dup := owner[e]; dup {
				panic(fmt.Sprintf("pipeline: %s owned by both %s and %s", e, prev, p.Name))
			}
			owner[e] = p.Name
		}
	}
	for _, e := range entities.All() {
		if _, ok := owner[e]; !ok {
			panic(fmt.Sprintf("pipeline: %s has no owner", e))
		}
	}
}

// All returns every pipeline in registry order.
func All() []Pipeline {
	out := make([]Pipeline, len(registry))
	copy(out, registry)
	return out
}

// Names returns every pipeline name sorted.
func Names() []string {
	names := make([]string, len(registry))
	for i, p := range registry {
		names[i] = p.Name
	}
	sort.Strings(names)
	return names
}

// ByName looks a pipeline up.
func ByName(name string) (Pipeline, error) {
	for _, p := range registry {
		if p.Name == name {
			return p, nil
		}
	}
	return Pipeline{}, fmt.Errorf("unknown pipeline %q", name)
}

// Owner returns the pipeline writing e.
func Owner(e entities.Entity) Pipeline {
	for _, p := range registry {
		for _, f := range p.Families {
			if f == e {
				return p
			}
		}
	}
	panic(fmt.Sprintf("pipeline: %s has no owner", e))
}

// Dependents returns the names of the pipelines among active that need rows of e:
// its owner plus every pipeline that depends on it.
func Dependents(e entities.Entity, active []Pipeline) []string {
	var out []string
	for _, p := range active {
		if p.Owns(e) || p.dependsOn(e) {
			out = append(out, p.Name)
		}
	}
	return out
}

// Owns reports whether p writes e.
func (p Pipeline) Owns(e entities.Entity) bool {
	for _, f := range p.Families {
		if f == e {
			return true
		}
	}
	return false
}

func (p Pipeline) dependsOn(e entities.Entity) bool {
	for _, f := range p.DependsOn {
		if f == e {
			return true
		}
	}
	return false
}

// Prunable returns the families of p that retention applies to.
func (p Pipeline) Prunable() []entities.Entity {
	var out []entities.Entity
	for _, e := range p.Families {
		if !e.Spec().Retained {
			out = append(out, e)
		}
	}
	return out
}
