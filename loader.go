package trellis

import (
	"fmt"

	"sigs.k8s.io/yaml"
)

// GraphDefinition is the serialized form of a metadata graph, decoded from
// YAML or JSON. It mirrors the runtime model one-to-one; LoadDefinitions
// turns it into a linked, validated Graph.
type GraphDefinition struct {
	Entities  []EntityDefinition   `json:"entities"`
	Relations []RelationDefinition `json:"relations,omitempty"`
}

// EntityDefinition declares one entity.
type EntityDefinition struct {
	Key              string               `json:"key"`
	Table            string               `json:"table"`
	Schema           string               `json:"schema,omitempty"`
	ObjectName       string               `json:"objectName"`
	SoftDeleteColumn string               `json:"softDeleteColumn,omitempty"`
	Properties       []PropertyDefinition `json:"properties"`
	Roles            []RoleDefinition     `json:"roles,omitempty"`
}

// PropertyDefinition declares one property.
type PropertyDefinition struct {
	Column           string `json:"column"`
	Name             string `json:"name"`
	IsKey            bool   `json:"isKey,omitempty"`
	ReadOnly         bool   `json:"readOnly,omitempty"`
	Hidden           bool   `json:"hidden,omitempty"`
	ReferencesEntity string `json:"referencesEntity,omitempty"`
	RelatedName      string `json:"relatedName,omitempty"`
	RelatedAsArray   bool   `json:"relatedAsArray,omitempty"`
	Default          string `json:"default,omitempty"`
}

// RelationDefinition declares one many-to-many junction.
type RelationDefinition struct {
	Table                string `json:"table"`
	FirstEntity          string `json:"firstEntity"`
	SecondEntity         string `json:"secondEntity"`
	FirstColumn          string `json:"firstColumn"`
	SecondColumn         string `json:"secondColumn"`
	FirstCollectionName  string `json:"firstCollectionName,omitempty"`
	SecondCollectionName string `json:"secondCollectionName,omitempty"`
	FirstVisible         bool   `json:"firstVisible,omitempty"`
	SecondVisible        bool   `json:"secondVisible,omitempty"`
	ValidFromColumn      string `json:"validFromColumn,omitempty"`
	ValidToColumn        string `json:"validToColumn,omitempty"`
	ActiveColumn         string `json:"activeColumn,omitempty"`
}

// RoleDefinition declares one (entity, role) rule.
type RoleDefinition struct {
	Role       string `json:"role"`
	ReadOne    bool   `json:"readOne,omitempty"`
	ReadAll    bool   `json:"readAll,omitempty"`
	Create     bool   `json:"create,omitempty"`
	Update     bool   `json:"update,omitempty"`
	Delete     bool   `json:"delete,omitempty"`
	ViewFilter string `json:"viewFilter,omitempty"`
	EditFilter string `json:"editFilter,omitempty"`
}

// LoadDefinitions decodes a YAML (or JSON) definitions document, links it
// into a Graph, and validates the graph invariants.
func LoadDefinitions(data []byte) (*Graph, error) {
	var def GraphDefinition
	if err := yaml.UnmarshalStrict(data, &def); err != nil {
		return nil, fmt.Errorf("parsing graph definitions: %w", err)
	}
	return BuildGraph(&def)
}

// BuildGraph links a decoded definition into a validated Graph.
func BuildGraph(def *GraphDefinition) (*Graph, error) {
	entities := make([]*Entity, 0, len(def.Entities))
	for _, ed := range def.Entities {
		e := &Entity{
			Key:              ed.Key,
			Table:            ed.Table,
			Schema:           ed.Schema,
			ObjectName:       ed.ObjectName,
			SoftDeleteColumn: ed.SoftDeleteColumn,
		}
		for _, pd := range ed.Properties {
			e.Properties = append(e.Properties, &Property{
				Column:           pd.Column,
				Name:             pd.Name,
				IsKey:            pd.IsKey,
				ReadOnly:         pd.ReadOnly,
				Hidden:           pd.Hidden,
				ReferencesEntity: pd.ReferencesEntity,
				RelatedName:      pd.RelatedName,
				RelatedAsArray:   pd.RelatedAsArray,
				Default:          pd.Default,
			})
		}
		for _, rd := range ed.Roles {
			e.Roles = append(e.Roles, &EntityRole{
				Role:       rd.Role,
				ReadOne:    rd.ReadOne,
				ReadAll:    rd.ReadAll,
				Create:     rd.Create,
				Update:     rd.Update,
				Delete:     rd.Delete,
				ViewFilter: rd.ViewFilter,
				EditFilter: rd.EditFilter,
			})
		}
		entities = append(entities, e)
	}

	relations := make([]*EntityRelation, 0, len(def.Relations))
	for _, rd := range def.Relations {
		relations = append(relations, &EntityRelation{
			Table:                rd.Table,
			FirstEntity:          rd.FirstEntity,
			SecondEntity:         rd.SecondEntity,
			FirstColumn:          rd.FirstColumn,
			SecondColumn:         rd.SecondColumn,
			FirstCollectionName:  rd.FirstCollectionName,
			SecondCollectionName: rd.SecondCollectionName,
			FirstVisible:         rd.FirstVisible,
			SecondVisible:        rd.SecondVisible,
			ValidFromColumn:      rd.ValidFromColumn,
			ValidToColumn:        rd.ValidToColumn,
			ActiveColumn:         rd.ActiveColumn,
		})
	}

	g, err := NewGraph(entities, relations)
	if err != nil {
		return nil, err
	}
	if err := Validate(g); err != nil {
		return nil, fmt.Errorf("invalid graph definitions: %w", err)
	}
	return g, nil
}
