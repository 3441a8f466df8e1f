package service

import (
	"fmt"
	"sort"

	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
)

// Resolve validates a mapping graph against the target schema and the
// dataset's columns, producing bindings in schema order. Pure: no I/O, no
// mutation of inputs.
//
// Hard failures, checked in order: more than one edge into a target field,
// edges into fields the schema does not define, and required fields with no
// edge at all. Type mismatches between the column's inferred type and the
// target type only warn; coercion is attempted per row at materialize time.
func Resolve(graph mappingdomain.Graph, schema []mappingdomain.TargetField, columns []mappingdomain.SourceColumn) ([]mappingdomain.ResolvedBinding, []mappingdomain.Warning, error) {
	fields := make(map[string]mappingdomain.TargetField, len(schema))
	for _, f := range schema {
		fields[f.Name] = f
	}
	colTypes := make(map[string]mappingdomain.InferredType, len(columns))
	for _, c := range columns {
		colTypes[c.Name] = c.InferredType
	}

	byTarget := make(map[string][]mappingdomain.Edge, len(graph.Edges))
	for _, edge := range graph.Edges {
		byTarget[edge.TargetField] = append(byTarget[edge.TargetField], edge)
	}

	verr := &mappingdomain.ValidationError{}
	for target, edges := range byTarget {
		if len(edges) > 1 {
			verr.DuplicateTargets = append(verr.DuplicateTargets, target)
		}
		if _, ok := fields[target]; !ok {
			verr.UnknownTargets = append(verr.UnknownTargets, target)
		}
	}
	for _, f := range schema {
		if f.Required && len(byTarget[f.Name]) == 0 {
			verr.MissingRequired = append(verr.MissingRequired, f.Name)
		}
	}
	if len(verr.DuplicateTargets) > 0 || len(verr.MissingRequired) > 0 || len(verr.UnknownTargets) > 0 {
		sort.Strings(verr.DuplicateTargets)
		sort.Strings(verr.MissingRequired)
		sort.Strings(verr.UnknownTargets)
		return nil, nil, verr
	}

	var (
		bindings []mappingdomain.ResolvedBinding
		warnings []mappingdomain.Warning
	)
	for _, f := range schema {
		edges := byTarget[f.Name]
		if len(edges) == 0 {
			continue
		}
		edge := edges[0]
		bindings = append(bindings, mappingdomain.ResolvedBinding{
			SourceColumn: edge.SourceColumn,
			Transforms:   edge.Transforms,
			Target:       f,
			TargetField:  f.Name,
		})

		colType, known := colTypes[edge.SourceColumn]
		if !known {
			warnings = append(warnings, mappingdomain.Warning{
				TargetField: f.Name,
				Message:     fmt.Sprintf("source column %q not present in dataset", edge.SourceColumn),
			})
			continue
		}
		if mismatched(colType, f.Type) {
			warnings = append(warnings, mappingdomain.Warning{
				TargetField: f.Name,
				Message:     fmt.Sprintf("column %q is %s but %s expects %s", edge.SourceColumn, colType, f.Name, f.Type),
			})
		}
	}
	return bindings, warnings, nil
}

// mismatched reports a type pairing worth warning about. Strings accept
// anything and mixed columns warn against every non-string target.
func mismatched(col, target mappingdomain.InferredType) bool {
	if target == mappingdomain.TypeString || col == target {
		return false
	}
	return true
}
