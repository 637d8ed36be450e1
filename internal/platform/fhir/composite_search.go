package fhir

// compileCoordinate turns each coordinate value into one clause. Comma
// separated regions are alternatives; a region is the conjunction of an exact
// chromosome match, start <= region end and end >= region start.
func compileCoordinate(key ParamKey, binding CoordinateBinding, declared map[string]SearchParamType, values []string) ([]Clause, error) {
	if key.Modifier != ModifierNone || key.TypeOverride != "" || key.HasChain() {
		return nil, invalidQuery(key.String(), "coordinate takes no modifier or chain")
	}

	clauses := make([]Clause, 0, len(values))
	for _, v := range values {
		alts, err := splitAlternatives(CoordinateParam, v)
		if err != nil {
			return nil, err
		}
		var clause Clause
		for _, alt := range alts {
			coord, err := parseCoordinate(alt)
			if err != nil {
				return nil, err
			}
			clause.Alternatives = append(clause.Alternatives, coordinateConjunction(coord, binding, declared))
		}
		clauses = append(clauses, clause)
	}
	return clauses, nil
}

func coordinateConjunction(coord Coordinate, binding CoordinateBinding, declared map[string]SearchParamType) Conjunction {
	chromKind := declared[binding.Chromosome]
	var chrom Condition = TextCond{Exact: true, Phrase: coord.Chromosome}
	if chromKind == SearchParamToken {
		chrom = TokenCond{Code: coord.Chromosome}
	}
	return Conjunction{
		{Param: binding.Chromosome, Kind: chromKind, Cond: chrom},
		{Param: binding.Start, Kind: declared[binding.Start], Cond: QuantityCond{Comparator: CmpLe, Value: float64(coord.End)}},
		{Param: binding.End, Kind: declared[binding.End], Cond: QuantityCond{Comparator: CmpGe, Value: float64(coord.Start)}},
	}
}
