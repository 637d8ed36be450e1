package fhir

// missingCondition reads the value of a :missing key. Only the literal
// "true" selects absent elements; anything else selects present ones.
func missingCondition(value string) MissingCond {
	return MissingCond{Missing: value == "true"}
}
