package phi

import "strings"

// Suggest returns the candidate de-identification methods for each finding.
// columnName may be empty; when set it adds column-specific methods.
func Suggest(findings []Finding, columnName string) []Suggestion {
	suggestions := make([]Suggestion, 0, len(findings))

	for _, f := range findings {
		suggestion := Suggestion{
			Original:   f.Value,
			Category:   f.Category,
			Confidence: f.Confidence,
			Methods:    MethodsFor(f.Category),
		}
		suggestion.Methods = append(suggestion.Methods, columnMethods(columnName)...)
		suggestions = append(suggestions, suggestion)
	}

	return suggestions
}

// MethodsFor returns the category-driven methods in priority order.
// Categories without a method group get nil.
func MethodsFor(category Category) []MethodOption {
	switch category {
	case CategorySSN, CategoryPatientID, CategoryMedicalRecord, CategoryProviderID, CategoryInsurance:
		return []MethodOption{
			{Method: MethodHash, Description: "One-way hash the identifier", Reversible: false, Priority: Rank(1)},
			{Method: MethodRandomID, Description: "Replace with random identifier", Reversible: true, Priority: Rank(2)},
		}
	case CategoryPhone, CategoryEmail:
		return []MethodOption{
			{Method: MethodMask, Description: "Mask with ***", Reversible: false, Priority: Rank(1)},
			{Method: MethodKAnonymize, Description: "Replace with generalized form", Reversible: false, Priority: Rank(2)},
		}
	case CategoryDate:
		return []MethodOption{
			{Method: MethodShift, Description: "Shift dates by random number of days", Reversible: true, Priority: Rank(1)},
			{Method: MethodGeneralize, Description: "Keep only month and year", Reversible: false, Priority: Rank(2)},
		}
	case CategoryZipcode:
		return []MethodOption{
			{Method: MethodTruncate, Description: "Keep only first 3 digits", Reversible: false, Priority: Rank(1)},
			{Method: MethodRandomize, Description: "Replace with random valid zipcode", Reversible: false, Priority: Rank(2)},
		}
	case CategoryName, CategoryPrefix, CategoryAddress:
		return []MethodOption{
			{Method: MethodPseudonym, Description: "Replace with pseudonym", Reversible: true, Priority: Rank(1)},
			{Method: MethodRedact, Description: "Completely redact the value", Reversible: false, Priority: Rank(2)},
		}
	}
	return nil
}

// columnMethods derives extra methods from the column name. Free-text hints win over id hints.
func columnMethods(columnName string) []MethodOption {
	if columnName == "" {
		return nil
	}

	lower := strings.ToLower(columnName)
	switch {
	case strings.Contains(lower, "note") || strings.Contains(lower, "comment"):
		return []MethodOption{{
			Method:      MethodSmartRedact,
			Description: "Selectively redact only PHI while preserving context",
			Reversible:  false,
			Priority:    Rank(1),
		}}
	case strings.Contains(lower, "id") || strings.Contains(lower, "identifier"):
		return []MethodOption{{
			Method:      MethodConsistentHash,
			Description: "Use consistent hashing across related tables",
			Reversible:  true,
			Priority:    Rank(1),
		}}
	}
	return nil
}
