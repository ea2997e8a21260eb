package phi

// DefaultPatterns returns the built-in pattern table.
// Category order is significant only for tie-breaking findings that start at the same offset.
func DefaultPatterns() []PatternSpec {
	return []PatternSpec{
		{
			Category: CategoryPatientID,
			Patterns: []string{
				`(?i)(?:patient|pt|pat)[\s#.-]*(\d{4,10})`,
				`(?i)(?:mrn|medical record number|patient identifier)[\s#.-]*(\d{4,10})`,
			},
		},
		{
			Category: CategorySSN,
			Patterns: []string{
				`\b\d{3}[-.]?\d{2}[-.]?\d{4}\b`,
				`(?i)(?:ssn|social security|social security number)[\s#:.-]*\d{3}[-.]?\d{2}[-.]?\d{4}`,
			},
		},
		{
			Category: CategoryPhone,
			Patterns: []string{
				`\b(?:\+?1[-.]?)?\s*\(?([0-9]{3})\)?[-.\s]?([0-9]{3})[-.\s]?([0-9]{4})\b`,
				`(?i)(?:phone|tel|telephone|mobile|cell)[\s#:.-]*(?:\+?1[-.]?)?\s*\(?([0-9]{3})\)?[-.\s]?([0-9]{3})[-.\s]?([0-9]{4})`,
			},
		},
		{
			Category: CategoryEmail,
			Patterns: []string{
				`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`,
				`(?i)(?:email|e-mail)[\s#:.-]*[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`,
			},
		},
		{
			Category: CategoryDate,
			Patterns: []string{
				`\b(?:\d{1,2}[-/]\d{1,2}[-/]\d{2,4}|\d{4}[-/]\d{1,2}[-/]\d{1,2})\b`,
				`(?i)(?:dob|date of birth|birth date)[\s#:.-]*(?:\d{1,2}[-/]\d{1,2}[-/]\d{2,4}|\d{4}[-/]\d{1,2}[-/]\d{1,2})`,
			},
		},
		{
			Category: CategoryAge,
			Patterns: []string{
				`\b(?:age[ds]?\s*(?::|is|at|=|\s)\s*(\d{1,3})|\b\d{1,3}\s*(?:years?\s*old|y/?o))\b`,
				`(?i)(?:years of age|year old|years old)[\s#:.-]*(\d{1,3})`,
			},
		},
		{
			Category: CategoryProviderID,
			Patterns: []string{
				`\b(?:NPI|National Provider Identifier)[\s#:.-]*\d{10}\b`,
				`\b(?:DEA|Drug Enforcement Administration)[\s#:.-]*[A-Z]\d{8}\b`,
				`\b(?:State License)[\s#:.-]*[A-Z]\d{6,7}\b`,
			},
		},
		{
			Category: CategoryMedicalRecord,
			Patterns: []string{
				`\b(?:MRN|Medical Record Number|Chart Number)[\s#:.-]*\d{4,10}\b`,
				`\b(?:Visit Number|Encounter ID)[\s#:.-]*\d{4,12}\b`,
			},
		},
		{
			Category: CategoryInsurance,
			Patterns: []string{
				`\b(?:Insurance ID|Policy Number|Member ID)[\s#:.-]*[A-Z0-9]{6,20}\b`,
				`\b(?:Group Number|Plan ID)[\s#:.-]*[A-Z0-9]{4,15}\b`,
			},
		},
		{
			Category: CategoryDeviceID,
			Patterns: []string{
				`\b(?:Device ID|Serial Number|Model Number)[\s#:.-]*[A-Z0-9-]{4,20}\b`,
				`\b(?:UDI|Unique Device Identifier)[\s#:.-]*[A-Z0-9-]{4,20}\b`,
			},
		},
		{
			Category: CategoryFacilityID,
			Patterns: []string{
				`\b(?:Facility ID|Hospital Number)[\s#:.-]*[A-Z0-9-]{4,15}\b`,
				`\b(?:Department ID|Unit Number)[\s#:.-]*[A-Z0-9-]{3,10}\b`,
			},
		},
		{
			Category: CategoryZipcode,
			Patterns: []string{
				`\b\d{5}(?:[-\s]\d{4})?\b`,
				`(?i)(?:zip|zipcode|postal code)[\s#:.-]*\d{5}(?:[-\s]\d{4})?`,
			},
		},
		{
			Category: CategoryAddress,
			Patterns: []string{
				`\b\d{1,5}\s+([A-Z][a-z]+\s*)+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr)\b`,
				`(?i)(?:address|location|residence)[\s#:.-]*\d{1,5}\s+([A-Z][a-z]+\s*)+(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr)`,
			},
		},
		{
			Category: CategoryPrefix,
			Patterns: []string{`\b(?:Dr|Mr|Mrs|Ms|Miss|Prof)\.?\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,2})\b`},
		},
		{
			Category: CategoryName,
			Patterns: []string{`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,2}\b`},
		},
		{
			Category: CategoryMedicalTitle,
			Patterns: []string{`\b(?:MD|DO|RN|LPN|PA|NP|CRNA|PT|OT)(?:\s|$)`},
		},
		{
			Category: CategoryCredential,
			Patterns: []string{`\b[A-Z]{2,4}(?:-[A-Z]{1,3})?(?:\s|$)`},
		},
	}
}

// baseScores are the starting confidence per category
var baseScores = map[Category]float64{
	CategorySSN:           0.95,
	CategoryPhone:         0.90,
	CategoryEmail:         0.95,
	CategoryDate:          0.85,
	CategoryPatientID:     0.90,
	CategoryProviderID:    0.92,
	CategoryMedicalRecord: 0.93,
	CategoryInsurance:     0.88,
	CategoryDeviceID:      0.85,
	CategoryFacilityID:    0.87,
	CategoryZipcode:       0.80,
	CategoryAddress:       0.85,
	CategoryAge:           0.75,
	CategoryName:          0.70,
	CategoryPrefix:        0.80,
	CategoryMedicalTitle:  0.85,
	CategoryCredential:    0.82,
}

// defaultBaseScore applies to categories missing from baseScores
const defaultBaseScore = 0.5

// medicalTerms raise confidence when they appear in a finding's context
var medicalTerms = []string{"patient", "doctor", "hospital", "clinic", "medical", "health"}

// contextWindow is the number of bytes kept on each side of a match
const contextWindow = 50
