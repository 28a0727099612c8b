package extraction

const validationPrompt = `Analyze the attached document and respond with ONLY a JSON object (no markdown):

{
    "is_medical_document": true or false,
    "document_type": "medical record" | "lab report" | "prescription" | "radiology report" | "other",
    "confidence": 0.0 to 1.0,
    "reason": "brief explanation"
}

A medical document contains patient information, diagnoses, lab results, prescriptions, clinical notes, or radiology reports.
Non-medical content includes photos, unrelated documents, or blank pages.`

const extractionPrompt = `You are a medical data extraction specialist. Extract ONLY the following from the attached medical document:
- age: integer (patient's age in years)
- ethnicity: string
- conditions: list of strings (confirmed diagnoses only, not symptoms)
- lab_results: object mapping test names to values with units
- confidence_score: number from 0.0 to 1.0 for extraction certainty

Rules:
1. Return ONLY valid JSON, no markdown and no explanations.
2. Use null for a field that is missing or unclear.

Example:
{"age": 45, "ethnicity": "Asian", "conditions": ["Type 2 Diabetes"], "lab_results": {"HbA1c": "7.2%"}, "confidence_score": 0.95}

If this is NOT a medical document respond with:
{"error": "Not a medical document", "confidence_score": 0.0}`

const patientSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"age": {"type": ["integer", "null"], "minimum": 0, "maximum": 130},
		"ethnicity": {"type": ["string", "null"]},
		"conditions": {"type": ["array", "null"], "items": {"type": "string"}},
		"lab_results": {
			"type": ["object", "null"],
			"additionalProperties": {"type": ["string", "number", "null"]}
		},
		"confidence_score": {"type": ["number", "null"], "minimum": 0, "maximum": 1}
	}
}`
