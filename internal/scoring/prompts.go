package scoring

import (
	"fmt"
	"strings"

	"github.com/pharmatrace/backend/internal/storage/models"
	"github.com/pharmatrace/backend/internal/trials"
)

const evaluationSystemPrompt = `You are an expert clinical trial coordinator. You judge each patient against a trial's eligibility criteria independently and return strict JSON only.`

const matchSystemPrompt = `You are an expert clinical trial matching system. Analyze patient data against trial criteria and return match scores as strict JSON only.`

func buildEvaluationPrompt(trial models.Trial, patientsJSON string, count int) string {
	criteria := trials.ParseCriteria(&trial)

	var b strings.Builder
	fmt.Fprintf(&b, "Evaluate whether each patient is eligible for this clinical trial.\n\n")
	fmt.Fprintf(&b, "TRIAL: %s (%s)\n", trial.Name, trial.ID)
	fmt.Fprintf(&b, "Condition: %s\n", trial.Condition)
	if trial.Phase != "" {
		fmt.Fprintf(&b, "Phase: %s\n", trial.Phase)
	}
	writeCriteria(&b, "Inclusion criteria", criteria.Inclusion)
	writeCriteria(&b, "Exclusion criteria", criteria.Exclusion)

	fmt.Fprintf(&b, "\nPATIENTS:\n%s\n\n", patientsJSON)
	fmt.Fprintf(&b, `Score every patient on its own merits. Do not compare patients with each other and do not rank them.

Scoring bands:
- 90-100: Fully Eligible (meets all inclusion criteria, no exclusion criteria)
- 70-89: Likely Eligible (meets most criteria, minor data missing)
- 50-69: Conditionally Eligible (may qualify pending verification)
- 0-49: Not Eligible (fails an inclusion criterion or meets an exclusion criterion)

Return a JSON object of this exact shape:
{
  "evaluations": [
    {
      "patient_id": "the patient's id",
      "eligibility_score": 0-100,
      "eligibility_status": "Fully Eligible|Likely Eligible|Conditionally Eligible|Not Eligible",
      "meets_inclusion": ["inclusion criteria the patient meets"],
      "meets_exclusion": true or false,
      "qualifying_factors": ["reasons the patient qualifies"],
      "pending_verification": ["information that still needs checking"],
      "confidence": 0.0-1.0,
      "notes": "short clinical note"
    }
  ]
}

Return results for ALL %d patients.`, count)

	return b.String()
}

func buildMatchPrompt(patientJSON string, trialList []models.Trial) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Match this patient to the clinical trials below.\n\nPATIENT DATA:\n%s\n\nAVAILABLE TRIALS:\n", patientJSON)
	for _, trial := range trialList {
		criteria := trials.ParseCriteria(&trial)
		fmt.Fprintf(&b, "\nTrial %s: %s\nCondition: %s\n", trial.ID, trial.Name, trial.Condition)
		writeCriteria(&b, "Inclusion criteria", criteria.Inclusion)
		writeCriteria(&b, "Exclusion criteria", criteria.Exclusion)
	}

	b.WriteString(`
For each trial give a match score from 0 to 100 and explain it.

Return a JSON object of this exact shape:
{
  "matches": [
    {
      "trial_id": "trial id",
      "trial_name": "trial name",
      "match_score": 0-100,
      "qualifying_factors": ["criteria the patient meets"],
      "disqualifying_factors": ["criteria the patient fails"],
      "recommendation": "Excellent Match|Good Match|Possible Match|Poor Match|No Match",
      "confidence": 0.0-1.0
    }
  ]
}

Scoring guidelines:
- 90-100: Excellent Match (meets all criteria)
- 70-89: Good Match (meets most criteria)
- 50-69: Possible Match (meets some criteria, needs review)
- 30-49: Poor Match (meets few criteria)
- 0-29: No Match (does not meet key criteria)`)

	return b.String()
}

func writeCriteria(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
