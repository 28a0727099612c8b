package models

import (
	"math"
	"time"
)

type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
)

// rank orders statuses so transitions can be checked as "never backward".
func (s BatchStatus) rank() int {
	switch s {
	case BatchStatusPending:
		return 0
	case BatchStatusProcessing:
		return 1
	case BatchStatusCompleted:
		return 2
	default:
		return -1
	}
}

func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	return next.rank() >= s.rank() && next.rank() >= 0
}

type FileErrorKind string

const (
	FileErrorInvalidDocument  FileErrorKind = "InvalidDocument"
	FileErrorExtractionFailed FileErrorKind = "ExtractionFailed"
	FileErrorUnexpected       FileErrorKind = "UnexpectedError"
)

type FileError struct {
	File   string        `json:"file"`
	Reason string        `json:"reason"`
	Kind   FileErrorKind `json:"kind"`
}

type ExtractionRecord struct {
	File        string      `json:"file"`
	PatientID   string      `json:"patient_id"`
	PatientData PatientData `json:"patient_data"`
	Status      string      `json:"status"`
}

type BatchJob struct {
	BatchID               string             `json:"batch_id"`
	Status                BatchStatus        `json:"status"`
	TotalFiles            int                `json:"total_files"`
	ProcessedFiles        int                `json:"processed_files"`
	SuccessfulExtractions int                `json:"successful_extractions"`
	FailedFiles           int                `json:"failed_files"`
	ErrorDetails          []FileError        `json:"error_details"`
	Results               []ExtractionRecord `json:"results"`
	CreatedAt             time.Time          `json:"created_at"`
	StartedAt             *time.Time         `json:"started_at,omitempty"`
	CompletedAt           *time.Time         `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand out while workers keep mutating the original.
func (j *BatchJob) Clone() *BatchJob {
	if j == nil {
		return nil
	}
	c := *j
	c.ErrorDetails = append([]FileError(nil), j.ErrorDetails...)
	c.Results = append([]ExtractionRecord(nil), j.Results...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (j *BatchJob) Remaining() int {
	return j.TotalFiles - j.ProcessedFiles
}

func (j *BatchJob) ProgressPercentage() float64 {
	total := j.TotalFiles
	if total < 1 {
		total = 1
	}
	return roundTo(float64(j.ProcessedFiles)/float64(total)*100, 2)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// FileOutcome is the result of one document. Exactly one of Record and Failure is set.
type FileOutcome struct {
	File    string
	Record  *ExtractionRecord
	Failure *FileError
}

type Document struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

type ValidationResult struct {
	IsValid      bool    `json:"is_valid"`
	DocumentType string  `json:"document_type"`
	Confidence   float64 `json:"confidence"`
	Reason       string  `json:"reason"`
}

type ExtractionStatus string

const (
	ExtractionSuccess    ExtractionStatus = "success"
	ExtractionInvalid    ExtractionStatus = "invalid"
	ExtractionIncomplete ExtractionStatus = "incomplete"
	ExtractionError      ExtractionStatus = "error"
)

type ExtractionResult struct {
	Status ExtractionStatus `json:"status"`
	Data   *PatientData     `json:"data"`
	Error  string           `json:"error,omitempty"`
}

type PatientData struct {
	Age             *int              `json:"age"`
	Ethnicity       string            `json:"ethnicity"`
	Conditions      []string          `json:"conditions"`
	LabResults      map[string]string `json:"lab_results"`
	ConfidenceScore float64           `json:"confidence_score"`
}

type Patient struct {
	ID         string      `json:"patient_id"`
	Name       string      `json:"name,omitempty"`
	Data       PatientData `json:"data"`
	SourceFile string      `json:"source_file,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

type Trial struct {
	ID                    string    `json:"id"`
	Name                  string    `json:"name"`
	Condition             string    `json:"condition"`
	Phase                 string    `json:"phase"`
	InclusionCriteria     string    `json:"inclusion_criteria"`
	ExclusionCriteria     string    `json:"exclusion_criteria"`
	Location              string    `json:"location"`
	Compensation          string    `json:"compensation"`
	PrincipalInvestigator string    `json:"principal_investigator,omitempty"`
	ContactEmail          string    `json:"contact_email,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

type EligibilityStatus string

const (
	FullyEligible         EligibilityStatus = "Fully Eligible"
	LikelyEligible        EligibilityStatus = "Likely Eligible"
	ConditionallyEligible EligibilityStatus = "Conditionally Eligible"
	NotEligible           EligibilityStatus = "Not Eligible"
)

// EligibilityStatusForScore maps a 0-100 score onto the scoring bands the Scorer is asked to use.
func EligibilityStatusForScore(score float64) EligibilityStatus {
	switch {
	case score >= 90:
		return FullyEligible
	case score >= 70:
		return LikelyEligible
	case score >= 50:
		return ConditionallyEligible
	default:
		return NotEligible
	}
}

type EligibilityEvaluation struct {
	PatientID           string            `json:"patient_id"`
	EligibilityScore    float64           `json:"eligibility_score"`
	EligibilityStatus   EligibilityStatus `json:"eligibility_status"`
	MeetsInclusion      []string          `json:"meets_inclusion"`
	MeetsExclusion      bool              `json:"meets_exclusion"`
	QualifyingFactors   []string          `json:"qualifying_factors"`
	PendingVerification []string          `json:"pending_verification"`
	Confidence          float64           `json:"confidence"`
	Notes               string            `json:"notes,omitempty"`
}

type EligibleCandidate struct {
	PatientID           string            `json:"patient_id"`
	EligibilityStatus   EligibilityStatus `json:"eligibility_status"`
	EligibilityScore    float64           `json:"eligibility_score"`
	MeetsInclusion      []string          `json:"meets_inclusion"`
	MeetsExclusion      bool              `json:"meets_exclusion"`
	QualifyingFactors   []string          `json:"qualifying_factors"`
	PendingVerification []string          `json:"pending_verification"`
	Confidence          float64           `json:"confidence"`
}

func CandidateFromEvaluation(e EligibilityEvaluation) EligibleCandidate {
	return EligibleCandidate{
		PatientID:           e.PatientID,
		EligibilityStatus:   e.EligibilityStatus,
		EligibilityScore:    e.EligibilityScore,
		MeetsInclusion:      e.MeetsInclusion,
		MeetsExclusion:      e.MeetsExclusion,
		QualifyingFactors:   e.QualifyingFactors,
		PendingVerification: e.PendingVerification,
		Confidence:          e.Confidence,
	}
}

type ProcessingStats struct {
	TotalPatientsEvaluated  int `json:"total_patients_evaluated"`
	EligibleCandidatesFound int `json:"eligible_candidates_found"`
	TargetPoolSize          int `json:"target_pool_size"`
	PoolSizeReturned        int `json:"pool_size_returned"`
}

type TrialCandidatePool struct {
	TrialID            string              `json:"trial_id"`
	TrialName          string              `json:"trial_name"`
	Condition          string              `json:"condition"`
	RequiredCandidates int                 `json:"required_candidates"`
	CandidatesInPool   int                 `json:"candidates_in_pool"`
	EligibleCandidates []EligibleCandidate `json:"eligible_candidates"`
	ProcessingStats    ProcessingStats     `json:"processing_stats"`
}

type RankedCandidate struct {
	EligibleCandidate
	Rank int `json:"rank"`
}

type TrialRankingResult struct {
	TrialID            string            `json:"trial_id"`
	TrialName          string            `json:"trial_name"`
	Condition          string            `json:"condition"`
	RequiredCandidates int               `json:"required_candidates"`
	CandidatesReturned int               `json:"candidates_returned"`
	RankedCandidates   []RankedCandidate `json:"ranked_candidates"`
	ProcessingStats    ProcessingStats   `json:"processing_stats"`
}

type TrialMatch struct {
	TrialID              string   `json:"trial_id"`
	TrialName            string   `json:"trial_name"`
	MatchScore           float64  `json:"match_score"`
	QualifyingFactors    []string `json:"qualifying_factors"`
	DisqualifyingFactors []string `json:"disqualifying_factors"`
	Recommendation       string   `json:"recommendation"`
	Confidence           float64  `json:"confidence"`
}

// RecommendationForScore buckets a trial match score the way match results are labelled.
func RecommendationForScore(score float64) string {
	switch {
	case score >= 90:
		return "Excellent Match"
	case score >= 70:
		return "Good Match"
	case score >= 50:
		return "Possible Match"
	case score >= 30:
		return "Poor Match"
	default:
		return "No Match"
	}
}

type Consent struct {
	ID        int64     `json:"id"`
	PatientID string    `json:"patient_id"`
	TrialID   string    `json:"trial_id"`
	CreatedAt time.Time `json:"created_at"`
}

type SelectionRun struct {
	ID        int64           `json:"id"`
	TrialID   string          `json:"trial_id"`
	Strategy  string          `json:"strategy"`
	Required  int             `json:"required"`
	Stats     ProcessingStats `json:"stats"`
	CreatedAt time.Time       `json:"created_at"`
}
