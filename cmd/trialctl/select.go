package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	rediscache "github.com/pharmatrace/backend/internal/cache/redis"
	"github.com/pharmatrace/backend/internal/evaluation"
	"github.com/pharmatrace/backend/internal/llm"
	"github.com/pharmatrace/backend/internal/scoring"
	"github.com/pharmatrace/backend/internal/selection"
	"github.com/pharmatrace/backend/internal/storage/models"
	appLogger "github.com/pharmatrace/backend/pkg/logger"
)

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Select a randomized candidate pool for a trial",
	Long:  "Evaluates every patient against the trial, keeps those at or above the eligibility threshold, and returns a shuffled pool of at most floor(required x multiplier) candidates.",
	RunE:  runSelect,
}

var rankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Rank eligible candidates for a trial by score",
	Long:  "Evaluates every patient against the trial and returns the top floor(required x multiplier) eligible candidates ordered by eligibility score.",
	RunE:  runRank,
}

var (
	selectTrialPath    string
	selectPatientsPath string
	selectOutput       string
	selectRequired     int
	selectMultiplier   float64
)

func init() {
	for _, c := range []*cobra.Command{selectCmd, rankCmd} {
		c.Flags().StringVarP(&selectTrialPath, "trial", "t", "", "Path to trial JSON file (required)")
		c.Flags().StringVarP(&selectPatientsPath, "patients", "p", "", "Path to patients JSON array file (required)")
		c.Flags().StringVarP(&selectOutput, "out", "o", "", "Output file (defaults to stdout)")
		c.Flags().IntVarP(&selectRequired, "required", "r", 0, "Candidates required (defaults to selection.defaultRequired)")
		c.Flags().Float64VarP(&selectMultiplier, "multiplier", "m", 0, "Pool size multiplier (defaults to selection.multiplier)")

		if err := c.MarkFlagRequired("trial"); err != nil {
			panic(fmt.Sprintf("failed to mark trial flag as required: %v", err))
		}
		if err := c.MarkFlagRequired("patients"); err != nil {
			panic(fmt.Sprintf("failed to mark patients flag as required: %v", err))
		}

		rootCmd.AddCommand(c)
	}
}

func runSelect(cmd *cobra.Command, _ []string) error {
	trial, patients, err := loadSelectionInputs()
	if err != nil {
		return err
	}
	evaluator, closeFn, err := newEvaluator()
	if err != nil {
		return err
	}
	defer closeFn()

	selector := selection.NewSelector(evaluator,
		selection.WithThreshold(cfg.Selection.EligibilityThreshold),
		selection.WithLogger(appLogger.GetLogger()),
	)
	required, multiplier := selectionParams()

	pool, err := selector.SelectCandidates(cmd.Context(), patients, *trial, required, multiplier)
	if err != nil {
		return fmt.Errorf("failed to select candidates: %w", err)
	}
	return writeJSON(cmd, pool)
}

func runRank(cmd *cobra.Command, _ []string) error {
	trial, patients, err := loadSelectionInputs()
	if err != nil {
		return err
	}
	evaluator, closeFn, err := newEvaluator()
	if err != nil {
		return err
	}
	defer closeFn()

	ranker := selection.NewRanker(evaluator,
		selection.WithThreshold(cfg.Selection.EligibilityThreshold),
		selection.WithLogger(appLogger.GetLogger()),
	)
	required, multiplier := selectionParams()

	result, err := ranker.RankCandidates(cmd.Context(), patients, *trial, required, multiplier)
	if err != nil {
		return fmt.Errorf("failed to rank candidates: %w", err)
	}
	return writeJSON(cmd, result)
}

func selectionParams() (int, float64) {
	required := selectRequired
	if required <= 0 {
		required = cfg.Selection.DefaultRequired
	}
	multiplier := selectMultiplier
	if multiplier == 0 {
		multiplier = cfg.Selection.Multiplier
	}
	return required, multiplier
}

func loadSelectionInputs() (*models.Trial, []models.Patient, error) {
	var trial models.Trial
	if err := readJSONFile(selectTrialPath, &trial); err != nil {
		return nil, nil, fmt.Errorf("failed to load trial: %w", err)
	}
	if trial.ID == "" {
		return nil, nil, fmt.Errorf("trial in %s has no id", selectTrialPath)
	}

	var patients []models.Patient
	if err := readJSONFile(selectPatientsPath, &patients); err != nil {
		return nil, nil, fmt.Errorf("failed to load patients: %w", err)
	}
	return &trial, patients, nil
}

// newEvaluator builds the scoring pipeline the API server uses. The returned
// func releases the Redis connection when the cache is enabled.
func newEvaluator() (*evaluation.Evaluator, func(), error) {
	log := appLogger.GetLogger()
	closeFn := func() {}

	scorerCfg := scoring.Config{
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		CacheTTL:    cfg.Cache.EvaluationTTL,
		Logger:      log,
	}
	if cfg.Redis.Enabled {
		client, err := rediscache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		scorerCfg.Cache = client
		closeFn = func() { _ = client.Close() }
	}

	completer := llm.NewClient(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Temperature, cfg.LLM.MaxTokens,
		time.Duration(cfg.LLM.TimeoutSec)*time.Second)

	evaluator := evaluation.NewEvaluator(scoring.NewLLMScorer(completer, scorerCfg), evaluation.Config{
		BatchSize:   cfg.Selection.BatchSize,
		Concurrency: cfg.Selection.EvaluationConcurrency,
		Logger:      log,
	})
	return evaluator, closeFn, nil
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}

	var w io.Writer = cmd.OutOrStdout()
	if selectOutput != "" {
		f, err := os.Create(selectOutput)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", selectOutput, err)
		}
		defer f.Close()
		w = f
	}

	_, err = fmt.Fprintln(w, string(out))
	return err
}
