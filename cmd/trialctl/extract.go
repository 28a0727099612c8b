package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pharmatrace/backend/internal/batch"
	"github.com/pharmatrace/backend/internal/extraction"
	"github.com/pharmatrace/backend/internal/ingestion"
	"github.com/pharmatrace/backend/internal/llm/gemini"
	"github.com/pharmatrace/backend/internal/storage/models"
	"github.com/pharmatrace/backend/internal/storage/sqlite"
	"github.com/pharmatrace/backend/internal/storage/uploads"
	appLogger "github.com/pharmatrace/backend/pkg/logger"
	"github.com/pharmatrace/backend/pkg/utils"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract patient records from a directory of documents",
	Long:  "Runs every supported document in --dir through validation and extraction with bounded concurrency, stores extracted patients in SQLite, and prints the batch summary as JSON.",
	RunE:  runExtract,
}

var (
	extractDir         string
	extractConcurrency int
	extractDryRun      bool
)

func init() {
	extractCmd.Flags().StringVarP(&extractDir, "dir", "d", "", "Directory containing medical documents (required)")
	extractCmd.Flags().IntVarP(&extractConcurrency, "concurrency", "c", 0, "Documents processed at once (defaults to batch.concurrency)")
	extractCmd.Flags().BoolVar(&extractDryRun, "dry-run", false, "Do not store extracted patients")

	if err := extractCmd.MarkFlagRequired("dir"); err != nil {
		panic(fmt.Sprintf("failed to mark dir flag as required: %v", err))
	}

	rootCmd.AddCommand(extractCmd)
}

type discardSink struct{}

func (discardSink) SavePatient(context.Context, *models.Patient) error { return nil }

func runExtract(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := appLogger.GetLogger()

	entries, err := os.ReadDir(extractDir)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", extractDir, err)
	}

	uploadStore, err := uploads.NewStore(afero.NewOsFs(), cfg.Uploads.Dir, log)
	if err != nil {
		return fmt.Errorf("failed to prepare upload directory: %w", err)
	}

	docs, err := stageDocuments(uploadStore, entries)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no supported documents in %s (allowed: %v)", extractDir, cfg.Uploads.AllowedExtensions)
	}
	if len(docs) > cfg.Batch.MaxFiles {
		uploadStore.RemoveAll(docs)
		return fmt.Errorf("%d documents exceeds the batch limit of %d", len(docs), cfg.Batch.MaxFiles)
	}

	generator, err := gemini.NewGenerator(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model,
		time.Duration(cfg.Gemini.TimeoutSec)*time.Second, log)
	if err != nil {
		uploadStore.RemoveAll(docs)
		return fmt.Errorf("failed to create Gemini generator: %w", err)
	}
	extractor, err := extraction.NewExtractor(generator, ingestion.NewPreparer(uploadStore, 0, log), extraction.Config{
		ValidationThreshold: cfg.Gemini.ValidationThreshold,
		MaxLogLength:        cfg.Gemini.MaxLogLength,
		Logger:              log,
	})
	if err != nil {
		uploadStore.RemoveAll(docs)
		return fmt.Errorf("failed to create extractor: %w", err)
	}

	var sink batch.PatientSink = discardSink{}
	if !extractDryRun {
		db, err := sqlite.NewClient(cfg.SQLite.Path)
		if err != nil {
			uploadStore.RemoveAll(docs)
			return fmt.Errorf("failed to open SQLite: %w", err)
		}
		defer db.Close()
		if err := db.InitSchema(); err != nil {
			uploadStore.RemoveAll(docs)
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
		sink = db
	}

	concurrency := extractConcurrency
	if concurrency <= 0 {
		concurrency = cfg.Batch.Concurrency
	}

	tracker := batch.NewTracker(batch.NewMemoryStore(time.Hour, log), log)
	processor := batch.NewProcessor(batch.ProcessorConfig{
		Tracker:     tracker,
		Extractor:   extractor,
		Sink:        sink,
		Uploads:     uploadStore,
		Concurrency: concurrency,
		Logger:      log,
	})

	batchID := utils.NewBatchID()
	task, err := processor.Submit(ctx, batchID, docs)
	if err != nil {
		uploadStore.RemoveAll(docs)
		return fmt.Errorf("failed to submit batch: %w", err)
	}
	if err := task.Wait(); err != nil {
		appLogger.Warn("Batch finished with error", zap.String("batch_id", batchID), zap.Error(err))
	}

	job, err := tracker.Get(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to read batch summary: %w", err)
	}

	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal batch summary: %w", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(out))

	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Processed %d documents: %d extracted, %d failed\n",
		job.ProcessedFiles, job.SuccessfulExtractions, job.FailedFiles)
	return nil
}

// stageDocuments copies supported files into the upload store so the
// processor can release them the same way it does for HTTP uploads.
func stageDocuments(store *uploads.Store, entries []os.DirEntry) ([]models.Document, error) {
	var docs []models.Document
	for _, entry := range entries {
		if entry.IsDir() || !uploads.HasAllowedExtension(entry.Name(), cfg.Uploads.AllowedExtensions) {
			continue
		}

		path := filepath.Join(extractDir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			store.RemoveAll(docs)
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		doc, err := store.Save(entry.Name(), f)
		f.Close()
		if err != nil {
			store.RemoveAll(docs)
			return nil, fmt.Errorf("failed to stage %s: %w", path, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
