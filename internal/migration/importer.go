// Package migration loads users, products and orders from a seed file into
// the directory and the order ledger.
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/internal/audit"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/sirupsen/logrus"
)

type DirectoryWriter interface {
	PutUser(ctx context.Context, u models.User) error
	PutProduct(ctx context.Context, p models.Product) error
}

type OrderLedger interface {
	Create(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
}

type Importer struct {
	directory DirectoryWriter
	ledger    OrderLedger
	auditor   *audit.Auditor
	logger    *logrus.Logger
	config    Config
}

type Config struct {
	BatchSize    int           `json:"batch_size"`
	Concurrency  int           `json:"concurrency"`
	DelayBetween time.Duration `json:"delay_between"`
	DryRun       bool          `json:"dry_run"`
	SkipExisting bool          `json:"skip_existing"`
}

// Dataset is the seed file layout.
type Dataset struct {
	Users    []models.User    `json:"users"`
	Products []models.Product `json:"products"`
	Orders   []*models.Order  `json:"orders"`
}

type Result struct {
	TotalRecords   int           `json:"total_records"`
	Successful     int           `json:"successful"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	ProcessingTime time.Duration `json:"processing_time"`
	ErrorDetails   []ImportError `json:"error_details"`
	DryRun         bool          `json:"dry_run"`
	Timestamp      time.Time     `json:"timestamp"`
}

type ImportError struct {
	Record    string    `json:"record"`
	ID        string    `json:"id"`
	Error     string    `json:"error"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

func NewImporter(directory DirectoryWriter, ledger OrderLedger, logger *logrus.Logger) *Importer {
	return &Importer{
		directory: directory,
		ledger:    ledger,
		auditor:   audit.NewAuditor(logger),
		logger:    logger,
		config: Config{
			BatchSize:    50,
			Concurrency:  5,
			DelayBetween: 0,
			DryRun:       false,
			SkipExisting: true,
		},
	}
}

func (im *Importer) SetConfig(config Config) {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	im.config = config
	im.logger.WithFields(logrus.Fields{
		"batch_size":  config.BatchSize,
		"concurrency": config.Concurrency,
		"dry_run":     config.DryRun,
	}).Info("Import configuration updated")
}

// LoadDataset reads a seed file from path.
func LoadDataset(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	var ds Dataset
	if err := json.NewDecoder(f).Decode(&ds); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	return &ds, nil
}

// Import writes users and products first so orders can resolve their
// sellers, then creates orders in concurrent batches. Records that fail are
// listed in the result; only a cancelled context aborts the run.
func (im *Importer) Import(ctx context.Context, ds *Dataset) (*Result, error) {
	startTime := time.Now()

	result := &Result{
		TotalRecords: len(ds.Users) + len(ds.Products) + len(ds.Orders),
		ErrorDetails: []ImportError{},
		DryRun:       im.config.DryRun,
		Timestamp:    startTime,
	}

	im.logger.WithFields(logrus.Fields{
		"users":    len(ds.Users),
		"products": len(ds.Products),
		"orders":   len(ds.Orders),
	}).Info("Starting seed import")

	if im.config.DryRun {
		im.logger.Info("DRY RUN: Would import seed data")
		result.Successful = result.TotalRecords
		result.ProcessingTime = time.Since(startTime)
		return result, nil
	}

	for _, u := range ds.Users {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := validateUser(u)
		if err == nil {
			err = im.directory.PutUser(ctx, u)
		}
		im.record(result, "user", u.ID, err)
	}

	for _, p := range ds.Products {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := validateProduct(p)
		if err == nil {
			err = im.directory.PutProduct(ctx, p)
		}
		im.record(result, "product", p.ID, err)
	}

	im.mergeResults(result, im.importOrders(ctx, ds.Orders))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.ProcessingTime = time.Since(startTime)

	im.logger.WithFields(logrus.Fields{
		"successful": result.Successful,
		"failed":     result.Failed,
		"skipped":    result.Skipped,
		"duration":   result.ProcessingTime,
	}).Info("Seed import completed")

	return result, nil
}

func (im *Importer) importOrders(ctx context.Context, orders []*models.Order) *Result {
	result := &Result{ErrorDetails: []ImportError{}}
	if len(orders) == 0 {
		return result
	}

	batches := im.createBatches(orders)

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, im.config.Concurrency)
	resultChan := make(chan *Result, len(batches))

	for _, batch := range batches {
		wg.Add(1)
		go func(orderBatch []*models.Order) {
			defer wg.Done()
			semaphore <- struct{}{}

			resultChan <- im.processBatch(ctx, orderBatch)

			<-semaphore
			if im.config.DelayBetween > 0 {
				time.Sleep(im.config.DelayBetween)
			}
		}(batch)
	}

	wg.Wait()
	close(resultChan)

	for batchResult := range resultChan {
		im.mergeResults(result, batchResult)
	}
	return result
}

func (im *Importer) createBatches(orders []*models.Order) [][]*models.Order {
	var batches [][]*models.Order
	for i := 0; i < len(orders); i += im.config.BatchSize {
		end := i + im.config.BatchSize
		if end > len(orders) {
			end = len(orders)
		}
		batches = append(batches, orders[i:end])
	}
	return batches
}

func (im *Importer) processBatch(ctx context.Context, orders []*models.Order) *Result {
	result := &Result{ErrorDetails: []ImportError{}}

	for _, order := range orders {
		select {
		case <-ctx.Done():
			return result
		default:
		}

		// The ledger stamps status and timeline on create; keep the seed
		// record untouched for validation.
		err := im.ledger.Create(ctx, order.Clone())
		im.record(result, "order", order.ID, err)
	}

	return result
}

func (im *Importer) record(result *Result, kind, id string, err error) {
	switch {
	case err == nil:
		result.Successful++
		im.logger.WithFields(logrus.Fields{"record": kind, "id": id}).Debug("Imported record")
	case apperr.Is(err, apperr.KindConflict) && im.config.SkipExisting:
		result.Skipped++
		im.logger.WithFields(logrus.Fields{"record": kind, "id": id}).Debug("Record already exists, skipping")
	default:
		result.Failed++
		result.ErrorDetails = append(result.ErrorDetails, ImportError{
			Record:    kind,
			ID:        id,
			Error:     err.Error(),
			Severity:  "error",
			Timestamp: time.Now(),
		})
		im.logger.WithError(err).WithFields(logrus.Fields{"record": kind, "id": id}).Error("Failed to import record")
	}
}

func (im *Importer) mergeResults(target, source *Result) {
	target.Successful += source.Successful
	target.Failed += source.Failed
	target.Skipped += source.Skipped
	target.ErrorDetails = append(target.ErrorDetails, source.ErrorDetails...)
}

// Validate reads every seeded order back from the ledger and audits it
// against its seed record.
func (im *Importer) Validate(ctx context.Context, ds *Dataset) (*audit.Report, error) {
	im.logger.Info("Starting post-import validation")

	stored := make([]*models.Order, 0, len(ds.Orders))
	for _, order := range ds.Orders {
		got, err := im.ledger.Get(ctx, order.ID)
		if err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				continue
			}
			return nil, fmt.Errorf("read order %s: %w", order.ID, err)
		}
		stored = append(stored, got)
	}

	return im.auditor.Compare(ds.Orders, stored), nil
}

func validateUser(u models.User) error {
	if u.ID == "" {
		return apperr.Validation("user id is required")
	}
	if !u.Role.Valid() {
		return apperr.Validation("user %s has unknown role %q", u.ID, u.Role)
	}
	return nil
}

func validateProduct(p models.Product) error {
	if p.ID == "" {
		return apperr.Validation("product id is required")
	}
	if p.SellerID == "" {
		return apperr.Validation("product %s has no seller", p.ID)
	}
	return nil
}
